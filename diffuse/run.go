package diffuse

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"progdiff/core"
	"progdiff/guidance"
	"progdiff/imaging"
	"progdiff/logging"
	"progdiff/noise"
	"progdiff/percep"
	"progdiff/runstore"
	"progdiff/tensor"
)

// Run generates one image. Fields above the overrides block come from the
// batch driver; the overrides exist so the gobig engine can rerun the
// loop per tile with a cropped source and different skip behavior.
type Run struct {
	Settings *core.Settings
	Plan     *core.Plan
	Guides   []*guidance.Guide
	Percep   percep.Similarity
	Sampler  Sampler
	Log      *logging.Logger
	Store    *runstore.Store

	Seed       int64
	BatchNum   int
	ImageIndex int

	// GenInitPercent stops the run at this percent of steps and saves
	// the rough composition for later use as an init image. Zero
	// disables; out-of-range values fall back to 20.
	GenInitPercent int

	// Tile overrides, all inert at their zero values except TileIndex
	// which must be -1 for a whole-canvas run.
	TileIndex          int
	Width, Height      int
	SkipOverride       int
	InitOverride       *tensor.Tensor
	MaskOverride       *tensor.Tensor
	ConstraintOverride *tensor.Tensor
	DisableSymmetry    bool
	DisablePerlin      bool
	DisableCorrection  bool

	state   RunState
	started time.Time
}

// Result is the finished artifact of one run.
type Result struct {
	Path  string
	Image *tensor.Tensor
	Seed  int64
}

// State reports the lifecycle state the run last entered.
func (r *Run) State() RunState {
	return r.state
}

func (r *Run) setState(s RunState, log *logging.Logger) {
	log.Debug("state transition",
		zap.String("from", r.state.String()),
		zap.String("to", s.String()))
	r.state = s
}

// Execute drives the run from initialization through artifact assembly.
// The returned error is nil only for a fully completed image; a genuine
// early exit (geninit) still carries its classification error alongside a
// usable result.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	r.started = time.Now()
	s := r.Settings
	log := r.Log.Named("run").With(
		zap.Int("image", r.ImageIndex),
		zap.Int("tile", r.TileIndex))

	r.state = StateInitializing
	log.Info("initializing", zap.String("state", r.state.String()))

	w, h := s.SideX(), s.SideY()
	if r.Width > 0 {
		w = r.Width
	}
	if r.Height > 0 {
		h = r.Height
	}
	if w%64 != 0 || h%64 != 0 || w <= 0 || h <= 0 {
		return nil, core.ErrBadDimensions(w, h)
	}

	seed := r.Seed

	init, err := r.resolveInit(w, h, seed)
	if err != nil {
		return nil, err
	}
	mask, err := r.resolveMask(w, h)
	if err != nil {
		return nil, err
	}
	constraint, err := r.resolveConstraint(init, mask, w, h, seed)
	if err != nil {
		return nil, err
	}

	agg := guidance.New(r.Guides, r.buildTerms(constraint), r.Plan, r.Log, seed)
	agg.Mask = mask
	agg.ClampGrad = s.ClampGrad

	sampler := r.Sampler
	if sampler == nil {
		if sampler, err = NewBlendSampler(s.Steps, r.Plan.Eta); err != nil {
			return nil, core.ErrInvalidSetting("steps", err.Error())
		}
	}

	skip := s.SkipSteps
	if r.SkipOverride > 0 {
		skip = r.SkipOverride
	}
	total := sampler.Steps()
	if skip >= total {
		return nil, core.ErrSkipExceedsRun(skip, total)
	}
	stopAt := total
	if s.StopEarly > 0 {
		stopAt = total - s.StopEarly
	}

	// A geninit run replaces the configured checkpoints with its single
	// save point.
	genStep := 0
	if r.GenInitPercent > 0 {
		pct := r.GenInitPercent
		if pct > 100 {
			pct = 20
		}
		genStep = total * pct / 100
	}

	r.setState(StateStepping, log)
	latent, err := sampler.Begin(seed, 3, h, w, skip, init)
	if err != nil {
		return nil, core.ErrInvalidSetting("init", err.Error())
	}

	guide := func(preview *tensor.Tensor, stepIdx, runStep int) (*tensor.Tensor, error) {
		grad, _, err := agg.Gradient(preview, stepIdx, runStep)
		return grad, err
	}

	var preview *tensor.Tensor
	lastCorrection := -1
	for runStep := skip; runStep < stopAt; {
		if ctx.Err() != nil {
			r.saveInterrupted(preview, log)
			r.setState(StateAborted, log)
			return nil, core.ErrInterrupted()
		}

		var next *tensor.Tensor
		next, preview, err = sampler.Step(latent, runStep, guide)
		if err != nil {
			r.setState(StateAborted, log)
			return nil, err
		}

		if corrected, applied := r.applyCorrection(preview, runStep, skip, total, lastCorrection, log); applied {
			lastCorrection = runStep
			latent, err = sampler.Begin(seed, 3, h, w, runStep, corrected)
			if err != nil {
				r.setState(StateAborted, log)
				return nil, core.ErrInvalidSetting("correction", err.Error())
			}
			continue
		}

		latent = next
		runStep++

		if r.isCheckpoint(runStep, skip, stopAt, genStep) {
			r.setState(StateCheckpointing, log)
			if err := r.saveCheckpoint(preview, runStep, total, log); err != nil {
				r.setState(StateAborted, log)
				return nil, err
			}
			if runStep == genStep {
				path, err := r.saveImage(preview, r.outputDir(), "geninit.png", nil, log)
				if err != nil {
					r.setState(StateAborted, log)
					return nil, err
				}
				r.setState(StateDone, log)
				log.Info("rough composition saved", zap.String("path", path))
				return &Result{Path: path, Image: preview, Seed: seed}, core.ErrEarlyExit(runStep)
			}
			r.setState(StateStepping, log)
		}

		if s.CoolDown > 0 {
			time.Sleep(time.Duration(s.CoolDown / float64(total) * float64(time.Second)))
		}
	}

	result, err := r.finish(ctx, preview, init, mask, seed, log)
	if err != nil {
		r.setState(StateAborted, log)
		return nil, err
	}
	r.setState(StateDone, log)
	if n := agg.Recoveries(); n > 0 {
		log.Warn("run completed with recovered gradient steps", zap.Int("recoveries", n))
	}
	return result, nil
}

// resolveInit loads the starting image: an in-memory tile crop, a file,
// or synthesized noise.
func (r *Run) resolveInit(w, h int, seed int64) (*tensor.Tensor, error) {
	if r.InitOverride != nil {
		return r.InitOverride, nil
	}
	if path := r.Settings.InitImage; path != "" {
		return loadImageTensor(path, w, h)
	}
	if r.Settings.PerlinInit && !r.DisablePerlin {
		mode, err := noise.ParseMode(r.Settings.PerlinMode)
		if err != nil {
			return nil, core.ErrInvalidSetting("perlin_mode", err.Error())
		}
		img, err := noise.Generate(w, h, mode, seed)
		if err != nil {
			return nil, core.ErrInvalidSetting("perlin_init", err.Error())
		}
		return tensor.FromImage(img), nil
	}
	return nil, nil
}

// resolveMask loads the render mask as a per-pixel weight in [0, 1],
// resized without interpolation so edges stay crisp.
func (r *Run) resolveMask(w, h int) (*tensor.Tensor, error) {
	if r.MaskOverride != nil {
		return r.MaskOverride, nil
	}
	path := r.Settings.RenderMask
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, core.ErrMissingMask(path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, core.ErrMissingMask(path, err)
	}
	resized := imaging.ResizeNearest(img, w, h)

	mask := tensor.New(3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := imaging.Luminance(resized.At(x, y)) / 255
			for c := 0; c < 3; c++ {
				mask.Set(c, y, x, v)
			}
		}
	}
	return mask, nil
}

// resolveConstraint picks the image the init-distance term pulls toward.
// With a render mask but no dedicated constraint image, noise stands in
// so the masked region is not dragged back to the source.
func (r *Run) resolveConstraint(init, mask *tensor.Tensor, w, h int, seed int64) (*tensor.Tensor, error) {
	if r.ConstraintOverride != nil {
		return r.ConstraintOverride, nil
	}
	if path := r.Settings.InitMasked; path != "" {
		return loadImageTensor(path, w, h)
	}
	if mask != nil && init != nil {
		mode, err := noise.ParseMode(r.Settings.PerlinMode)
		if err != nil {
			return nil, core.ErrInvalidSetting("perlin_mode", err.Error())
		}
		img, err := noise.Generate(w, h, mode, seed)
		if err != nil {
			return nil, core.ErrInvalidSetting("render_mask", err.Error())
		}
		return tensor.FromImage(img), nil
	}
	return init, nil
}

func (r *Run) buildTerms(constraint *tensor.Tensor) []guidance.Term {
	s := r.Settings
	terms := []guidance.Term{
		&guidance.TVTerm{Scale: s.TVScale},
		&guidance.RangeTerm{Scale: s.RangeScale},
		&guidance.SatTerm{Scale: s.SatScale},
		&guidance.InitTerm{Scale: s.InitScale, Init: constraint, Percep: r.Percep},
	}
	if !r.DisableSymmetry {
		if s.SymmetryLossV {
			terms = append(terms, &guidance.SymmetryTerm{
				Vertical: true,
				Scale:    r.Plan.SymmLossScale,
				Switch:   s.SymmSwitch,
				Percep:   r.Percep,
			})
		}
		if s.SymmetryLossH {
			terms = append(terms, &guidance.SymmetryTerm{
				Scale:  r.Plan.SymmLossScale,
				Switch: s.SymmSwitch,
				Percep: r.Percep,
			})
		}
	}
	return terms
}

// applyCorrection measures the current preview and, within the first 30%
// of the run at the configured interval, nudges brightness or contrast
// back inside the frontiers. The corrected image restarts sampling as a
// fresh init at the current progress.
func (r *Run) applyCorrection(preview *tensor.Tensor, runStep, skip, total, lastCorrection int, log *logging.Logger) (*tensor.Tensor, bool) {
	c := r.Settings.Correction
	if !c.Enabled || r.DisableCorrection || c.Interval <= 0 {
		return nil, false
	}
	if runStep == lastCorrection || runStep <= skip {
		return nil, false
	}
	if runStep%c.Interval != 0 || float64(runStep) >= float64(total)*0.3 {
		return nil, false
	}

	img, err := preview.ToImage()
	if err != nil {
		return nil, false
	}
	stats := imaging.Measure(img)

	adjusted := false
	check := func(f core.Frontier, value float64, high bool, apply func(image.Image, float64) *image.RGBA, name string) {
		if !f.Enabled || runStep < f.StartStep {
			return
		}
		if (high && value > f.Threshold) || (!high && value < f.Threshold) {
			img = apply(img, f.Amount)
			adjusted = true
			log.Info("correction applied",
				zap.String("frontier", name),
				zap.Float64("value", value),
				zap.Float64("threshold", f.Threshold),
				zap.Int("step", runStep))
		}
	}

	check(c.HighBrightness, stats.Brightness, true, imaging.AdjustBrightness, "high_brightness")
	check(c.LowBrightness, stats.Brightness, false, imaging.AdjustBrightness, "low_brightness")
	check(c.HighContrast, stats.Contrast, true, imaging.AdjustContrast, "high_contrast")
	check(c.LowContrast, stats.Contrast, false, imaging.AdjustContrast, "low_contrast")

	if !adjusted {
		return nil, false
	}
	return tensor.FromImage(img), true
}

func (r *Run) isCheckpoint(runStep, skip, stopAt, genStep int) bool {
	if runStep >= stopAt {
		return false
	}
	if genStep > 0 {
		return runStep == genStep
	}
	if len(r.Plan.CheckpointSteps) > 0 {
		for _, step := range r.Plan.CheckpointSteps {
			if step == runStep {
				return true
			}
		}
		return false
	}
	if r.Plan.StepsPerCheckpoint > 0 {
		return runStep > skip && (runStep-skip)%r.Plan.StepsPerCheckpoint == 0
	}
	return false
}

func (r *Run) outputDir() string {
	return r.Settings.OutputDir
}

func (r *Run) partialsDir() string {
	if r.Settings.IntermediatesInSubfolder {
		return filepath.Join(r.Settings.OutputDir, "partials")
	}
	return r.Settings.OutputDir
}

func (r *Run) baseName() string {
	name := fmt.Sprintf("%s(%d)_%d", r.Settings.BatchName, r.BatchNum, r.ImageIndex)
	if r.TileIndex >= 0 {
		name += fmt.Sprintf("_tile%02d", r.TileIndex)
	}
	return name
}

func (r *Run) saveCheckpoint(preview *tensor.Tensor, runStep, total int, log *logging.Logger) error {
	percent := runStep * 100 / total
	name := fmt.Sprintf("%s-%d%%.png", r.baseName(), percent)
	if len(r.Plan.CheckpointSteps) > 0 {
		name = fmt.Sprintf("%s-%d.png", r.baseName(), runStep)
	}
	path, err := r.saveImage(preview, r.partialsDir(), name, nil, log)
	if err != nil {
		return err
	}
	log.Info("checkpoint saved",
		zap.String("state", r.state.String()),
		zap.String("path", path),
		zap.Int("step", runStep))
	return nil
}

func (r *Run) saveInterrupted(preview *tensor.Tensor, log *logging.Logger) {
	if preview == nil {
		return
	}
	name := r.baseName() + "-interrupted.png"
	if path, err := r.saveImage(preview, r.partialsDir(), name, nil, log); err == nil {
		log.Info("in-flight image saved before abort", zap.String("path", path))
	}
}

func (r *Run) saveImage(t *tensor.Tensor, dir, name string, metadata map[string]string, log *logging.Logger) (string, error) {
	img, err := t.ToImage()
	if err != nil {
		return "", core.ErrSaveFailed(name, err)
	}
	return r.savePNG(img, dir, name, metadata)
}

func (r *Run) savePNG(img image.Image, dir, name string, metadata map[string]string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", core.ErrSaveFailed(dir, err)
	}
	path := filepath.Join(dir, name)
	if err := imaging.SavePNG(path, img, metadata); err != nil {
		return "", core.ErrSaveFailed(path, err)
	}
	return path, nil
}

// finish assembles the final artifact: optional sharpening, render-mask
// compositing against the source, metadata, the external upscaler hook,
// and the ledger record.
func (r *Run) finish(ctx context.Context, preview, init, mask *tensor.Tensor, seed int64, log *logging.Logger) (*Result, error) {
	s := r.Settings
	if preview == nil {
		return nil, core.ErrInvalidSetting("steps", "run produced no image")
	}

	var metadata map[string]string
	if s.AddMetadata {
		metadata = r.metadata(seed)
	}

	// Outside the mask the source shows through untouched, so a zero
	// mask reproduces the source exactly. Sharpening runs first and the
	// composite restores outside-mask pixels afterwards.
	composite := func(t *tensor.Tensor) *tensor.Tensor {
		if mask == nil || init == nil {
			return t
		}
		out := t.Clone()
		for i := range out.Data {
			m := mask.Data[i]
			out.Data[i] = init.Data[i]*(1-m) + t.Data[i]*m
		}
		return out
	}

	final := preview.Clone()
	if radius, percent, threshold, ok := sharpenParams(s.SharpenPreset); ok {
		img, err := preview.ToImage()
		if err != nil {
			return nil, core.ErrSaveFailed(r.baseName(), err)
		}
		if s.KeepUnsharp {
			unsharp, err := composite(preview).ToImage()
			if err != nil {
				return nil, core.ErrSaveFailed(r.baseName(), err)
			}
			name := r.baseName() + "-unsharpened.png"
			if _, err := r.savePNG(unsharp, r.partialsDir(), name, metadata); err != nil {
				return nil, err
			}
		}
		final = tensor.FromImage(imaging.Unsharp(img, radius, percent, threshold))
	}
	final = composite(final)

	img, err := final.ToImage()
	if err != nil {
		return nil, core.ErrSaveFailed(r.baseName(), err)
	}
	path, err := r.savePNG(img, r.outputDir(), r.baseName()+".png", metadata)
	if err != nil {
		return nil, err
	}
	log.Info("image saved", zap.String("path", path), zap.Int64("seed", seed))

	if s.Upscaler != "" {
		cmd := exec.CommandContext(ctx, s.Upscaler, path)
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Warn("upscaler failed",
				zap.String("command", s.Upscaler),
				zap.ByteString("output", out),
				zap.Error(err))
		} else {
			log.Info("upscaler finished", zap.String("command", s.Upscaler))
		}
	}

	if r.Store != nil {
		rec := runstore.Record{
			ID:         uuid.NewString(),
			BatchName:  s.BatchName,
			ImageIndex: r.ImageIndex,
			TileIndex:  r.TileIndex,
			Prompt:     joinPrompts(s.TextPrompts.Initial()),
			Seed:       seed,
			Steps:      s.Steps,
			SkipSteps:  s.SkipSteps,
			Width:      final.W,
			Height:     final.H,
			OutputPath: path,
			Schedules:  r.scheduleSummaries(),
			StartedAt:  r.started,
			FinishedAt: time.Now(),
		}
		if err := r.Store.Insert(ctx, rec); err != nil {
			return nil, err
		}
	}

	return &Result{Path: path, Image: final, Seed: seed}, nil
}

func (r *Run) metadata(seed int64) map[string]string {
	s := r.Settings
	md := map[string]string{
		"prompt":              joinPrompts(s.TextPrompts.Initial()),
		"seed":                fmt.Sprintf("%d", seed),
		"steps":               fmt.Sprintf("%d", s.Steps),
		"skip_steps":          fmt.Sprintf("%d", s.SkipSteps),
		"clip_guidance_scale": s.ClipGuidanceScale.Summary(),
		"tv_scale":            fmt.Sprintf("%g", s.TVScale),
		"range_scale":         fmt.Sprintf("%g", s.RangeScale),
		"sat_scale":           fmt.Sprintf("%g", s.SatScale),
		"eta":                 s.Eta.Summary(),
		"clamp_max":           s.ClampMax.Summary(),
		"cut_overview":        s.CutOverview.Summary(),
		"cut_innercut":        s.CutInnercut.Summary(),
		"cut_ic_pow":          s.CutICPow.Summary(),
	}
	if s.InitImage != "" {
		md["init_image"] = s.InitImage
	}
	return md
}

func (r *Run) scheduleSummaries() map[string]string {
	s := r.Settings
	return map[string]string{
		"clip_guidance_scale": s.ClipGuidanceScale.Summary(),
		"cutn_batches":        s.CutnBatches.Summary(),
		"cut_overview":        s.CutOverview.Summary(),
		"cut_innercut":        s.CutInnercut.Summary(),
		"clamp_max":           s.ClampMax.Summary(),
		"eta":                 s.Eta.Summary(),
	}
}

func sharpenParams(preset string) (radius float64, percent, threshold int, ok bool) {
	switch preset {
	case "Faint":
		return 0.5, 20, 3, true
	case "Light":
		return 1, 30, 3, true
	case "Medium":
		return 1.5, 50, 3, true
	case "Heavy":
		return 2, 80, 3, true
	case "Strong":
		return 3, 120, 3, true
	default:
		return 0, 0, 0, false
	}
}

func joinPrompts(prompts []string) string {
	out := ""
	for i, p := range prompts {
		if i > 0 {
			out += " | "
		}
		out += p
	}
	return out
}

// loadImageTensor reads and resizes an image file into tensor space.
func loadImageTensor(path string, w, h int) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.ErrMissingInitImage(path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, core.ErrMissingInitImage(path, err)
	}
	return tensor.FromImage(imaging.Resize(img, w, h)), nil
}
