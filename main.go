// Command progdiff drives guided iterative image synthesis: schedules,
// multi-objective guidance, the denoising control loop, and tiled
// amplification of finished images.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"progdiff/core"
	"progdiff/diffuse"
	"progdiff/embed"
	"progdiff/gobig"
	"progdiff/guidance"
	"progdiff/imaging"
	"progdiff/logging"
	"progdiff/percep"
	"progdiff/runstore"
	"progdiff/shutdown"
	"progdiff/tensor"
)

const embedCutSize = 64

func main() {
	os.Exit(run())
}

func run() int {
	settingsPath := flag.String("settings", "settings.yaml", "YAML settings files, comma separated, later files override earlier")
	prompt := flag.String("prompt", "", "override the text prompt from settings")
	useInit := flag.String("useinit", "", "use this image as the initial image")
	genInit := flag.Int("geninit", 0, "stop at this percent of steps and save a rough composition for later init use (0 disables)")
	goBig := flag.Bool("gobig", false, "amplify each finished image by tiled resynthesis")
	goBigInit := flag.String("gobiginit", "", "skip the base render and amplify this image instead")
	goBigSlices := flag.Int("gobig_slices", 0, "override the tile count estimate")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Printf("warning: could not read .env: %v\n", err)
	}

	color.New(color.FgCyan, color.Bold).Println("progdiff")

	settings, err := core.LoadSettings(strings.Split(*settingsPath, ",")...)
	if err != nil {
		color.Red("settings: %v", err)
		return core.ExitCodeError
	}
	applyFlags(settings, *prompt, *useInit, *goBig, *goBigInit, *goBigSlices)
	if settings.Seed == 0 {
		settings.Seed = time.Now().UnixNano() & 0x7fffffff
	}
	settings.ApplyAutoSettings()
	if err := settings.Validate(); err != nil {
		color.Red("settings: %v", err)
		return core.ExitCodeError
	}

	log, err := logging.NewLogger(settings.LogLevel, settings.LogDir)
	if err != nil {
		color.Red("logging: %v", err)
		return core.ExitCodeError
	}

	manager := shutdown.NewManager(log)
	manager.Register("logger", 5, func(context.Context) error {
		log.Sync()
		return nil
	})
	manager.Start()

	if err := runBatch(manager, settings, log, *genInit); err != nil {
		if !core.IsInterruption(err) {
			color.Red("run failed: %v", err)
			log.Error("batch failed", zap.Error(err))
			manager.SetError()
		}
	}
	return manager.Shutdown()
}

func applyFlags(s *core.Settings, prompt, useInit string, goBig bool, goBigInit string, slices int) {
	if prompt != "" {
		s.TextPrompts = core.PromptSet{0: {prompt}}
	}
	if useInit != "" {
		s.InitImage = useInit
	}
	if goBig {
		s.Gobig.Enabled = true
	}
	if goBigInit != "" {
		s.Gobig.Enabled = true
		s.Gobig.InitImage = goBigInit
	}
	if slices > 0 {
		s.Gobig.Slices = slices
	}
}

func runBatch(manager *shutdown.Manager, settings *core.Settings, log *logging.Logger, genInit int) error {
	ctx := manager.Context()

	store, err := runstore.Open(settings.LedgerPath)
	if err != nil {
		return err
	}
	manager.Register("ledger", 30, func(context.Context) error {
		return store.Close()
	})

	plan, err := settings.Plan()
	if err != nil {
		return err
	}
	guides, err := buildGuides(ctx, settings, log)
	if err != nil {
		return err
	}
	similarity := percep.NewMultiscale()
	batchNum := nextBatchNumber(settings.OutputDir, settings.BatchName)

	log.Info("batch starting",
		zap.String("batch", settings.BatchName),
		zap.Int("batch_num", batchNum),
		zap.Int("images", settings.NBatches),
		zap.Int64("seed", settings.Seed),
		zap.Int("steps", settings.Steps),
		zap.Int("width", settings.SideX()),
		zap.Int("height", settings.SideY()))

	engine := &gobig.Engine{
		Settings: settings,
		Plan:     plan,
		Guides:   guides,
		Percep:   similarity,
		Log:      log,
		Store:    store,
	}

	for i := 0; i < settings.NBatches; i++ {
		if ctx.Err() != nil {
			return core.ErrInterrupted()
		}
		seed := settings.Seed + int64(i)

		var source image.Image
		if settings.Gobig.InitImage == "" {
			result, err := runOne(ctx, settings, plan, guides, similarity, log, store, batchNum, i, seed, genInit)
			if err != nil {
				if core.ErrorCode(err) == core.ErrCodeEarlyExit {
					log.Info("rough composition finished", zap.Int("image", i))
					continue
				}
				if core.IsInterruption(err) {
					return err
				}
				if core.IsResourceError(err) {
					// Per-image resources may return for the next one.
					log.Error("image failed", zap.Int("image", i), zap.Error(err))
					continue
				}
				return err
			}
			img, err := result.Image.ToImage()
			if err != nil {
				return core.ErrSaveFailed(result.Path, err)
			}
			source = img
			seed = result.Seed
			color.Green("image %d finished: %s", i, result.Path)
		} else {
			source, err = loadImage(settings.Gobig.InitImage)
			if err != nil {
				return err
			}
		}

		if settings.Gobig.Enabled {
			path, err := engine.Amplify(ctx, source, batchNum, i, seed)
			if err != nil {
				if core.IsInterruption(err) {
					return err
				}
				if core.IsResourceError(err) {
					log.Error("amplification failed", zap.Int("image", i), zap.Error(err))
					continue
				}
				return err
			}
			color.Green("amplified image %d finished: %s", i, path)
		}
	}
	return nil
}

func runOne(ctx context.Context, settings *core.Settings, plan *core.Plan, guides []*guidance.Guide, similarity percep.Similarity, log *logging.Logger, store *runstore.Store, batchNum, imageIndex int, seed int64, genInit int) (*diffuse.Result, error) {
	run := &diffuse.Run{
		Settings:       settings,
		Plan:           plan,
		Guides:         guides,
		Percep:         similarity,
		Log:            log,
		Store:          store,
		Seed:           seed,
		BatchNum:       batchNum,
		ImageIndex:     imageIndex,
		GenInitPercent: genInit,
		TileIndex:      -1,
	}
	return run.Execute(ctx)
}

// buildGuides assembles the scoring providers and their prompt targets.
// With an OpenAI key in the environment, remote text embeddings are
// folded into the local projection space; scoring stays local either way.
func buildGuides(ctx context.Context, settings *core.Settings, log *logging.Logger) ([]*guidance.Guide, error) {
	local := embed.NewLinear("surrogate", embedCutSize, 512, settings.Seed)
	var provider embed.Provider = local
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		provider = embed.NewOpenAI(key, os.Getenv("OPENAI_BASE_URL"), local)
		log.Info("using remote text embeddings", zap.String("provider", provider.Name()))
	}

	embedSet := func(texts []string) (*embed.Targets, error) {
		targets := &embed.Targets{}
		for _, p := range embed.ParsePrompts(texts) {
			vec, err := provider.EmbedText(ctx, p.Text)
			if err != nil {
				return nil, err
			}
			targets.Add(vec, p.Weight)
			log.Debug("text prompt embedded",
				zap.String("prompt", p.Text),
				zap.Float64("weight", p.Weight))
		}
		for _, p := range embed.ParsePrompts(settings.ImagePrompts) {
			img, err := loadImage(p.Text)
			if err != nil {
				return nil, err
			}
			t := tensor.FromImage(imaging.Resize(img, embedCutSize, embedCutSize))
			vec, err := provider.EmbedImage(ctx, t)
			if err != nil {
				return nil, err
			}
			targets.Add(vec, p.Weight)
		}
		if err := targets.Normalize(); err != nil {
			return nil, err
		}
		return targets, nil
	}

	targets, err := embedSet(settings.TextPrompts.Initial())
	if err != nil {
		return nil, err
	}
	guide := &guidance.Guide{Provider: provider, Targets: targets}
	for _, step := range settings.TextPrompts.ChangeSteps() {
		changed, err := embedSet(settings.TextPrompts.At(step))
		if err != nil {
			return nil, err
		}
		if guide.Series == nil {
			guide.Series = make(map[int]*embed.Targets)
		}
		guide.Series[step] = changed
		log.Info("prompt change scheduled", zap.Int("step", step))
	}
	return []*guidance.Guide{guide}, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.ErrMissingInitImage(path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, core.ErrMissingInitImage(path, err)
	}
	return img, nil
}

// nextBatchNumber finds the first run number whose first image does not
// exist yet, so reruns never overwrite earlier output.
func nextBatchNumber(dir, batch string) int {
	for n := 0; ; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s(%d)_0.png", batch, n))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return n
		}
	}
}
