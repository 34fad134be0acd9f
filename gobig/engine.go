package gobig

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"progdiff/core"
	"progdiff/diffuse"
	"progdiff/guidance"
	"progdiff/imaging"
	"progdiff/logging"
	"progdiff/percep"
	"progdiff/runstore"
	"progdiff/tensor"
)

// Engine reruns the denoising loop per tile of an upscaled canvas.
type Engine struct {
	Settings *core.Settings
	Plan     *core.Plan
	Guides   []*guidance.Guide
	Percep   percep.Similarity
	Log      *logging.Logger
	Store    *runstore.Store
}

// Amplify upscales source by the configured factor, resynthesizes each
// tile with the tile-adjusted run parameters, and composites the results
// back onto the canvas. It returns the path of the saved output. Tile
// seeds advance from seed so every tile draws distinct noise.
func (e *Engine) Amplify(ctx context.Context, source image.Image, batchNum, imageIndex int, seed int64) (string, error) {
	s := e.Settings
	log := e.Log.Named("gobig").With(zap.Int("image", imageIndex))

	scale := s.Gobig.Scale
	overlap := s.Gobig.Overlap
	tileW, tileH := s.SideX(), s.SideY()

	var canvas *image.RGBA
	if s.Gobig.InitScaled {
		// The source is already at target size; render tiles at what the
		// pre-scaled resolution would have been.
		canvas = imaging.ToRGBA(source)
		tileW = tileW / scale / 64 * 64
		tileH = tileH / scale / 64 * 64
		if tileW < 64 || tileH < 64 {
			return "", core.ErrInvalidSetting("gobig.scale", "scaled init leaves tiles smaller than 64px")
		}
	} else {
		canvas = imaging.Resize(source, tileW*scale, tileH*scale)
	}
	if overlap >= tileW || overlap >= tileH {
		return "", core.ErrInvalidSetting("gobig.overlap", "must be smaller than the tile size")
	}
	targetW := canvas.Bounds().Dx()
	targetH := canvas.Bounds().Dy()

	coords := Coords(targetW, targetH, tileW, tileH, overlap)
	if want := SliceCount(scale, s.Gobig.Slices); want != len(coords) {
		log.Debug("tile count from grid geometry differs from estimate",
			zap.Int("estimate", want), zap.Int("actual", len(coords)))
	}
	log.Info("amplifying",
		zap.Int("scale", scale),
		zap.Int("tiles", len(coords)),
		zap.Int("tile_width", tileW),
		zap.Int("tile_height", tileH))

	rmask, err := loadCanvasImage(s.RenderMask, targetW, targetH, true)
	if err != nil {
		return "", core.ErrMissingMask(s.RenderMask, err)
	}
	imask, err := loadCanvasImage(s.InitMasked, targetW, targetH, false)
	if err != nil {
		return "", core.ErrMissingInitImage(s.InitMasked, err)
	}

	workDir := filepath.Join(s.OutputDir, "gobig")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", core.ErrSaveFailed(workDir, err)
	}

	// All tile inputs are cropped before any rendering so later tiles
	// never see composited output from earlier ones.
	type tileInput struct {
		origin     image.Point
		init       *tensor.Tensor
		mask       *tensor.Tensor
		constraint *tensor.Tensor
	}
	inputs := make([]tileInput, len(coords))
	for i, pt := range coords {
		rect := image.Rect(pt.X, pt.Y, pt.X+tileW, pt.Y+tileH)
		crop := imaging.Crop(canvas, rect)
		if err := imaging.SavePNG(filepath.Join(workDir, fmt.Sprintf("slice%02d.png", i)), crop, nil); err != nil {
			return "", core.ErrSaveFailed(workDir, err)
		}
		in := tileInput{origin: pt, init: tensor.FromImage(crop)}
		if rmask != nil {
			in.mask = maskTensor(imaging.Crop(rmask, rect))
		}
		if imask != nil {
			in.constraint = tensor.FromImage(imaging.Crop(imask, rect))
		}
		inputs[i] = in
	}

	skip := int(float64(s.Steps) * s.Gobig.SkipRatio)
	tiles := make([]*image.RGBA, len(inputs))
	tileSeed := seed
	for i, in := range inputs {
		tileSeed++
		run := &diffuse.Run{
			Settings:           s,
			Plan:               e.Plan,
			Guides:             e.Guides,
			Percep:             e.Percep,
			Log:                e.Log,
			Store:              e.Store,
			Seed:               tileSeed,
			BatchNum:           batchNum,
			ImageIndex:         imageIndex,
			TileIndex:          i,
			Width:              tileW,
			Height:             tileH,
			SkipOverride:       skip,
			InitOverride:       in.init,
			MaskOverride:       in.mask,
			ConstraintOverride: in.constraint,
			DisableSymmetry:    true,
			DisablePerlin:      true,
			DisableCorrection:  true,
		}
		result, err := run.Execute(ctx)
		if err != nil {
			return "", err
		}
		img, err := result.Image.ToImage()
		if err != nil {
			return "", core.ErrSaveFailed(result.Path, err)
		}
		tiles[i] = img
		log.Info("tile finished", zap.Int("tile", i), zap.String("path", result.Path))
	}

	feather := Feather(tileW, tileH, overlap)
	for i, in := range inputs {
		Composite(canvas, tiles[i], feather, in.origin)
	}

	path := filepath.Join(s.OutputDir, fmt.Sprintf("%s_go_big_%d_%d.png", s.BatchName, batchNum, imageIndex))
	if err := imaging.SavePNG(path, canvas, nil); err != nil {
		return "", core.ErrSaveFailed(path, err)
	}
	log.Info("amplified image saved", zap.String("path", path))
	return path, nil
}

// loadCanvasImage reads an optional image and resizes it to canvas size,
// with nearest-neighbor resampling for masks so their edges stay hard.
func loadCanvasImage(path string, w, h int, nearest bool) (*image.RGBA, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if nearest {
		return imaging.ResizeNearest(img, w, h), nil
	}
	return imaging.Resize(img, w, h), nil
}

// maskTensor converts a mask crop to per-pixel weights in [0, 1].
func maskTensor(img *image.RGBA) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := tensor.New(3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := imaging.Luminance(img.At(b.Min.X+x, b.Min.Y+y)) / 255
			for c := 0; c < 3; c++ {
				mask.Set(c, y, x, v)
			}
		}
	}
	return mask
}
