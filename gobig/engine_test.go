package gobig

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"

	"progdiff/core"
	"progdiff/embed"
	"progdiff/guidance"
	"progdiff/logging"
	"progdiff/percep"
)

func fill(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCompositeDeterministic(t *testing.T) {
	tile := fill(64, 64, color.RGBA{R: 200, G: 40, B: 120, A: 255})
	mask := Feather(64, 64, 16)

	render := func() []byte {
		canvas := fill(128, 128, color.RGBA{R: 10, G: 10, B: 10, A: 255})
		for _, p := range []image.Point{{X: 0, Y: 0}, {X: 48, Y: 48}, {X: 32, Y: 32}} {
			Composite(canvas, tile, mask, p)
		}
		return append([]byte(nil), canvas.Pix...)
	}

	if !bytes.Equal(render(), render()) {
		t.Fatal("identical composites produced different bytes")
	}
}

func TestCompositeLaterTileOnTop(t *testing.T) {
	canvas := fill(128, 128, color.RGBA{A: 255})
	red := fill(64, 64, color.RGBA{R: 255, A: 255})
	green := fill(64, 64, color.RGBA{G: 255, A: 255})
	mask := Feather(64, 64, 16)

	Composite(canvas, red, mask, image.Pt(0, 0))
	Composite(canvas, green, mask, image.Pt(0, 0))

	center := canvas.RGBAAt(32, 32)
	if center.G <= center.R {
		t.Errorf("later tile not dominant at center: R=%d G=%d", center.R, center.G)
	}
}

func testEngine(t *testing.T) (*Engine, *core.Settings) {
	t.Helper()
	s := core.DefaultSettings()
	s.Width = 64
	s.Height = 64
	s.Steps = 20
	s.TextPrompts = core.PromptSet{0: {"weathered stone wall"}}
	s.OutputDir = t.TempDir()
	s.Correction.Enabled = false
	s.Gobig.Enabled = true
	s.Gobig.Overlap = 16
	s.ApplyAutoSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	plan, err := s.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	provider := embed.NewLinear("test", 16, 24, 7)
	targets := &embed.Targets{}
	vec, err := provider.EmbedText(context.Background(), s.TextPrompts.Initial()[0])
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	targets.Add(vec, 1)
	if err := targets.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	return &Engine{
		Settings: s,
		Plan:     plan,
		Guides:   []*guidance.Guide{{Provider: provider, Targets: targets}},
		Percep:   percep.NewMultiscale(),
		Log:      logging.NewNop(),
	}, s
}

func TestAmplify(t *testing.T) {
	engine, _ := testEngine(t)
	source := fill(64, 64, color.RGBA{R: 90, G: 110, B: 130, A: 255})

	path, err := engine.Amplify(context.Background(), source, 0, 0, 42)
	if err != nil {
		t.Fatalf("Amplify: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening output: %v", err)
	}
	defer f.Close()
	out, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	b := out.Bounds()
	if b.Dx() != 128 || b.Dy() != 128 {
		t.Errorf("output is %dx%d, want 128x128", b.Dx(), b.Dy())
	}
}

func TestAmplifyRejectsOversizedOverlap(t *testing.T) {
	engine, s := testEngine(t)
	s.Gobig.Overlap = 64

	_, err := engine.Amplify(context.Background(), fill(64, 64, color.RGBA{A: 255}), 0, 0, 42)
	if err == nil {
		t.Fatal("expected overlap rejection")
	}
	if !core.IsConfigurationError(err) {
		t.Errorf("overlap error not a configuration error: %v", err)
	}
}
