package diffuse

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"progdiff/core"
	"progdiff/embed"
	"progdiff/guidance"
	"progdiff/logging"
	"progdiff/percep"
	"progdiff/tensor"
)

func testSettings(t *testing.T) *core.Settings {
	t.Helper()
	s := core.DefaultSettings()
	s.Width = 64
	s.Height = 64
	s.Steps = 20
	s.TextPrompts = core.PromptSet{0: {"a quiet harbor at dawn"}}
	s.OutputDir = t.TempDir()
	s.Correction.Enabled = false
	s.ApplyAutoSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return s
}

func testGuides(t *testing.T, s *core.Settings) []*guidance.Guide {
	t.Helper()
	provider := embed.NewLinear("test", 16, 24, 7)
	targets := &embed.Targets{}
	for _, raw := range s.TextPrompts.Initial() {
		p := embed.ParsePrompt(raw)
		vec, err := provider.EmbedText(context.Background(), p.Text)
		if err != nil {
			t.Fatalf("EmbedText: %v", err)
		}
		targets.Add(vec, p.Weight)
	}
	if err := targets.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return []*guidance.Guide{{Provider: provider, Targets: targets}}
}

func newTestRun(t *testing.T, s *core.Settings) *Run {
	t.Helper()
	plan, err := s.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return &Run{
		Settings:  s,
		Plan:      plan,
		Guides:    testGuides(t, s),
		Percep:    percep.NewMultiscale(),
		Log:       logging.NewNop(),
		Seed:      42,
		TileIndex: -1,
	}
}

func TestExecuteProducesImage(t *testing.T) {
	s := testSettings(t)
	run := newTestRun(t, s)

	result, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.State() != StateDone {
		t.Errorf("final state = %v, want DONE", run.State())
	}
	if result.Image.W != 64 || result.Image.H != 64 {
		t.Errorf("result is %dx%d, want 64x64", result.Image.W, result.Image.H)
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("saved image missing: %v", err)
	}
	if !result.Image.IsFinite() {
		t.Error("result contains non-finite values")
	}
}

func TestExecuteDeterministicForSeed(t *testing.T) {
	s := testSettings(t)
	a, err := newTestRun(t, s).Execute(context.Background())
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	b, err := newTestRun(t, s).Execute(context.Background())
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	for i := range a.Image.Data {
		if a.Image.Data[i] != b.Image.Data[i] {
			t.Fatalf("outputs diverge at %d: %v vs %v", i, a.Image.Data[i], b.Image.Data[i])
		}
	}
}

func TestZeroMaskReproducesSource(t *testing.T) {
	s := testSettings(t)
	run := newTestRun(t, s)

	source := tensor.New(3, 64, 64)
	for i := range source.Data {
		source.Data[i] = 0.25
	}
	run.InitOverride = source
	run.MaskOverride = tensor.New(3, 64, 64)

	result, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i := range result.Image.Data {
		if result.Image.Data[i] != source.Data[i] {
			t.Fatalf("masked-out pixel %d changed: %v", i, result.Image.Data[i])
		}
	}
}

func TestZeroMaskReproducesSourceWithSharpening(t *testing.T) {
	s := testSettings(t)
	s.SharpenPreset = "Heavy"
	run := newTestRun(t, s)

	// Stripes give the unsharp filter edges to amplify; the composite
	// must still restore every pixel from the source.
	source := tensor.New(3, 64, 64)
	for i := range source.Data {
		if (i/64)%2 == 0 {
			source.Data[i] = 0.8
		} else {
			source.Data[i] = -0.6
		}
	}
	run.InitOverride = source
	run.MaskOverride = tensor.New(3, 64, 64)

	result, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i := range result.Image.Data {
		if result.Image.Data[i] != source.Data[i] {
			t.Fatalf("masked-out pixel %d changed after sharpening: %v", i, result.Image.Data[i])
		}
	}
}

func TestCheckpointsWritten(t *testing.T) {
	s := testSettings(t)
	s.IntermediateSaves.Count = 2
	run := newTestRun(t, s)

	if _, err := run.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.OutputDir, "partials"))
	if err != nil {
		t.Fatalf("reading partials: %v", err)
	}
	// Cadence (20-0-1)/(2+1)=6 fires at steps 6, 12 and 18.
	if len(entries) != 3 {
		t.Fatalf("got %d partials, want 3", len(entries))
	}
	for _, e := range entries {
		if !strings.Contains(e.Name(), "%") {
			t.Errorf("partial %q not named by percent", e.Name())
		}
	}
}

func TestExplicitCheckpointSteps(t *testing.T) {
	s := testSettings(t)
	s.IntermediateSaves.Steps = []float64{0.5, 15}
	run := newTestRun(t, s)

	if _, err := run.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for _, step := range []string{"-10.png", "-15.png"} {
		path := filepath.Join(s.OutputDir, "partials", run.baseName()+step)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected checkpoint %s: %v", path, err)
		}
	}
}

func TestGenInitExitsEarly(t *testing.T) {
	s := testSettings(t)
	run := newTestRun(t, s)
	run.GenInitPercent = 20

	result, err := run.Execute(context.Background())
	if err == nil {
		t.Fatal("expected early-exit classification")
	}
	if !core.IsInterruption(err) {
		t.Fatalf("early exit not classified as controlled: %v", err)
	}
	if result == nil || !strings.HasSuffix(result.Path, "geninit.png") {
		t.Fatalf("expected geninit artifact, got %+v", result)
	}
	if _, statErr := os.Stat(result.Path); statErr != nil {
		t.Errorf("geninit image missing: %v", statErr)
	}
}

func TestGenInitPercentDrivesExitStep(t *testing.T) {
	s := testSettings(t)
	s.IntermediateSaves = core.SaveSpec{Count: 4}
	run := newTestRun(t, s)
	run.GenInitPercent = 50

	result, err := run.Execute(context.Background())
	if !core.IsInterruption(err) {
		t.Fatalf("early exit not classified as controlled: %v", err)
	}
	if result == nil || !strings.HasSuffix(result.Path, "geninit.png") {
		t.Fatalf("expected geninit artifact, got %+v", result)
	}

	// The geninit save point replaces the configured checkpoint cadence,
	// so the only partial is its own checkpoint at half the steps.
	entries, err := os.ReadDir(filepath.Join(s.OutputDir, "partials"))
	if err != nil {
		t.Fatalf("partials dir: %v", err)
	}
	want := "-50%.png"
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), want) {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("partials = %v, want one checkpoint ending in %q", names, want)
	}
}

func TestGenInitOutOfRangeFallsBack(t *testing.T) {
	s := testSettings(t)
	run := newTestRun(t, s)
	run.GenInitPercent = 250

	result, err := run.Execute(context.Background())
	if !core.IsInterruption(err) {
		t.Fatalf("early exit not classified as controlled: %v", err)
	}
	if result == nil || !strings.HasSuffix(result.Path, "geninit.png") {
		t.Fatalf("expected geninit artifact, got %+v", result)
	}
}

func TestCancelledContextAborts(t *testing.T) {
	s := testSettings(t)
	run := newTestRun(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := run.Execute(ctx)
	if err == nil {
		t.Fatal("expected interruption")
	}
	if !core.IsInterruption(err) {
		t.Errorf("cancellation not classified as interruption: %v", err)
	}
	if run.State() != StateAborted {
		t.Errorf("state = %v, want ABORTED", run.State())
	}
}

func TestBadDimensionsRejected(t *testing.T) {
	s := testSettings(t)
	run := newTestRun(t, s)
	run.Width = 100

	_, err := run.Execute(context.Background())
	if err == nil {
		t.Fatal("expected dimension error")
	}
	if !core.IsConfigurationError(err) {
		t.Errorf("dimension error not a configuration error: %v", err)
	}
}

func TestApplyCorrection(t *testing.T) {
	s := testSettings(t)
	s.Correction.Enabled = true
	run := newTestRun(t, s)
	log := logging.NewNop()

	bright := tensor.New(3, 16, 16)
	for i := range bright.Data {
		bright.Data[i] = 0.9
	}

	corrected, applied := run.applyCorrection(bright, 10, 0, 100, -1, log)
	if !applied {
		t.Fatal("expected high-brightness correction to fire")
	}
	if corrected.Mean() >= bright.Mean() {
		t.Errorf("correction did not darken: %v >= %v", corrected.Mean(), bright.Mean())
	}

	if _, again := run.applyCorrection(bright, 10, 0, 100, 10, log); again {
		t.Error("correction fired twice at the same step")
	}
	if _, late := run.applyCorrection(bright, 40, 0, 100, -1, log); late {
		t.Error("correction fired past 30% of the run")
	}
	if _, off := run.applyCorrection(bright, 13, 0, 100, -1, log); off {
		t.Error("correction fired off its interval")
	}
}

func TestCorrectionRestartCompletes(t *testing.T) {
	s := testSettings(t)
	s.Steps = 40
	s.Correction.Enabled = true
	s.Correction.Interval = 5
	run := newTestRun(t, s)

	result, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute with correction: %v", err)
	}
	if run.State() != StateDone {
		t.Errorf("state = %v, want DONE", run.State())
	}
	if _, statErr := os.Stat(result.Path); statErr != nil {
		t.Errorf("image missing after correction restarts: %v", statErr)
	}
}

func TestRunStateStrings(t *testing.T) {
	cases := map[RunState]string{
		StateInitializing:  "INITIALIZING",
		StateStepping:      "STEPPING",
		StateCheckpointing: "CHECKPOINTING",
		StateDone:          "DONE",
		StateAborted:       "ABORTED",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
