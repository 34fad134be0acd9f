package core

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"progdiff/schedule"
)

func TestScheduleSpecYAMLForms(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(*testing.T, ScheduleSpec)
		wantErr bool
	}{
		{
			name: "scalar",
			yaml: "v: 5000",
			check: func(t *testing.T, s ScheduleSpec) {
				if s.Start == nil || *s.Start != 5000 || s.End != nil {
					t.Errorf("scalar parsed as %+v", s)
				}
			},
		},
		{
			name: "pair",
			yaml: "v: [4, 12]",
			check: func(t *testing.T, s ScheduleSpec) {
				if s.Start == nil || *s.Start != 4 || s.End == nil || *s.End != 12 {
					t.Errorf("pair parsed as %+v", s)
				}
			},
		},
		{
			name: "auto",
			yaml: "v: auto",
			check: func(t *testing.T, s ScheduleSpec) {
				if !s.Auto {
					t.Errorf("auto parsed as %+v", s)
				}
			},
		},
		{
			name: "schedule string",
			yaml: `v: "[12]*400+[4]*600"`,
			check: func(t *testing.T, s ScheduleSpec) {
				if s.Text != "[12]*400+[4]*600" {
					t.Errorf("text parsed as %+v", s)
				}
			},
		},
		{name: "too many", yaml: "v: [1, 2, 3]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc struct {
				V ScheduleSpec `yaml:"v"`
			}
			err := yaml.Unmarshal([]byte(tt.yaml), &doc)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, doc.V)
		})
	}
}

func TestScheduleSpecResolve(t *testing.T) {
	spec := ScheduleSpec{Text: "[4]*500+[8]*500"}
	sch, err := spec.Resolve(schedule.KindInt, "cutn_batches")
	if err != nil {
		t.Fatal(err)
	}
	if sch.IntAt(0) != 4 || sch.IntAt(999) != 8 {
		t.Errorf("resolved endpoints = %d, %d", sch.IntAt(0), sch.IntAt(999))
	}

	auto := ScheduleSpec{Auto: true}
	if _, err := auto.Resolve(schedule.KindFloat, "eta"); err == nil {
		t.Error("unresolved auto accepted")
	}

	var empty ScheduleSpec
	if _, err := empty.Resolve(schedule.KindFloat, "x"); err == nil {
		t.Error("empty spec accepted")
	}
}

func TestAutoSettings(t *testing.T) {
	s := DefaultSettings()
	s.Steps = 40
	s.Width = 640
	s.Height = 384
	s.ApplyAutoSettings()

	if s.Eta.Start == nil || *s.Eta.Start != 0 {
		t.Errorf("eta for 40 steps = %+v, want 0", s.Eta)
	}
	if s.ClampMax.Start == nil || *s.ClampMax.Start != 0.0125 {
		t.Errorf("clamp_max for 40 steps = %+v, want 0.0125", s.ClampMax)
	}
	// 640*384 pixels is below the floor, so the minimum applies.
	if s.ClipGuidanceScale.Start == nil || *s.ClipGuidanceScale.Start != 2500 {
		t.Errorf("clip_guidance_scale = %+v, want 2500", s.ClipGuidanceScale)
	}

	long := DefaultSettings()
	long.Steps = 400
	long.ApplyAutoSettings()
	if *long.Eta.Start != 1.0 {
		t.Errorf("eta for 400 steps = %v, want 1.0", *long.Eta.Start)
	}
	if *long.ClampMax.Start != 0.075 {
		t.Errorf("clamp_max for 400 steps = %v, want 0.075", *long.ClampMax.Start)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Settings {
		s := DefaultSettings()
		s.TextPrompts = PromptSet{0: {"a castle"}}
		return s
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline settings rejected: %v", err)
	}

	tests := []struct {
		name     string
		mutate   func(*Settings)
		wantCode string
	}{
		{"zero width", func(s *Settings) { s.Width = 0 }, ErrCodeBadDimensions},
		{"skip too high", func(s *Settings) { s.SkipSteps = 250 }, ErrCodeSkipExceedsRun},
		{"no prompts", func(s *Settings) { s.TextPrompts = nil }, ErrCodeNoPrompts},
		{"bad perlin mode", func(s *Settings) { s.PerlinMode = "sepia" }, ErrCodeInvalidSetting},
		{"bad stop early", func(s *Settings) { s.StopEarly = 300 }, ErrCodeInvalidSetting},
		{
			"bad gobig scale",
			func(s *Settings) { s.Gobig.Enabled = true; s.Gobig.Scale = 1 },
			ErrCodeInvalidSetting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if got := ErrorCode(err); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestSideRounding(t *testing.T) {
	s := DefaultSettings()
	s.Width = 1000
	s.Height = 700
	if s.SideX() != 960 {
		t.Errorf("SideX = %d, want 960", s.SideX())
	}
	if s.SideY() != 640 {
		t.Errorf("SideY = %d, want 640", s.SideY())
	}
}

func TestPlanCheckpoints(t *testing.T) {
	s := DefaultSettings()
	s.TextPrompts = PromptSet{0: {"x"}}
	s.Steps = 100
	s.SkipSteps = 10
	s.IntermediateSaves = SaveSpec{Count: 4}
	s.ApplyAutoSettings()

	p, err := s.Plan()
	if err != nil {
		t.Fatal(err)
	}
	// (100 - 10 - 1) / (4 + 1) = 17
	if p.StepsPerCheckpoint != 17 {
		t.Errorf("StepsPerCheckpoint = %d, want 17", p.StepsPerCheckpoint)
	}

	s.IntermediateSaves = SaveSpec{Steps: []float64{0.2, 50}}
	p, err = s.Plan()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.CheckpointSteps) != 2 || p.CheckpointSteps[0] != 20 || p.CheckpointSteps[1] != 50 {
		t.Errorf("CheckpointSteps = %v, want [20 50]", p.CheckpointSteps)
	}
}

func TestPlanResolvesSchedules(t *testing.T) {
	s := DefaultSettings()
	s.TextPrompts = PromptSet{0: {"x"}}
	s.ApplyAutoSettings()

	p, err := s.Plan()
	if err != nil {
		t.Fatal(err)
	}
	if p.CutOverview.IntAt(0) != 12 || p.CutOverview.IntAt(999) != 4 {
		t.Errorf("cut_overview endpoints = %d, %d", p.CutOverview.IntAt(0), p.CutOverview.IntAt(999))
	}
	if p.ClampMax.At(0) <= 0 {
		t.Errorf("clamp_max = %v, want positive", p.ClampMax.At(0))
	}
	if p.Eta < 0 || p.Eta > 1 {
		t.Errorf("eta = %v, want within [0, 1]", p.Eta)
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := `
batch_name: lighthouse
steps: 150
width: 1280
height: 768
text_prompts:
  - "a lighthouse at dusk:2"
  - "fog:0.5"
cut_overview: "[12]*400+[4]*600"
clip_guidance_scale: [5000, 9000]
gobig:
  enabled: true
  scale: 2
  overlap: 64
  skip_ratio: 0.6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.BatchName != "lighthouse" || s.Steps != 150 {
		t.Errorf("loaded %q steps=%d", s.BatchName, s.Steps)
	}
	if got := s.TextPrompts.Initial(); len(got) != 2 {
		t.Errorf("prompts = %v", got)
	}
	if s.ClipGuidanceScale.Start == nil || *s.ClipGuidanceScale.Start != 5000 {
		t.Errorf("clip_guidance_scale = %+v", s.ClipGuidanceScale)
	}
	if !s.Gobig.Enabled {
		t.Error("gobig not enabled")
	}
	// Defaults survive for unset keys.
	if !s.ClampGrad {
		t.Error("clamp_grad default lost")
	}

	if _, err := LoadSettings(filepath.Join(dir, "absent.yaml")); ErrorCode(err) != ErrCodeSettingsMissing {
		t.Errorf("missing file error = %v", err)
	}
}

func TestLoadSettingsLayered(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	override := filepath.Join(dir, "override.yaml")
	if err := os.WriteFile(base, []byte("batch_name: base\nsteps: 150\nwidth: 1280\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(override, []byte("steps: 300\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(base, override)
	if err != nil {
		t.Fatal(err)
	}
	if s.Steps != 300 {
		t.Errorf("steps = %d, want the later file's 300", s.Steps)
	}
	if s.BatchName != "base" || s.Width != 1280 {
		t.Errorf("earlier file's values lost: %q %d", s.BatchName, s.Width)
	}
}
