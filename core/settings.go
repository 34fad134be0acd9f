package core

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"progdiff/schedule"
)

// ScheduleSpec is a settings value that resolves to a per-step schedule.
// In YAML it may be a scalar, a [start, end] pair, the string "auto", or a
// "[value]*count+..." schedule string covering all canonical steps.
type ScheduleSpec struct {
	Auto  bool
	Text  string
	Start *float64
	End   *float64
}

// IsSet reports whether any value was provided.
func (s *ScheduleSpec) IsSet() bool {
	return s.Auto || s.Text != "" || s.Start != nil
}

// SetScalar replaces the field with a constant value. Used when an "auto"
// spec has been computed.
func (s *ScheduleSpec) SetScalar(v float64) {
	*s = ScheduleSpec{Start: &v}
}

func (s *ScheduleSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!str" {
			text := strings.TrimSpace(node.Value)
			if strings.EqualFold(text, "auto") {
				s.Auto = true
				return nil
			}
			s.Text = text
			return nil
		}
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		s.Start = &v
		return nil
	case yaml.SequenceNode:
		var pair []float64
		if err := node.Decode(&pair); err != nil {
			return err
		}
		switch len(pair) {
		case 1:
			s.Start = &pair[0]
		case 2:
			s.Start = &pair[0]
			s.End = &pair[1]
		default:
			return fmt.Errorf("schedule pair must have 1 or 2 values, got %d", len(pair))
		}
		return nil
	default:
		return fmt.Errorf("unsupported YAML node for schedule value")
	}
}

// Resolve expands the field to a canonical-length schedule. An "auto" value
// must be substituted with a concrete value first.
func (s *ScheduleSpec) Resolve(kind schedule.Kind, name string) (*schedule.Schedule, error) {
	switch {
	case s.Auto:
		return nil, ErrInvalidSetting(name, "auto value was never computed")
	case s.Text != "":
		sch, err := schedule.Parse(s.Text)
		if err != nil {
			return nil, ErrBadSchedule(name, err)
		}
		return sch, nil
	case s.Start != nil && s.End != nil:
		if kind == schedule.KindInt {
			return schedule.ExpandIntBetween(int(*s.Start), int(*s.End)), nil
		}
		return schedule.ExpandBetween(*s.Start, *s.End), nil
	case s.Start != nil:
		if kind == schedule.KindInt {
			return schedule.ExpandInt(int(*s.Start)), nil
		}
		return schedule.Expand(*s.Start), nil
	default:
		return nil, ErrMissingSetting(name)
	}
}

// Summary renders the configured value for provenance metadata.
func (s *ScheduleSpec) Summary() string {
	switch {
	case s.Auto:
		return "auto"
	case s.Text != "":
		return s.Text
	case s.Start != nil && s.End != nil:
		return fmt.Sprintf("[%g, %g]", *s.Start, *s.End)
	case s.Start != nil:
		return fmt.Sprintf("%g", *s.Start)
	default:
		return ""
	}
}

// SaveSpec selects mid-run checkpoints. In YAML it is either a count
// (checkpoints spread evenly across the run) or a list of steps, where a
// fractional entry means that fraction of the total step count.
type SaveSpec struct {
	Count int
	Steps []float64
}

func (s *SaveSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&s.Steps)
	}
	return node.Decode(&s.Count)
}

// IsSet reports whether any checkpoints were requested.
func (s *SaveSpec) IsSet() bool {
	return s.Count > 0 || len(s.Steps) > 0
}

// CorrectionSettings controls the brightness/contrast self-correction that
// can interrupt and restart sampling during the early part of a run.
type CorrectionSettings struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"`

	HighBrightness Frontier `yaml:"high_brightness"`
	LowBrightness  Frontier `yaml:"low_brightness"`
	HighContrast   Frontier `yaml:"high_contrast"`
	LowContrast    Frontier `yaml:"low_contrast"`
}

// Frontier is one threshold of the correction: measured value past
// Threshold after StartStep applies the multiplicative Amount.
type Frontier struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
	StartStep int     `yaml:"start_step"`
	Amount    float64 `yaml:"amount"`
}

// GobigSettings controls tiled resolution amplification.
type GobigSettings struct {
	Enabled    bool    `yaml:"enabled"`
	Scale      int     `yaml:"scale"`
	Overlap    int     `yaml:"overlap"`
	Slices     int     `yaml:"slices"`
	SkipRatio  float64 `yaml:"skip_ratio"`
	InitImage  string  `yaml:"init_image"`
	InitScaled bool    `yaml:"init_scaled"`
}

// Settings holds every knob of a run. Zero values mean "feature off"
// unless a default below says otherwise.
type Settings struct {
	BatchName string `yaml:"batch_name"`
	NBatches  int    `yaml:"n_batches"`
	OutputDir string `yaml:"output_dir"`

	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	TextPrompts  PromptSet `yaml:"text_prompts"`
	ImagePrompts []string  `yaml:"image_prompts"`

	Steps     int   `yaml:"steps"`
	SkipSteps int   `yaml:"skip_steps"`
	StopEarly int   `yaml:"stop_early"`
	Seed      int64 `yaml:"seed"`

	ClipGuidanceScale ScheduleSpec `yaml:"clip_guidance_scale"`
	TVScale           float64      `yaml:"tv_scale"`
	RangeScale        float64      `yaml:"range_scale"`
	SatScale          float64      `yaml:"sat_scale"`
	InitScale         float64      `yaml:"init_scale"`

	CutnBatches ScheduleSpec `yaml:"cutn_batches"`
	CutOverview ScheduleSpec `yaml:"cut_overview"`
	CutInnercut ScheduleSpec `yaml:"cut_innercut"`
	CutICPow    ScheduleSpec `yaml:"cut_ic_pow"`
	CutICGrayP  ScheduleSpec `yaml:"cut_icgray_p"`

	Eta       ScheduleSpec `yaml:"eta"`
	ClampGrad bool         `yaml:"clamp_grad"`
	ClampMax  ScheduleSpec `yaml:"clamp_max"`

	SymmetryLossV bool         `yaml:"symmetry_loss_v"`
	SymmetryLossH bool         `yaml:"symmetry_loss_h"`
	SymmLossScale ScheduleSpec `yaml:"symm_loss_scale"`
	SymmSwitch    int          `yaml:"symm_switch"`

	SmoothSchedules bool `yaml:"smooth_schedules"`

	InitImage  string  `yaml:"init_image"`
	InitMasked string  `yaml:"init_masked"`
	RenderMask string  `yaml:"render_mask"`
	PerlinInit bool    `yaml:"perlin_init"`
	PerlinMode string  `yaml:"perlin_mode"`
	CoolDown   float64 `yaml:"cool_down"`

	IntermediateSaves        SaveSpec `yaml:"intermediate_saves"`
	IntermediatesInSubfolder bool     `yaml:"intermediates_in_subfolder"`

	SharpenPreset string `yaml:"sharpen_preset"`
	KeepUnsharp   bool   `yaml:"keep_unsharp"`
	AddMetadata   bool   `yaml:"add_metadata"`
	Upscaler      string `yaml:"upscaler"`

	Correction CorrectionSettings `yaml:"correction"`
	Gobig      GobigSettings      `yaml:"gobig"`

	LedgerPath string `yaml:"ledger_path"`
	LogDir     string `yaml:"log_dir"`
	LogLevel   string `yaml:"log_level"`
}

// DefaultSettings returns a Settings with every knob at its baseline.
func DefaultSettings() *Settings {
	s := &Settings{
		BatchName: "progdiff",
		NBatches:  1,
		OutputDir: "out",
		Width:     832,
		Height:    512,
		Steps:     250,
		StopEarly: 0,

		TVScale:    0,
		RangeScale: 150,
		SatScale:   0,
		InitScale:  1000,

		CutICPow:   mustScalar(1),
		SymmSwitch: 45,
		ClampGrad:  true,

		SmoothSchedules: false,
		PerlinMode:      "mixed",

		IntermediatesInSubfolder: true,
		SharpenPreset:            "Off",
		AddMetadata:              true,

		Correction: CorrectionSettings{
			Enabled:  true,
			Interval: 10,
			HighBrightness: Frontier{
				Enabled: true, Threshold: 180, StartStep: 0, Amount: 0.97,
			},
			LowBrightness: Frontier{
				Enabled: true, Threshold: 34, StartStep: 0, Amount: 1.05,
			},
			HighContrast: Frontier{
				Enabled: true, Threshold: 80, StartStep: 0, Amount: 0.97,
			},
			LowContrast: Frontier{
				Enabled: true, Threshold: 20, StartStep: 0, Amount: 1.05,
			},
		},
		Gobig: GobigSettings{
			Scale:     2,
			Overlap:   64,
			SkipRatio: 0.6,
		},

		LedgerPath: "runs.db",
		LogDir:     "logs",
		LogLevel:   "info",
	}
	s.ClipGuidanceScale = ScheduleSpec{Auto: true}
	s.CutnBatches = mustScalar(4)
	s.CutOverview = ScheduleSpec{Text: "[12]*400+[4]*600"}
	s.CutInnercut = ScheduleSpec{Text: "[4]*400+[12]*600"}
	s.CutICGrayP = ScheduleSpec{Text: "[0.2]*400+[0]*600"}
	s.Eta = ScheduleSpec{Auto: true}
	s.ClampMax = ScheduleSpec{Auto: true}
	s.SymmLossScale = mustScalar(2400)
	return s
}

func mustScalar(v float64) ScheduleSpec {
	return ScheduleSpec{Start: &v}
}

// LoadSettings reads YAML settings files over the defaults, later files
// overriding earlier ones, then applies environment overrides.
func LoadSettings(paths ...string) (*Settings, error) {
	s := DefaultSettings()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrSettingsMissing(path)
			}
			return nil, fmt.Errorf("reading settings: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, ErrInvalidSetting(path, err.Error())
		}
	}
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyEnv() {
	s.OutputDir = GetEnvOrDefault("PROGDIFF_OUTPUT_DIR", s.OutputDir)
	s.LedgerPath = GetEnvOrDefault("PROGDIFF_LEDGER", s.LedgerPath)
	s.LogDir = GetEnvOrDefault("PROGDIFF_LOG_DIR", s.LogDir)
	s.LogLevel = GetEnvOrDefault("PROGDIFF_LOG_LEVEL", s.LogLevel)
	s.Seed = ParseInt64Env("PROGDIFF_SEED", s.Seed)
	s.Steps = ParseIntEnv("PROGDIFF_STEPS", s.Steps)
	s.CoolDown = ParseFloat64Env("PROGDIFF_COOL_DOWN", s.CoolDown)
	s.Gobig.Enabled = ParseBoolEnv("PROGDIFF_GOBIG", s.Gobig.Enabled)
}

// Validate rejects settings that would fail once the run is underway.
func (s *Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return ErrBadDimensions(s.Width, s.Height)
	}
	if s.Steps <= 0 {
		return ErrInvalidSetting("steps", "must be positive")
	}
	if s.SkipSteps < 0 {
		return ErrInvalidSetting("skip_steps", "must not be negative")
	}
	if s.SkipSteps >= s.Steps {
		return ErrSkipExceedsRun(s.SkipSteps, s.Steps)
	}
	if s.StopEarly < 0 || s.StopEarly >= s.Steps {
		return ErrInvalidSetting("stop_early", "must be within [0, steps)")
	}
	if s.NBatches < 1 {
		return ErrInvalidSetting("n_batches", "must be at least 1")
	}
	if s.TextPrompts.Empty() && len(s.ImagePrompts) == 0 {
		return ErrNoPrompts()
	}
	switch s.PerlinMode {
	case "color", "gray", "mixed":
	default:
		return ErrInvalidSetting("perlin_mode", fmt.Sprintf("unknown mode %q", s.PerlinMode))
	}
	if s.Gobig.Enabled {
		if s.Gobig.Scale < 2 {
			return ErrInvalidSetting("gobig.scale", "must be at least 2")
		}
		if s.Gobig.Overlap <= 0 {
			return ErrInvalidSetting("gobig.overlap", "must be positive")
		}
		if s.Gobig.SkipRatio <= 0 || s.Gobig.SkipRatio >= 1 {
			return ErrInvalidSetting("gobig.skip_ratio", "must be in (0, 1)")
		}
	}
	return nil
}

// SideX returns the render width rounded down to a multiple of 64.
func (s *Settings) SideX() int {
	return s.Width / 64 * 64
}

// SideY returns the render height rounded down to a multiple of 64.
func (s *Settings) SideY() int {
	return s.Height / 64 * 64
}

// ApplyAutoSettings computes the values left as "auto", in the same way a
// hand-tuned settings file would pick them.
func (s *Settings) ApplyAutoSettings() {
	if s.Eta.Auto {
		s.Eta.SetScalar(autoEta(s.Steps))
	}
	if s.ClampMax.Auto {
		s.ClampMax.SetScalar(autoClampMax(s.Steps))
	}
	if s.ClipGuidanceScale.Auto {
		s.ClipGuidanceScale.SetScalar(autoGuidanceScale(s.SideX() * s.SideY()))
	}
}

// autoEta ramps noise reinjection linearly with the step count: short runs
// get none, runs past 315 steps get the full amount.
func autoEta(steps int) float64 {
	const (
		minSteps = 50
		maxSteps = 315
	)
	switch {
	case steps > maxSteps:
		return 1.0
	case steps < minSteps:
		return 0.0
	default:
		eta := float64(steps-minSteps) / float64(maxSteps-minSteps)
		return math.Round(eta*100) / 100
	}
}

// autoClampMax picks a gradient ceiling from the step count. Fewer steps
// mean each one moves further, so the ceiling must be lower.
func autoClampMax(steps int) float64 {
	switch {
	case steps <= 35:
		return 0.001
	case steps <= 75:
		return 0.0125
	case steps <= 150:
		return 0.02
	case steps <= 225:
		return 0.035
	case steps <= 300:
		return 0.05
	case steps <= 500:
		return 0.075
	default:
		return 0.1
	}
}

// autoGuidanceScale scales prompt guidance with total resolution.
func autoGuidanceScale(pixels int) float64 {
	const (
		minRes = 250000
		maxRes = 2000000
		minCGS = 2500
		maxCGS = 50000
	)
	switch {
	case pixels > maxRes:
		return maxCGS
	case pixels < minRes:
		return minCGS
	default:
		cgs := float64(pixels-minRes)*(maxCGS-minCGS)/float64(maxRes-minRes) + minCGS
		return math.Round(cgs)
	}
}

// Plan holds every schedule resolved to canonical length, plus the
// checkpoint cadence, ready for the stepping loop.
type Plan struct {
	ClipGuidanceScale *schedule.Schedule
	CutnBatches       *schedule.Schedule
	CutOverview       *schedule.Schedule
	CutInnercut       *schedule.Schedule
	CutICPow          *schedule.Schedule
	CutICGrayP        *schedule.Schedule
	ClampMax          *schedule.Schedule
	SymmLossScale     *schedule.Schedule
	Eta               float64

	// StepsPerCheckpoint is the even cadence; zero when CheckpointSteps
	// lists explicit steps instead.
	StepsPerCheckpoint int
	CheckpointSteps    []int
}

// Plan resolves all schedule-bearing settings. ApplyAutoSettings must have
// run first.
func (s *Settings) Plan() (*Plan, error) {
	p := &Plan{}
	var err error
	if p.ClipGuidanceScale, err = s.ClipGuidanceScale.Resolve(schedule.KindFloat, "clip_guidance_scale"); err != nil {
		return nil, err
	}
	if p.CutnBatches, err = s.CutnBatches.Resolve(schedule.KindInt, "cutn_batches"); err != nil {
		return nil, err
	}
	if p.CutOverview, err = s.CutOverview.Resolve(schedule.KindInt, "cut_overview"); err != nil {
		return nil, err
	}
	if p.CutInnercut, err = s.CutInnercut.Resolve(schedule.KindInt, "cut_innercut"); err != nil {
		return nil, err
	}
	if p.CutICPow, err = s.CutICPow.Resolve(schedule.KindFloat, "cut_ic_pow"); err != nil {
		return nil, err
	}
	if p.CutICGrayP, err = s.CutICGrayP.Resolve(schedule.KindFloat, "cut_icgray_p"); err != nil {
		return nil, err
	}
	if p.ClampMax, err = s.ClampMax.Resolve(schedule.KindFloat, "clamp_max"); err != nil {
		return nil, err
	}
	if p.SymmLossScale, err = s.SymmLossScale.Resolve(schedule.KindFloat, "symm_loss_scale"); err != nil {
		return nil, err
	}

	etaSchedule, err := s.Eta.Resolve(schedule.KindFloat, "eta")
	if err != nil {
		return nil, err
	}
	p.Eta = etaSchedule.At(0)

	if s.SmoothSchedules {
		p.CutnBatches.Smooth()
		p.CutOverview.Smooth()
		p.CutInnercut.Smooth()
		p.CutICPow.Smooth()
		p.ClipGuidanceScale.Smooth()
		p.ClampMax.Smooth()
		p.SymmLossScale.Smooth()
	}

	switch {
	case len(s.IntermediateSaves.Steps) > 0:
		for _, step := range s.IntermediateSaves.Steps {
			if step > 0 && step < 1 {
				p.CheckpointSteps = append(p.CheckpointSteps, int(float64(s.Steps)*step))
			} else {
				p.CheckpointSteps = append(p.CheckpointSteps, int(step))
			}
		}
	case s.IntermediateSaves.Count > 0:
		p.StepsPerCheckpoint = (s.Steps - s.SkipSteps - 1) / (s.IntermediateSaves.Count + 1)
		if p.StepsPerCheckpoint < 1 {
			p.StepsPerCheckpoint = 1
		}
	}
	return p, nil
}
