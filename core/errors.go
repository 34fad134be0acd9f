package core

import (
	"errors"
	"fmt"
)

// RunError is the error type shared by the run pipeline. Code identifies
// the failure class for programmatic handling, Message describes it, and
// Action tells the operator how to fix it when a fix exists.
type RunError struct {
	Code    string
	Message string
	Action  string
	Err     error
}

func (e *RunError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Error codes, grouped by failure class.
const (
	// Configuration errors abort before any heavy work starts.
	ErrCodeBadSchedule     = "BAD_SCHEDULE"
	ErrCodeZeroWeights     = "ZERO_PROMPT_WEIGHTS"
	ErrCodeNoPrompts       = "NO_PROMPTS"
	ErrCodeSkipExceedsRun  = "SKIP_EXCEEDS_STEPS"
	ErrCodeBadDimensions   = "BAD_DIMENSIONS"
	ErrCodeInvalidSetting  = "INVALID_SETTING"
	ErrCodeMissingSetting  = "MISSING_SETTING"
	ErrCodeSettingsMissing = "SETTINGS_FILE_MISSING"

	// Numeric instability is recovered locally and logged, never fatal.
	ErrCodeNonFiniteGradient = "NON_FINITE_GRADIENT"

	// Resource errors are fatal for the current image only.
	ErrCodeMissingInitImage = "MISSING_INIT_IMAGE"
	ErrCodeMissingMask      = "MISSING_MASK"
	ErrCodeSaveFailed       = "SAVE_FAILED"
	ErrCodeStoreFailed      = "STORE_FAILED"

	// Interruption is controlled termination, not an application failure.
	ErrCodeInterrupted = "INTERRUPTED"
	ErrCodeEarlyExit   = "EARLY_EXIT"
)

var configCodes = map[string]bool{
	ErrCodeBadSchedule:     true,
	ErrCodeZeroWeights:     true,
	ErrCodeNoPrompts:       true,
	ErrCodeSkipExceedsRun:  true,
	ErrCodeBadDimensions:   true,
	ErrCodeInvalidSetting:  true,
	ErrCodeMissingSetting:  true,
	ErrCodeSettingsMissing: true,
}

var resourceCodes = map[string]bool{
	ErrCodeMissingInitImage: true,
	ErrCodeMissingMask:      true,
	ErrCodeSaveFailed:       true,
	ErrCodeStoreFailed:      true,
}

// ErrBadSchedule reports an unparseable or malformed schedule value.
func ErrBadSchedule(name string, err error) *RunError {
	return &RunError{
		Code:    ErrCodeBadSchedule,
		Message: fmt.Sprintf("Invalid schedule for %s: %v", name, err),
		Action:  "Use a scalar, a [start, end] pair, or a \"[value]*count+...\" string covering all 1000 steps",
		Err:     err,
	}
}

// ErrZeroWeights reports a prompt weight vector that sums to nothing.
func ErrZeroWeights(sum float64) *RunError {
	return &RunError{
		Code:    ErrCodeZeroWeights,
		Message: fmt.Sprintf("Prompt weights sum to %g, which is numerically negligible", sum),
		Action:  "Adjust the :weight suffixes so the weights do not cancel out",
	}
}

// ErrNoPrompts reports a run with nothing to guide toward.
func ErrNoPrompts() *RunError {
	return &RunError{
		Code:    ErrCodeNoPrompts,
		Message: "No usable prompts configured",
		Action:  "Provide at least one text or image prompt",
	}
}

// ErrSkipExceedsRun reports skip_steps at or beyond the sampled step count.
func ErrSkipExceedsRun(skip, steps int) *RunError {
	return &RunError{
		Code:    ErrCodeSkipExceedsRun,
		Message: fmt.Sprintf("skip_steps %d must be below the %d sampled steps", skip, steps),
		Action:  "Lower skip_steps or raise steps",
	}
}

// ErrBadDimensions reports unusable output dimensions.
func ErrBadDimensions(w, h int) *RunError {
	return &RunError{
		Code:    ErrCodeBadDimensions,
		Message: fmt.Sprintf("Output dimensions %dx%d are not usable", w, h),
		Action:  "Width and height must be positive; they are rounded down to multiples of 64",
	}
}

// ErrInvalidSetting reports a setting with a value outside its contract.
func ErrInvalidSetting(name, reason string) *RunError {
	return &RunError{
		Code:    ErrCodeInvalidSetting,
		Message: fmt.Sprintf("Invalid setting %s: %s", name, reason),
		Action:  fmt.Sprintf("Fix %s in the settings file", name),
	}
}

// ErrMissingSetting reports a required setting with no value.
func ErrMissingSetting(name string) *RunError {
	return &RunError{
		Code:    ErrCodeMissingSetting,
		Message: fmt.Sprintf("Missing required setting: %s", name),
		Action:  fmt.Sprintf("Set %s in the settings file or environment", name),
	}
}

// ErrSettingsMissing reports an absent settings file.
func ErrSettingsMissing(path string) *RunError {
	return &RunError{
		Code:    ErrCodeSettingsMissing,
		Message: fmt.Sprintf("Settings file not found: %s", path),
		Action:  "Copy settings.example.yaml to the expected path and fill it in",
	}
}

// ErrNonFiniteGradient reports a guidance gradient containing NaN or Inf.
// The caller substitutes a zero gradient for the step and continues.
func ErrNonFiniteGradient(step int) *RunError {
	return &RunError{
		Code:    ErrCodeNonFiniteGradient,
		Message: fmt.Sprintf("Guidance gradient at step %d contains non-finite values", step),
	}
}

// ErrMissingInitImage reports an unreadable starting image.
func ErrMissingInitImage(path string, err error) *RunError {
	return &RunError{
		Code:    ErrCodeMissingInitImage,
		Message: fmt.Sprintf("Cannot open init image %s: %v", path, err),
		Action:  "Check init_image points at a readable image file",
		Err:     err,
	}
}

// ErrMissingMask reports an unreadable render mask.
func ErrMissingMask(path string, err error) *RunError {
	return &RunError{
		Code:    ErrCodeMissingMask,
		Message: fmt.Sprintf("Cannot open mask image %s: %v", path, err),
		Action:  "Check the mask path points at a readable image file",
		Err:     err,
	}
}

// ErrSaveFailed reports a failed artifact write.
func ErrSaveFailed(path string, err error) *RunError {
	return &RunError{
		Code:    ErrCodeSaveFailed,
		Message: fmt.Sprintf("Cannot write %s: %v", path, err),
		Action:  "Check the output directory exists and is writable",
		Err:     err,
	}
}

// ErrStoreFailed reports a failed run-ledger write.
func ErrStoreFailed(err error) *RunError {
	return &RunError{
		Code:    ErrCodeStoreFailed,
		Message: fmt.Sprintf("Cannot record run in the ledger: %v", err),
		Err:     err,
	}
}

// ErrInterrupted reports manual cancellation at a step boundary.
func ErrInterrupted() *RunError {
	return &RunError{
		Code:    ErrCodeInterrupted,
		Message: "Run interrupted",
	}
}

// ErrEarlyExit reports the intentional stop used when generating a
// partial init image.
func ErrEarlyExit(step int) *RunError {
	return &RunError{
		Code:    ErrCodeEarlyExit,
		Message: fmt.Sprintf("Run stopped intentionally at step %d", step),
	}
}

// AsRunError returns err as a *RunError when it is one.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsConfigurationError reports whether err is a fatal configuration error.
func IsConfigurationError(err error) bool {
	re, ok := AsRunError(err)
	return ok && configCodes[re.Code]
}

// IsResourceError reports whether err is fatal for the current image only.
func IsResourceError(err error) bool {
	re, ok := AsRunError(err)
	return ok && resourceCodes[re.Code]
}

// IsInterruption reports whether err is a controlled termination that
// should not surface as an application failure.
func IsInterruption(err error) bool {
	re, ok := AsRunError(err)
	return ok && (re.Code == ErrCodeInterrupted || re.Code == ErrCodeEarlyExit)
}

// ErrorCode extracts the code from err, or "" for foreign errors.
func ErrorCode(err error) string {
	if re, ok := AsRunError(err); ok {
		return re.Code
	}
	return ""
}
