package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Pipeline for structural and semantic errors.
// knownStages maps stage names to whether they may be skipped; the stage
// registry provides it so this package stays free of stage imports.
// It returns a slice of all validation errors found (empty if valid).
func Validate(p *Pipeline, knownStages map[string]bool) []ValidationError {
	var errs []ValidationError

	if p.MaxFixIterations < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.max_fix_iterations", Message: "must be >= 0"})
	}
	if _, err := time.ParseDuration(p.CallTimeout); err != nil {
		errs = append(errs, ValidationError{
			Field:   "pipeline.call_timeout",
			Message: fmt.Sprintf("invalid duration %q", p.CallTimeout),
		})
	}
	if p.BatchConcurrency < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.batch_concurrency", Message: "must be >= 1"})
	}

	for _, name := range p.Skip {
		skippable, known := knownStages[name]
		if !known {
			errs = append(errs, ValidationError{
				Field:   "pipeline.skip",
				Message: fmt.Sprintf("references unknown stage %q", name),
			})
			continue
		}
		if !skippable {
			errs = append(errs, ValidationError{
				Field:   "pipeline.skip",
				Message: fmt.Sprintf("stage %q cannot be skipped", name),
			})
		}
	}

	for name, o := range p.Stages {
		if _, known := knownStages[name]; !known {
			errs = append(errs, ValidationError{
				Field:   "pipeline.stages",
				Message: fmt.Sprintf("references unknown stage %q", name),
			})
		}
		if o.MaxFixIterations != nil && *o.MaxFixIterations < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages.%s.max_fix_iterations", name),
				Message: "must be >= 0",
			})
		}
	}

	return errs
}
