package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation. When
// any remain it logs one summary entry through logger and returns the joined
// error; otherwise it returns nil.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(failed...)
	summary := make([]Field, 0, len(fields)+3)
	summary = append(summary, fields...)
	summary = append(summary,
		F("operation", operation),
		F("failed_steps", len(failed)),
		Err(joined),
	)
	Or(logger).Error(operation+" incomplete", summary...)
	return fmt.Errorf("%s: %w", operation, joined)
}
