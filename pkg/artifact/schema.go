package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/batchkeeper/internal/assets/schemas"
)

// ErrInvalidLayout is wrapped by every schema violation in a batch layout.
var ErrInvalidLayout = errors.New("invalid batch layout")

var (
	layoutValidatorOnce sync.Once
	layoutValidator     *schema.Validator
	layoutValidatorErr  error
)

// LayoutViolation is one schema violation at a JSON pointer.
type LayoutViolation struct {
	Pointer string
	Message string
}

func (v LayoutViolation) Error() string {
	if v.Pointer == "" {
		return v.Message
	}
	return v.Pointer + ": " + v.Message
}

// LayoutViolations collects every violation found in one manifest.
type LayoutViolations []LayoutViolation

func (e LayoutViolations) Error() string {
	parts := make([]string, 0, len(e))
	for _, v := range e {
		parts = append(parts, v.Error())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidLayout, strings.Join(parts, "; "))
}

func (e LayoutViolations) Unwrap() error { return ErrInvalidLayout }

// ValidateLayoutYAML checks a batch.yaml document against the embedded
// batch-layout schema.
func ValidateLayoutYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}

	v, err := getLayoutValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(raw)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs LayoutViolations
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, LayoutViolation{Pointer: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getLayoutValidator() (*schema.Validator, error) {
	layoutValidatorOnce.Do(func() {
		layoutValidator, layoutValidatorErr = schema.NewValidator(schemasassets.BatchLayoutSchema)
		if layoutValidatorErr != nil {
			layoutValidatorErr = fmt.Errorf("compile batch layout schema: %w", layoutValidatorErr)
		}
	})
	return layoutValidator, layoutValidatorErr
}
