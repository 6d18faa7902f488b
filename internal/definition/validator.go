package definition

import (
	"fmt"

	"github.com/aventus/onboarding/model"
)

// Path anchors shared by every business type.
const (
	FirstStepID = "contractor_details"
	LastStepID  = "finalize"
)

// VError describes a single validation error in a catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks a catalog structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in c. A nil result means the catalog
// can back a Registry.
func (v *Validator) Validate(c Catalog) []VError {
	var errs []VError

	stepIDs := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "id is required"})
			continue
		}
		if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("step %q is defined more than once", s.ID)})
		}
		stepIDs[s.ID] = true
		if s.Label == "" {
			errs = append(errs, VError{Path: sp + ".label", Code: "REQUIRED", Message: "label is required"})
		}
	}

	for _, bt := range model.BusinessTypes() {
		if _, ok := c.Paths[bt]; !ok {
			errs = append(errs, VError{Path: "paths." + string(bt), Code: "UNMAPPED", Message: fmt.Sprintf("business type %q has no path", bt)})
		}
	}

	for _, bt := range sortedPathKeys(c.Paths) {
		errs = append(errs, v.validatePath("paths."+string(bt), bt, c.Paths[bt], stepIDs)...)
	}

	return errs
}

func (v *Validator) validatePath(prefix string, bt model.BusinessType, path []string, stepIDs map[string]bool) []VError {
	var errs []VError

	if !bt.Valid() {
		errs = append(errs, VError{Path: prefix, Code: "UNKNOWN_BUSINESS_TYPE", Message: fmt.Sprintf("business type %q is not recognised", bt)})
	}
	if len(path) == 0 {
		return append(errs, VError{Path: prefix, Code: "EMPTY_PATH", Message: "path must contain at least one step"})
	}
	if path[0] != FirstStepID {
		errs = append(errs, VError{Path: prefix + "[0]", Code: "INVALID_START", Message: fmt.Sprintf("path must start with %q, got %q", FirstStepID, path[0])})
	}
	if last := path[len(path)-1]; last != LastStepID {
		errs = append(errs, VError{Path: fmt.Sprintf("%s[%d]", prefix, len(path)-1), Code: "INVALID_END", Message: fmt.Sprintf("path must end with %q, got %q", LastStepID, last)})
	}

	seen := make(map[string]bool, len(path))
	for i, id := range path {
		ip := fmt.Sprintf("%s[%d]", prefix, i)
		if !stepIDs[id] {
			errs = append(errs, VError{Path: ip, Code: "UNKNOWN_STEP", Message: fmt.Sprintf("step %q is not in the catalog", id)})
		}
		if seen[id] {
			errs = append(errs, VError{Path: ip, Code: "DUPLICATE_STEP", Message: fmt.Sprintf("step %q appears more than once", id)})
		}
		seen[id] = true
	}

	return errs
}
