package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aventus/onboarding/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type createContractorRequest struct {
	ContractorID string             `json:"contractor_id" validate:"required,max=128"`
	BusinessType model.BusinessType `json:"business_type" validate:"required,business_type"`
}

type completeStepRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

type transitionRequest struct {
	To      model.Status `json:"to" validate:"required,status"`
	Comment string       `json:"comment" validate:"max=2000"`
}

type declineRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type changeBusinessTypeRequest struct {
	BusinessType model.BusinessType `json:"business_type" validate:"required,business_type"`
}

type listResponse[T any] struct {
	Data       []T `json:"data"`
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

type businessTypePath struct {
	BusinessType model.BusinessType `json:"business_type"`
	Steps        []string           `json:"steps"`
}

type stepApplicability struct {
	BusinessType model.BusinessType `json:"business_type"`
	Step         model.WorkflowStep `json:"step"`
	Applicable   bool               `json:"applicable"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("business_type", func(fl validator.FieldLevel) bool {
		return model.BusinessType(fl.Field().String()).Valid()
	})
	v.RegisterValidation("status", func(fl validator.FieldLevel) bool {
		return model.Status(fl.Field().String()).Valid()
	})
	return v
}

// decodeBody reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return model.NewBadRequestError(fmt.Sprintf("invalid JSON body: %v", err))
		}
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.NewBadRequestError(err.Error())
		}
		fields := make([]model.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fieldErrorFor(fe))
		}
		return model.NewValidationError(fields)
	}
	return nil
}

func fieldErrorFor(fe validator.FieldError) model.FieldError {
	out := model.FieldError{Field: fe.Field()}
	switch fe.Tag() {
	case "required":
		out.Code = "REQUIRED"
		out.Message = fmt.Sprintf("%s is required", fe.Field())
	case "business_type", "status":
		out.Code = "INVALID_ENUM"
		out.Message = fmt.Sprintf("unknown %s %q", fe.Tag(), fe.Value())
	case "max":
		out.Code = "OUT_OF_RANGE"
		out.Message = fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		out.Code = "INVALID"
		out.Message = fe.Error()
	}
	return out
}
