// Package openapi loads the service's OpenAPI document, indexes its
// operations and validates inbound requests against it.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/aventus/onboarding/model"
)

//go:embed api.yaml
var apiYAML []byte

// Spec returns the raw embedded document.
func Spec() []byte {
	out := make([]byte, len(apiYAML))
	copy(out, apiYAML)
	return out
}

// IndexedOperation is an operation from the document with its route.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// Index holds the parsed document, its operations keyed by operationId and a
// router for matching requests.
type Index struct {
	doc        *openapi3.T
	router     routers.Router
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded document.
func Load() (*Index, error) {
	return LoadData(apiYAML)
}

// LoadData parses and validates an OpenAPI document.
func LoadData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: building router: %w", err)
	}

	idx := &Index{
		doc:        doc,
		router:     router,
		operations: make(map[string]IndexedOperation),
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       strings.ToUpper(method),
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
			}
		}
	}

	return idx, nil
}

// Version returns the document's info.version.
func (idx *Index) Version() string {
	if idx.doc.Info == nil {
		return ""
	}
	return idx.doc.Info.Version
}

// GetOperation returns the operation with the given operationId.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// Operations returns every indexed operation sorted by path, then method.
func (idx *Index) Operations() []IndexedOperation {
	out := make([]IndexedOperation, 0, len(idx.operations))
	for _, op := range idx.operations {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PathTemplate != out[j].PathTemplate {
			return out[i].PathTemplate < out[j].PathTemplate
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// ValidateRequest checks r's parameters and body against the matching
// operation. ok is false when no operation matches r; the caller decides how
// to treat undocumented routes. The body is restored so handlers can read it.
func (idx *Index) ValidateRequest(r *http.Request) (fields []model.FieldError, ok bool) {
	route, pathParams, err := idx.router.FindRoute(r)
	if err != nil {
		return nil, false
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError: true,
			// Bearer tokens are verified by the authentication middleware.
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		collectFieldErrors(err, "body", &fields)
		if len(fields) == 0 {
			fields = append(fields, model.FieldError{Field: "body", Code: "INVALID", Message: err.Error()})
		}
	}
	return fields, true
}

func collectFieldErrors(err error, field string, out *[]model.FieldError) {
	if multi, ok := err.(openapi3.MultiError); ok {
		for _, e := range multi {
			collectFieldErrors(e, field, out)
		}
		return
	}

	switch e := err.(type) {
	case *openapi3filter.RequestError:
		f := field
		if e.Parameter != nil {
			f = e.Parameter.Name
		}
		if e.Err == nil {
			*out = append(*out, model.FieldError{Field: f, Code: "INVALID", Message: e.Reason})
			return
		}
		collectFieldErrors(e.Err, f, out)

	case *openapi3.SchemaError:
		f := field
		if ptr := e.JSONPointer(); len(ptr) > 0 {
			f = strings.Join(ptr, ".")
		}
		*out = append(*out, model.FieldError{
			Field:   f,
			Code:    schemaCode(e.SchemaField),
			Message: e.Reason,
		})

	case *openapi3filter.SecurityRequirementsError:
		*out = append(*out, model.FieldError{Field: "authorization", Code: "INVALID", Message: e.Error()})

	default:
		*out = append(*out, model.FieldError{Field: field, Code: "INVALID", Message: err.Error()})
	}
}

func schemaCode(schemaField string) string {
	switch schemaField {
	case "required":
		return "REQUIRED"
	case "enum":
		return "INVALID_ENUM"
	case "additionalProperties":
		return "UNKNOWN_FIELD"
	case "minLength", "maxLength", "minimum", "maximum":
		return "OUT_OF_RANGE"
	case "pattern":
		return "INVALID_FORMAT"
	case "type":
		return "INVALID_TYPE"
	default:
		return "INVALID"
	}
}
