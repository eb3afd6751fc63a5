// Package openapi embeds the OpenAPI document of the HTTP API, indexes its
// operations and validates request bodies against their schemas.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/pipeline/model"
)

//go:embed api/openapi.yaml
var spec []byte

// Operation is an indexed operation of the document.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	RequestBody  *openapi3.RequestBody
}

// Document is the parsed, validated API description.
type Document struct {
	doc        *openapi3.T
	json       []byte
	operations map[string]Operation
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Document, error) {
	return LoadData(ctx, spec)
}

// LoadData parses and validates an OpenAPI document held in data.
func LoadData(ctx context.Context, data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}
	raw, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("openapi: encoding document: %w", err)
	}

	d := &Document{doc: doc, json: raw, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}
			d.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				RequestBody:  body,
			}
		}
	}
	return d, nil
}

// JSON returns the document encoded as JSON.
func (d *Document) JSON() []byte { return d.json }

// Version returns info.version.
func (d *Document) Version() string { return d.doc.Info.Version }

// Operation returns the operation with the given operationId.
func (d *Document) Operation(operationID string) (Operation, bool) {
	op, ok := d.operations[operationID]
	return op, ok
}

// OperationIDs returns every indexed operationId, sorted.
func (d *Document) OperationIDs() []string {
	ids := make([]string, 0, len(d.operations))
	for id := range d.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBody checks a JSON-decoded request body against the operation's
// request schema and returns one FieldError per violation. body must hold
// the generic values produced by encoding/json (map[string]any, float64...).
func (d *Document) ValidateBody(operationID string, body any) []model.FieldError {
	op, ok := d.operations[operationID]
	if !ok {
		return []model.FieldError{{Code: "UNKNOWN_OPERATION", Message: fmt.Sprintf("operation %s is not defined", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}
	if body == nil {
		if op.RequestBody.Required {
			return []model.FieldError{{Code: "REQUIRED", Message: "request body is required"}}
		}
		return nil
	}
	mt := op.RequestBody.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}

	err := mt.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		path := se.JSONPointer()
		if strings.HasSuffix(se.Reason, "is unsupported") {
			path = append(path, quotedProperty(se.Reason))
		}
		field := strings.Join(path, ".")
		return []model.FieldError{{Field: field, Code: "INVALID", Message: se.Reason}}
	}
	return []model.FieldError{{Code: "INVALID", Message: err.Error()}}
}

// quotedProperty extracts the property name quoted in the reason of an
// unsupported-property violation, which carries no path of its own.
func quotedProperty(reason string) string {
	start := strings.IndexByte(reason, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(reason[start+1:], '"')
	if end < 0 {
		return ""
	}
	return reason[start+1 : start+1+end]
}
