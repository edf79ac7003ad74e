package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/LucPettett/what-do-i-become/internal/domain"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type Schema string

const (
	WorkOrder    Schema = "work_order"
	WorkerResult Schema = "worker_result"
)

// Accepted schema_version range per payload kind.
var versionConstraints = map[Schema]string{
	WorkOrder:    "~1.0",
	WorkerResult: "~1.0",
}

// Violation is a single failing field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ContractViolation lists every failing field of a rejected payload.
type ContractViolation struct {
	Schema     Schema      `json:"schema"`
	Violations []Violation `json:"violations"`
}

func (e *ContractViolation) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return fmt.Sprintf("%s contract violation (%d): %s", e.Schema, len(e.Violations), strings.Join(parts, "; "))
}

// Fields returns the distinct failing field paths.
func (e *ContractViolation) Fields() []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range e.Violations {
		if !seen[v.Field] {
			seen[v.Field] = true
			out = append(out, v.Field)
		}
	}
	return out
}

// FieldError rejects one field of a worker result that passed the schema.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

// FromTransitions wraps rejected status transitions and field errors of a
// worker result.
func FromTransitions(errs []error) *ContractViolation {
	cv := &ContractViolation{Schema: WorkerResult}
	for _, err := range errs {
		field := "/"
		var te *domain.TransitionError
		var fe *FieldError
		switch {
		case errors.As(err, &te):
			field = fmt.Sprintf("/%s/%s/status", strings.ReplaceAll(te.Entity, " ", "_"), te.ID)
		case errors.As(err, &fe):
			field = fe.Field
		}
		cv.Violations = append(cv.Violations, Violation{Field: field, Message: err.Error()})
	}
	return cv
}

// Validator checks payloads against the embedded JSON Schemas.
type Validator struct {
	schemas     map[Schema]*jsonschema.Schema
	constraints map[Schema]*semver.Constraints
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas:     map[Schema]*jsonschema.Schema{},
		constraints: map[Schema]*semver.Constraints{},
	}
	for name, constraint := range versionConstraints {
		data, err := schemaFS.ReadFile("schemas/" + string(name) + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://wdib.local/schemas/" + string(name) + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = compiled
		sc, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("schema %s version constraint: %w", name, err)
		}
		v.constraints[name] = sc
	}
	return v, nil
}

// Validate returns nil or a *ContractViolation enumerating every failure.
func (v *Validator) Validate(name Schema, raw []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	cv := &ContractViolation{Schema: name}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		cv.Violations = append(cv.Violations, Violation{Field: "/", Message: "invalid JSON: " + err.Error()})
		return cv
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return fmt.Errorf("validate %s: %w", name, err)
		}
		collect(ve, cv)
	}
	if obj, ok := doc.(map[string]any); ok {
		if raw, ok := obj["schema_version"].(string); ok {
			if msg := v.checkVersion(name, raw); msg != "" {
				cv.Violations = append(cv.Violations, Violation{Field: "/schema_version", Message: msg})
			}
		}
	}
	if len(cv.Violations) == 0 {
		return nil
	}
	sortViolations(cv.Violations)
	return cv
}

func (v *Validator) checkVersion(name Schema, raw string) string {
	ver, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Sprintf("schema_version %q is not a version", raw)
	}
	if !v.constraints[name].Check(ver) {
		return fmt.Sprintf("schema_version %s is not supported (want %s)", raw, versionConstraints[name])
	}
	return ""
}

// DecodeWorkOrder validates and decodes a work order payload.
func (v *Validator) DecodeWorkOrder(raw []byte) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	if err := v.Validate(WorkOrder, raw); err != nil {
		return wo, err
	}
	if err := decodeStrict(raw, &wo); err != nil {
		return domain.WorkOrder{}, &ContractViolation{Schema: WorkOrder, Violations: []Violation{{Field: "/", Message: err.Error()}}}
	}
	return wo, nil
}

// DecodeWorkerResult validates and decodes a worker result payload.
func (v *Validator) DecodeWorkerResult(raw []byte) (domain.WorkerResult, error) {
	var res domain.WorkerResult
	if err := v.Validate(WorkerResult, raw); err != nil {
		return res, err
	}
	if err := decodeStrict(raw, &res); err != nil {
		return domain.WorkerResult{}, &ContractViolation{Schema: WorkerResult, Violations: []Violation{{Field: "/", Message: err.Error()}}}
	}
	return res, nil
}

func decodeStrict(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func collect(ve *jsonschema.ValidationError, cv *ContractViolation) {
	if len(ve.Causes) == 0 {
		field := ve.InstanceLocation
		if field == "" {
			field = "/"
		}
		for _, existing := range cv.Violations {
			if existing.Field == field && existing.Message == ve.Message {
				return
			}
		}
		cv.Violations = append(cv.Violations, Violation{Field: field, Message: ve.Message})
		return
	}
	for _, cause := range ve.Causes {
		collect(cause, cv)
	}
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Field != vs[j].Field {
			return vs[i].Field < vs[j].Field
		}
		return vs[i].Message < vs[j].Message
	})
}
