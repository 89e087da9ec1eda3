// Package validation checks spatial objects against CEL rules configured by
// the operator. The object is exposed to expressions as the dynamic map
// "object" with the same field names it has on the wire.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

var ErrInvalidRule = errors.New("invalid validation rule")

type Rule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	// ObjectTypes limits the rule to some types. Empty applies it to all.
	ObjectTypes []string `yaml:"object_types"`
	Message     string   `yaml:"message"`
}

// DefaultRules are used when no rules are configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "non_negative_extents",
			Expression: `object.geometry.extents.x >= 0.0 && object.geometry.extents.y >= 0.0 && object.geometry.extents.z >= 0.0`,
			Message:    "extents must not be negative",
		},
		{
			Name:        "voltage_range",
			Expression:  `!has(object.properties.voltage) || (object.properties.voltage > 0.0 && object.properties.voltage <= 1000.0)`,
			ObjectTypes: []string{"panel", "circuit", "outlet"},
			Message:     "voltage must be in (0, 1000]",
		},
	}
}

type Result struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}

type compiledRule struct {
	Rule
	types   map[string]struct{}
	program cel.Program
}

func (r compiledRule) appliesTo(objectType string) bool {
	if len(r.types) == 0 {
		return true
	}
	_, ok := r.types[objectType]
	return ok
}

// Engine evaluates a fixed rule set. Rules are compiled once; Evaluate is
// safe for concurrent use.
type Engine struct {
	rules []compiledRule
}

func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(cel.Variable("object", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &Engine{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Name == "" || strings.TrimSpace(r.Expression) == "" {
			return nil, fmt.Errorf("%w: name and expression are required", ErrInvalidRule)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = struct{}{}

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.Name, err)
		}

		cr := compiledRule{Rule: r, program: prg}
		if len(r.ObjectTypes) > 0 {
			cr.types = make(map[string]struct{}, len(r.ObjectTypes))
			for _, t := range r.ObjectTypes {
				cr.types[t] = struct{}{}
			}
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Rules returns the names of the loaded rules.
func (e *Engine) Rules() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name
	}
	return out
}

// Evaluate runs every applicable rule against obj. A rule that does not
// evaluate to true counts as a violation.
func (e *Engine) Evaluate(obj spatial.Object) Result {
	res := Result{Valid: true, Violations: []string{}}

	input, err := activation(obj)
	if err != nil {
		res.Valid = false
		res.Violations = append(res.Violations, err.Error())
		return res
	}

	for _, r := range e.rules {
		if !r.appliesTo(obj.Type) {
			continue
		}
		out, _, err := r.program.Eval(input)
		if err != nil {
			res.Violations = append(res.Violations, fmt.Sprintf("%s: evaluation failed: %v", r.Name, err))
			continue
		}
		if pass, ok := out.Value().(bool); !ok || !pass {
			res.Violations = append(res.Violations, r.describe())
		}
	}
	res.Valid = len(res.Violations) == 0
	return res
}

// ObjectGetter reads the current state of an object.
type ObjectGetter interface {
	GetObject(ctx context.Context, id spatial.ObjectID) (spatial.Object, error)
}

// ValidateObject fetches id and evaluates it.
func (e *Engine) ValidateObject(ctx context.Context, getter ObjectGetter, id spatial.ObjectID) (Result, error) {
	obj, err := getter.GetObject(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return e.Evaluate(obj), nil
}

// Check returns an error listing every violation, or nil. It fits as a
// store-side validator.
func (e *Engine) Check(obj spatial.Object) error {
	res := e.Evaluate(obj)
	if res.Valid {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(res.Violations, "; "))
}

func (r compiledRule) describe() string {
	if r.Message != "" {
		return r.Name + ": " + r.Message
	}
	return r.Name
}

// activation renders obj with its wire field names so numbers are uniformly
// doubles inside expressions.
func activation(obj spatial.Object) (map[string]any, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode object %d: %w", obj.ID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode object %d: %w", obj.ID, err)
	}
	if doc["properties"] == nil {
		doc["properties"] = map[string]any{}
	}
	return map[string]any{"object": doc}, nil
}
