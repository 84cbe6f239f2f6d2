// Package transform implements the declarative field-transform engine used to
// convert between the canonical model and provider wire shapes. Rules address
// fields by path ("messages[0].content"), carry required/default/fallback
// semantics, and are applied symmetrically in both directions by supplying
// direction-specific rule sets.
package transform

import (
	"fmt"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/diag"
)

// MetadataKey is the output field the engine stamps its transformation
// metadata under.
const MetadataKey = "_transformation"

// TransformFunc converts a resolved source value. The context carries the
// rule's source/target paths and the raw source value.
type TransformFunc func(value any, ctx *Context) (any, error)

// Rule maps one source path to one target path. A nil Default/Fallback means
// unset.
type Rule struct {
	Source    string
	Target    string
	Transform TransformFunc
	Required  bool
	Default   any
	Fallback  any
}

// Context carries per-run settings and, during a transform call, the fields
// of the rule being applied.
type Context struct {
	Module    string
	Direction string
	Strict    bool

	SourceField string
	TargetField string
	SourceValue any

	Extra map[string]any
}

// NewContext returns a strict-mode context. Strict mode reports unresolvable
// source paths to the sink; it does not by itself fail the rule.
func NewContext(module, direction string) *Context {
	return &Context{Module: module, Direction: direction, Strict: true}
}

// FieldTransformError is raised when a required field cannot be resolved or a
// transform function fails without a fallback.
type FieldTransformError struct {
	Module string
	Field  string
	Stage  string
	Err    error
}

func (e *FieldTransformError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("field transform failed (%s, field %q, stage %s): %v", e.Module, e.Field, e.Stage, e.Err)
	}
	return fmt.Sprintf("field transform failed (%s, field %q, stage %s)", e.Module, e.Field, e.Stage)
}

func (e *FieldTransformError) Unwrap() error { return e.Err }

// Engine applies transform rules and reports diagnostics to an injected sink.
type Engine struct {
	sink diag.Sink
}

func NewEngine(sink diag.Sink) *Engine {
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Engine{sink: sink}
}

// ApplyRule resolves rule.Source from source and writes the (possibly
// transformed) value into target at rule.Target. When the source value is
// absent the default applies first; a still-absent required field fails
// closed and writes nothing.
func (e *Engine) ApplyRule(rule Rule, source, target map[string]any, ctx *Context) error {
	if ctx == nil {
		ctx = NewContext("transform", "")
	}

	value, found := GetFieldValue(source, rule.Source)
	if !found && ctx.Strict {
		e.sink.ReportUnknownField(ctx.Module, rule.Source, map[string]any{
			"direction": ctx.Direction,
			"target":    rule.Target,
		})
	}

	if !found && rule.Default != nil {
		value = rule.Default
		found = true
	}

	if !found {
		if rule.Required {
			return &FieldTransformError{Module: ctx.Module, Field: rule.Source, Stage: "resolve"}
		}
		return nil
	}

	if rule.Transform != nil {
		ruleCtx := *ctx
		ruleCtx.SourceField = rule.Source
		ruleCtx.TargetField = rule.Target
		ruleCtx.SourceValue = value

		transformed, err := rule.Transform(value, &ruleCtx)
		if err != nil {
			fte := &FieldTransformError{Module: ctx.Module, Field: rule.Source, Stage: "transform", Err: err}
			if rule.Fallback == nil {
				return fte
			}
			// Fallback recovers the rule, but the failure is still reported.
			e.sink.HandleError(fte)
			value = rule.Fallback
		} else {
			value = transformed
		}
	}

	if err := SetFieldValue(target, rule.Target, value); err != nil {
		return &FieldTransformError{Module: ctx.Module, Field: rule.Target, Stage: "write", Err: err}
	}

	return nil
}

// ApplyRules runs an ordered rule sequence against the same source/target
// pair. Later rules win on overlapping targets.
func (e *Engine) ApplyRules(rules []Rule, source, target map[string]any, ctx *Context) error {
	for _, rule := range rules {
		if err := e.ApplyRule(rule, source, target, ctx); err != nil {
			return err
		}
	}
	return nil
}

// Transform is the top-level entry: it seeds the output with a shallow clone
// of the input, applies all rules, and stamps a transformation-metadata block
// onto the result.
func (e *Engine) Transform(rules []Rule, input map[string]any, ctx *Context) (map[string]any, error) {
	if ctx == nil {
		ctx = NewContext("transform", "")
	}

	output := make(map[string]any, len(input)+1)
	for k, v := range input {
		output[k] = v
	}

	if err := e.ApplyRules(rules, input, output, ctx); err != nil {
		return nil, err
	}

	output[MetadataKey] = map[string]any{
		"rules_applied": len(rules),
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"module":        ctx.Module,
		"direction":     ctx.Direction,
	}

	return output, nil
}
