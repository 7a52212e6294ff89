package stages

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/pipeline/resolve"
)

type compiledRule struct {
	rule        model.MappingRule
	transformer Transformer
	validator   Validator
	regex       *regexp.Regexp
}

type compiledMapper struct {
	eventName string
	rules     []compiledRule
}

// MapStage reshapes the pipeline context. Unlike other stages its output
// replaces the context entirely, so only mapped fields flow downstream.
type MapStage struct {
	name   string
	cfg    model.MapConfig
	logger *slog.Logger

	mappers []compiledMapper
}

func NewMapStage(name string, cfg model.MapConfig, logger *slog.Logger) *MapStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &MapStage{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "map_stage", "stage", name),
	}
}

func (s *MapStage) Name() string          { return s.name }
func (s *MapStage) Kind() model.StageKind { return model.StageMap }

// Initialize compiles rules so unknown transformers and bad regexes fail at
// startup rather than on the first matching event.
func (s *MapStage) Initialize(_ context.Context) error {
	if len(s.cfg.Definitions) == 0 {
		return fmt.Errorf("no mappers configured")
	}

	for i, def := range s.cfg.Definitions {
		compiled := compiledMapper{eventName: def.EventName}
		for j, rule := range def.Rules {
			if rule.Target == "" {
				return fmt.Errorf("mapper %d rule %d: empty target key", i, j)
			}
			cr := compiledRule{rule: rule}

			if rule.Transformer != "" {
				t, ok := LookupTransformer(rule.Transformer)
				if !ok {
					return fmt.Errorf("mapper %d rule %d: unknown transformer %q", i, j, rule.Transformer)
				}
				cr.transformer = t
			}
			if rule.Validator != "" {
				v, ok := LookupValidator(rule.Validator)
				if !ok {
					return fmt.Errorf("mapper %d rule %d: unknown validator %q", i, j, rule.Validator)
				}
				cr.validator = v
			}
			if cond := rule.Condition; cond != nil && cond.Type == model.CondRegex {
				pattern, ok := cond.Value.(string)
				if !ok {
					return fmt.Errorf("mapper %d rule %d: regex condition wants string pattern", i, j)
				}
				re, err := regexp.Compile(pattern)
				if err != nil {
					return fmt.Errorf("mapper %d rule %d: %w", i, j, err)
				}
				cr.regex = re
			}
			compiled.rules = append(compiled.rules, cr)
		}
		s.mappers = append(s.mappers, compiled)
	}
	return nil
}

// Execute applies every definition whose event name matches the context (a
// blank event name matches everything; a context without event_name matches
// every definition) in configuration order, later targets overwriting
// earlier ones. The accumulated result replaces the context even when no
// rule produced output. A failing rule is logged and its target omitted.
func (s *MapStage) Execute(_ context.Context, pctx map[string]any) (map[string]any, error) {
	eventName, hasEvent := resolve.String(pctx, "event_name")

	out := make(map[string]any)
	for i := range s.mappers {
		m := &s.mappers[i]
		if hasEvent && m.eventName != "" && m.eventName != eventName {
			continue
		}
		for _, cr := range m.rules {
			if err := s.applyRule(cr, pctx, out); err != nil {
				s.logger.Warn("mapping rule skipped",
					"target", cr.rule.Target,
					"event_name", eventName,
					"error", err,
				)
			}
		}
	}
	if len(out) == 0 {
		s.logger.Warn("mapping produced empty context", "event_name", eventName)
	}
	return out, nil
}

func (s *MapStage) Cleanup(_ context.Context) error {
	return nil
}

func (s *MapStage) applyRule(cr compiledRule, pctx, out map[string]any) error {
	rule := cr.rule

	value, found := resolve.Lookup(pctx, rule.Source)
	if !found {
		if rule.Default != nil {
			out[rule.Target] = rule.Default
			return nil
		}
		if rule.Required {
			return fmt.Errorf("required source %q missing", rule.Source)
		}
		return nil
	}

	if cr.transformer != nil {
		transformed, err := cr.transformer(value)
		if err != nil {
			if rule.Default != nil {
				out[rule.Target] = rule.Default
				return nil
			}
			return fmt.Errorf("transformer %q: %w", rule.Transformer, err)
		}
		value = transformed
	}

	if cr.validator != nil && !cr.validator(value) {
		return fmt.Errorf("validator %q rejected value", rule.Validator)
	}

	if rule.Condition != nil {
		match, err := evalCondition(cr, pctx)
		if err != nil {
			return fmt.Errorf("condition: %w", err)
		}
		if !match {
			return nil
		}
	}

	out[rule.Target] = value
	return nil
}

func evalCondition(cr compiledRule, pctx map[string]any) (bool, error) {
	cond := cr.rule.Condition
	value, exists := resolve.Lookup(pctx, cond.Field)

	switch cond.Type {
	case model.CondExists:
		return exists, nil
	case model.CondNotExists:
		return !exists, nil
	case model.CondCustom:
		// Custom hooks cannot ride in over JSON config, so the rule applies.
		return true, nil
	}
	if !exists {
		return false, nil
	}

	switch cond.Type {
	case model.CondEquals:
		return looseEqual(value, cond.Value), nil
	case model.CondNotEquals:
		return !looseEqual(value, cond.Value), nil
	case model.CondContains, model.CondNotContains:
		has, err := contains(value, cond.Value)
		if err != nil {
			return false, err
		}
		if cond.Type == model.CondNotContains {
			return !has, nil
		}
		return has, nil
	case model.CondGreaterThan, model.CondLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false, fmt.Errorf("numeric comparison on non-numeric values (%T, %T)", value, cond.Value)
		}
		if cond.Type == model.CondGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case model.CondRegex:
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		return cr.regex.MatchString(s), nil
	default:
		return false, fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

// looseEqual compares across the numeric types that JSON decoding and ABI
// normalization produce.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains on string wants string needle, got %T", needle)
		}
		return strings.Contains(h, n), nil
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("contains wants string or list, got %T", haystack)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
