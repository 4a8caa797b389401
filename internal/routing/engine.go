package routing

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dicom"
)

// ValidationError is a rejecting validation failure. The study moves to
// failed/ with the reason; no destination is attempted.
type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("routing: validation failed (%s): %s", e.Rule, e.Reason)
}

// FilteredError marks a study excluded by filter rules. It is a terminal
// outcome, not a failure: the study is archived with the filtered state.
type FilteredError struct {
	Rule   string
	Reason string
}

func (e *FilteredError) Error() string {
	return fmt.Sprintf("routing: study filtered (%s): %s", e.Rule, e.Reason)
}

// Engine evaluates one route's rules. Compile once at startup; Plan is
// pure and safe for concurrent use.
type Engine struct {
	validations []validationRule
	filters     []filterRule
	rules       []routingRule
	edges       []config.RouteDestination
	log         *zap.Logger
}

// NewEngine compiles the route's rule lists. Rule compilation errors
// (unknown tags, bad regexes) surface here so a misconfigured route fails
// at startup, not per study.
func NewEngine(route *config.RouteConfig, log *zap.Logger) (*Engine, error) {
	e := &Engine{edges: route.Destinations, log: log}
	for i, v := range route.ValidationRules {
		tag, err := resolveTag(v.Tag)
		if err != nil {
			return nil, fmt.Errorf("validation_rules[%d]: %w", i, err)
		}
		cr := validationRule{
			ruleType:  v.Type,
			tag:       tag,
			tagRef:    v.Tag,
			minLen:    v.MinLength,
			maxLen:    v.MaxLength,
			onFailure: v.OnFailure,
		}
		if cr.onFailure == "" {
			cr.onFailure = "reject"
		}
		if v.Type == "tag_value" {
			if cr.pred, err = compilePredicate(v.Operator, v.Value); err != nil {
				return nil, fmt.Errorf("validation_rules[%d]: %w", i, err)
			}
		}
		e.validations = append(e.validations, cr)
	}
	for i, f := range route.FilterRules {
		tag, err := resolveTag(f.Tag)
		if err != nil {
			return nil, fmt.Errorf("filter_rules[%d]: %w", i, err)
		}
		pred, err := compilePredicate(f.Operator, f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter_rules[%d]: %w", i, err)
		}
		e.filters = append(e.filters, filterRule{action: f.Action, tag: tag, tagRef: f.Tag, pred: pred})
	}
	for i, r := range route.RoutingRules {
		tag, err := resolveTag(r.Tag)
		if err != nil {
			return nil, fmt.Errorf("routing_rules[%d]: %w", i, err)
		}
		pred, err := compilePredicate(r.Operator, r.Value)
		if err != nil {
			return nil, fmt.Errorf("routing_rules[%d]: %w", i, err)
		}
		e.rules = append(e.rules, routingRule{name: r.Name, tag: tag, pred: pred, destinations: r.Destinations})
	}
	return e, nil
}

// Plan validates and filters the study's representative attributes, then
// selects destination edges. The returned slice preserves rule order (or
// ascending priority for the no-match default). enabled filters out
// destinations disabled at runtime; nil means all enabled.
func (e *Engine) Plan(ds *dicom.Dataset, enabled func(name string) bool) ([]config.RouteDestination, error) {
	// Validate, fail fast on reject.
	for _, v := range e.validations {
		reason := v.check(ds)
		if reason == "" {
			continue
		}
		switch v.onFailure {
		case "reject":
			return nil, &ValidationError{Rule: v.ruleType, Reason: reason}
		case "warn":
			e.log.Warn("validation rule failed", zap.String("rule", v.ruleType), zap.String("reason", reason))
		default:
			e.log.Info("validation rule failed", zap.String("rule", v.ruleType), zap.String("reason", reason))
		}
	}

	// Filter: every exclude must miss, every include must match.
	for _, f := range e.filters {
		matched := f.pred.match(ds.StringValue(f.tag))
		if f.action == "exclude" && matched {
			return nil, &FilteredError{Rule: f.tagRef, Reason: fmt.Sprintf("excluded by %s %s %q", f.tagRef, f.pred.op, f.pred.value)}
		}
		if f.action == "include" && !matched {
			return nil, &FilteredError{Rule: f.tagRef, Reason: fmt.Sprintf("not included by %s %s %q", f.tagRef, f.pred.op, f.pred.value)}
		}
	}

	// First matching routing rule contributes exactly its destinations.
	for _, r := range e.rules {
		if !r.pred.match(ds.StringValue(r.tag)) {
			continue
		}
		var out []config.RouteDestination
		for _, name := range r.destinations {
			for _, edge := range e.edges {
				if edge.Name == name && (enabled == nil || enabled(name)) {
					out = append(out, edge)
					break
				}
			}
		}
		e.log.Debug("routing rule matched", zap.String("rule", r.name), zap.Int("destinations", len(out)))
		return out, nil
	}

	// No rule matched: all enabled edges by ascending priority.
	out := make([]config.RouteDestination, 0, len(e.edges))
	for _, edge := range e.edges {
		if enabled == nil || enabled(edge.Name) {
			out = append(out, edge)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}
