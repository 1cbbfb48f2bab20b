package routing

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/expression"
	"data-router/internal/transform"
)

// CompiledRule is a rule with its condition parsed and pipeline compiled
type CompiledRule struct {
	ID       string
	Name     string
	Enabled  bool
	Priority int
	// Order is the rule's position in the route definition
	Order int
	// Condition is nil when the rule always matches
	Condition *expression.Condition
	Pipeline  *transform.Pipeline
	// Destinations holds the resolved, enabled destination ids
	Destinations []string
}

// CompiledRoute is an immutable snapshot of a route, ready to execute
type CompiledRoute struct {
	ID        string
	Name      string
	Enabled   bool
	Pipeline  *transform.Pipeline
	Rules     []*CompiledRule
	ErrorMode ErrorMode
	// Targets holds every destination a rule can deliver to
	Targets map[string]delivery.Target
	// TargetOrder lists Targets in order of first reference
	TargetOrder []string
	// ErrorTarget is nil unless an error destination is configured
	ErrorTarget *delivery.Target
	// Warnings are the non-fatal problems found while loading
	Warnings []string
}

// Close releases destinations that hold connections
func (c *CompiledRoute) Close() error {
	seen := make(map[delivery.Closer]bool)
	var errs []error

	closeOne := func(t delivery.Target) {
		closer, ok := t.Destination.(delivery.Closer)
		if !ok || seen[closer] {
			return
		}
		seen[closer] = true
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.ID, err))
		}
	}

	for _, id := range c.TargetOrder {
		closeOne(c.Targets[id])
	}
	if c.ErrorTarget != nil {
		closeOne(*c.ErrorTarget)
	}
	return stderrors.Join(errs...)
}

// Loader compiles route configurations into CompiledRoutes
type Loader struct {
	factory  Factory
	defaults delivery.Policy
	validate *validator.Validate
	logger   logging.Logger
}

// NewLoader creates a loader. defaults is the policy every destination's
// delivery block is applied on top of.
func NewLoader(factory Factory, defaults delivery.Policy, logger logging.Logger) *Loader {
	return &Loader{
		factory:  factory,
		defaults: defaults,
		validate: validator.New(),
		logger:   logging.OrGlobal(logger),
	}
}

// Load validates and compiles route against the destination catalog.
//
// Unknown or disabled destination ids are skipped with a warning. Malformed
// conditions, invalid transformation steps, an unresolved error destination
// and destinations that cannot be built fail the load with a ConfigError.
func (l *Loader) Load(ctx context.Context, route Route, catalog []DestinationConfig) (*CompiledRoute, error) {
	route = route.clone()
	logger := l.logger.WithContext(logging.WithRouteID(ctx, route.ID))

	if err := l.validate.Struct(route); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("route %q is invalid", route.ID), err)
	}

	byID := make(map[string]DestinationConfig, len(catalog))
	for _, d := range catalog {
		if err := l.validate.Struct(d); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("destination %q is invalid", d.ID), err)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, errors.ConfigError(fmt.Sprintf("destination %q", d.ID), ErrDuplicateDestination)
		}
		byID[d.ID] = d.clone()
	}

	mode := route.ErrorHandling.Mode
	if mode == "" {
		mode = ErrorModeContinue
	}

	compiled := &CompiledRoute{
		ID:        route.ID,
		Name:      route.Name,
		Enabled:   route.Enabled,
		ErrorMode: mode,
		Targets:   make(map[string]delivery.Target),
	}

	pipeline, err := transform.Compile(route.Transformations)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("route %q transformations", route.ID), err)
	}
	compiled.Pipeline = pipeline

	rules, err := l.compileRules(route, byID, compiled)
	if err != nil {
		return nil, err
	}
	compiled.Rules = rules
	compiled.warnMultiMatch()

	for _, id := range compiled.TargetOrder {
		target, err := l.buildTarget(ctx, byID[id], compiled.Targets)
		if err != nil {
			_ = compiled.Close()
			return nil, err
		}
		compiled.Targets[id] = target
	}

	if name := route.ErrorHandling.ErrorDestination; name != "" {
		cfg, ok := byID[name]
		if !ok || !cfg.Enabled {
			_ = compiled.Close()
			return nil, errors.ConfigError(fmt.Sprintf("error_destination %q is not a known enabled destination", name), nil)
		}
		target, built := compiled.Targets[name]
		if !built {
			target, err = l.buildTarget(ctx, cfg, compiled.Targets)
			if err != nil {
				_ = compiled.Close()
				return nil, err
			}
		}
		compiled.ErrorTarget = &target
	}

	for _, w := range compiled.Warnings {
		logger.Warn("Route configuration warning", logging.String("warning", w))
	}
	logger.Debug("Route compiled",
		logging.Int("rules", len(compiled.Rules)),
		logging.Strings("destinations", compiled.TargetOrder),
	)

	return compiled, nil
}

func (l *Loader) compileRules(route Route, catalog map[string]DestinationConfig, compiled *CompiledRoute) ([]*CompiledRule, error) {
	rules := make([]*CompiledRule, 0, len(route.Rules))
	seenRule := make(map[string]bool, len(route.Rules))

	for i, rule := range route.Rules {
		if seenRule[rule.ID] {
			return nil, errors.ConfigError(fmt.Sprintf("rule %q is defined more than once", rule.ID), nil)
		}
		seenRule[rule.ID] = true

		cr := &CompiledRule{
			ID:       rule.ID,
			Name:     rule.Name,
			Enabled:  rule.Enabled,
			Priority: rule.Priority,
			Order:    i,
		}

		if strings.TrimSpace(rule.Condition) != "" {
			cond, err := expression.Parse(rule.Condition)
			if err != nil {
				return nil, errors.ConfigError(fmt.Sprintf("rule %q condition", rule.ID), err)
			}
			cr.Condition = cond
		}

		pipeline, err := transform.Compile(rule.Transformations)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("rule %q transformations", rule.ID), err)
		}
		cr.Pipeline = pipeline

		seenDest := make(map[string]bool, len(rule.Destinations))
		for _, id := range rule.Destinations {
			if seenDest[id] {
				continue
			}
			seenDest[id] = true

			cfg, ok := catalog[id]
			switch {
			case !ok:
				compiled.warnf("rule %q: destination %q not found, skipped", rule.ID, id)
				continue
			case !cfg.Enabled:
				compiled.warnf("rule %q: destination %q is disabled, skipped", rule.ID, id)
				continue
			}
			cr.Destinations = append(cr.Destinations, id)
		}

		if rule.Enabled {
			if len(cr.Destinations) == 0 {
				compiled.warnf("rule %q has no deliverable destinations", rule.ID)
			}
			for _, id := range cr.Destinations {
				if _, ok := compiled.Targets[id]; !ok {
					compiled.Targets[id] = delivery.Target{ID: id}
					compiled.TargetOrder = append(compiled.TargetOrder, id)
				}
			}
		}

		rules = append(rules, cr)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Order < rules[j].Order
	})
	return rules, nil
}

// buildTarget builds a destination, reusing one already built for the same id
func (l *Loader) buildTarget(ctx context.Context, cfg DestinationConfig, built map[string]delivery.Target) (delivery.Target, error) {
	if t, ok := built[cfg.ID]; ok && t.Destination != nil {
		return t, nil
	}

	policy := l.defaults.Apply(cfg.Delivery)
	if err := policy.Validate(); err != nil {
		return delivery.Target{}, errors.ConfigError(fmt.Sprintf("destination %q delivery policy", cfg.ID), err)
	}

	dest, err := l.factory.Build(ctx, cfg)
	if err != nil {
		return delivery.Target{}, errors.ConfigError(fmt.Sprintf("destination %q (%s) cannot be built", cfg.ID, cfg.Type), err)
	}

	return delivery.Target{
		ID:          cfg.ID,
		Type:        cfg.Type,
		Destination: dest,
		Policy:      policy,
	}, nil
}

func (c *CompiledRoute) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// warnMultiMatch flags destinations reachable from more than one enabled
// rule. Records matching several of those rules are delivered once per rule.
func (c *CompiledRoute) warnMultiMatch() {
	rulesByDest := make(map[string][]string)
	for _, r := range c.Rules {
		if !r.Enabled {
			continue
		}
		for _, id := range r.Destinations {
			rulesByDest[id] = append(rulesByDest[id], r.ID)
		}
	}
	for _, id := range c.TargetOrder {
		if ids := rulesByDest[id]; len(ids) > 1 {
			c.warnf("destination %q is targeted by rules %s; records matching more than one receive duplicates",
				id, strings.Join(ids, ", "))
		}
	}
}
