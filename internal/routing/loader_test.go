package routing

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/transform"
)

type closingDestination struct {
	*delivery.Memory
	closed int
}

func (c *closingDestination) Close() error {
	c.closed++
	return nil
}

func testLoader(factory Factory) *Loader {
	return NewLoader(factory, delivery.DefaultPolicy(), logging.NewNopLogger())
}

func memoryCatalog(ids ...string) ([]DestinationConfig, StaticFactory) {
	catalog := make([]DestinationConfig, 0, len(ids))
	factory := StaticFactory{}
	for _, id := range ids {
		catalog = append(catalog, DestinationConfig{ID: id, Type: "memory", Enabled: true})
		factory[id] = delivery.NewMemory()
	}
	return catalog, factory
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestLoadSortsRulesByPriorityThenDefinitionOrder(t *testing.T) {
	catalog, factory := memoryCatalog("a")
	route := Route{
		ID:      "orders",
		Enabled: true,
		Rules: []Rule{
			{ID: "late", Enabled: true, Priority: 5, Destinations: []string{"a"}},
			{ID: "first", Enabled: true, Priority: 1, Destinations: []string{"a"}},
			{ID: "second", Enabled: true, Priority: 1, Destinations: []string{"a"}},
		},
	}

	compiled, err := testLoader(factory).Load(context.Background(), route, catalog)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []string{"first", "second", "late"}
	for i, rule := range compiled.Rules {
		if rule.ID != want[i] {
			t.Errorf("rule %d = %s, want %s", i, rule.ID, want[i])
		}
	}
	if compiled.ErrorMode != ErrorModeContinue {
		t.Errorf("ErrorMode = %s, want continue", compiled.ErrorMode)
	}
}

func TestLoadWarnsAboutUnresolvedDestinations(t *testing.T) {
	catalog, factory := memoryCatalog("a")
	catalog = append(catalog, DestinationConfig{ID: "off", Type: "memory", Enabled: false})

	route := Route{
		ID:      "orders",
		Enabled: true,
		Rules: []Rule{
			{ID: "r1", Enabled: true, Destinations: []string{"a", "ghost", "off"}},
			{ID: "r2", Enabled: true, Destinations: []string{"ghost"}},
		},
	}

	compiled, err := testLoader(factory).Load(context.Background(), route, catalog)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []string{
		`rule "r1": destination "ghost" not found`,
		`rule "r1": destination "off" is disabled`,
		`rule "r2" has no deliverable destinations`,
	}
	for _, c := range checks {
		if !hasWarning(compiled.Warnings, c) {
			t.Errorf("missing warning %q in %v", c, compiled.Warnings)
		}
	}
	if len(compiled.TargetOrder) != 1 || compiled.TargetOrder[0] != "a" {
		t.Errorf("TargetOrder = %v, want [a]", compiled.TargetOrder)
	}
	if compiled.Targets["a"].Destination == nil {
		t.Error("destination a was not built")
	}
}

func TestLoadWarnsAboutSharedDestinations(t *testing.T) {
	catalog, factory := memoryCatalog("a")
	route := Route{
		ID:      "orders",
		Enabled: true,
		Rules: []Rule{
			{ID: "r1", Enabled: true, Destinations: []string{"a"}},
			{ID: "r2", Enabled: true, Destinations: []string{"a"}},
			{ID: "r3", Enabled: false, Destinations: []string{"a"}},
		},
	}

	compiled, err := testLoader(factory).Load(context.Background(), route, catalog)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !hasWarning(compiled.Warnings, `destination "a" is targeted by rules r1, r2`) {
		t.Errorf("missing duplicate warning in %v", compiled.Warnings)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	catalog, factory := memoryCatalog("a", "dlq")
	catalog = append(catalog, DestinationConfig{ID: "off", Type: "memory", Enabled: false})

	badSize := 0
	tests := []struct {
		name      string
		route     Route
		catalog   []DestinationConfig
		factory   Factory
		condition bool
	}{
		{
			name:  "missing route id",
			route: Route{Enabled: true},
		},
		{
			name: "malformed condition",
			route: Route{ID: "r", Rules: []Rule{
				{ID: "r1", Enabled: true, Condition: "amount >", Destinations: []string{"a"}},
			}},
			condition: true,
		},
		{
			name: "malformed condition in disabled rule",
			route: Route{ID: "r", Rules: []Rule{
				{ID: "r1", Enabled: false, Condition: "(a == 1", Destinations: []string{"a"}},
			}},
			condition: true,
		},
		{
			name: "unknown step type",
			route: Route{ID: "r", Transformations: []transform.StepConfig{
				{Type: "explode"},
			}},
		},
		{
			name: "aggregate not last",
			route: Route{ID: "r", Rules: []Rule{{
				ID:      "r1",
				Enabled: true,
				Transformations: []transform.StepConfig{
					{Type: transform.StepAggregate, Params: map[string]interface{}{
						"aggregations": []interface{}{map[string]interface{}{"function": "count"}},
					}},
					{Type: transform.StepRemoveField, Params: map[string]interface{}{"field": "x"}},
				},
				Destinations: []string{"a"},
			}}},
		},
		{
			name: "duplicate rule id",
			route: Route{ID: "r", Rules: []Rule{
				{ID: "r1", Enabled: true},
				{ID: "r1", Enabled: true},
			}},
		},
		{
			name:  "unknown error destination",
			route: Route{ID: "r", ErrorHandling: ErrorHandling{Mode: ErrorModeFail, ErrorDestination: "nowhere"}},
		},
		{
			name:  "disabled error destination",
			route: Route{ID: "r", ErrorHandling: ErrorHandling{Mode: ErrorModeFail, ErrorDestination: "off"}},
		},
		{
			name:  "invalid error mode",
			route: Route{ID: "r", ErrorHandling: ErrorHandling{Mode: "panic"}},
		},
		{
			name:    "duplicate destination id",
			route:   Route{ID: "r"},
			catalog: append(catalog[:1:1], catalog[0]),
		},
		{
			name: "destination cannot be built",
			route: Route{ID: "r", Rules: []Rule{
				{ID: "r1", Enabled: true, Destinations: []string{"a"}},
			}},
			factory: FactoryFunc(func(context.Context, DestinationConfig) (delivery.Destination, error) {
				return nil, stderrors.New("connection refused")
			}),
		},
		{
			name: "invalid delivery override",
			route: Route{ID: "r", Rules: []Rule{
				{ID: "r1", Enabled: true, Destinations: []string{"bad"}},
			}},
			catalog: []DestinationConfig{{ID: "bad", Type: "memory", Enabled: true, Delivery: &delivery.Overrides{BatchSize: &badSize}}},
			factory: StaticFactory{"bad": delivery.NewMemory()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := tt.catalog
			if cat == nil {
				cat = catalog
			}
			f := tt.factory
			if f == nil {
				f = factory
			}

			compiled, err := testLoader(f).Load(context.Background(), tt.route, cat)
			if err == nil {
				t.Fatal("expected a load error")
			}
			if compiled != nil {
				t.Error("expected no compiled route")
			}
			if !errors.IsType(err, errors.ErrTypeConfig) {
				t.Errorf("expected ConfigError, got %v", err)
			}
			if tt.condition && !errors.IsType(err, errors.ErrTypeCondition) {
				t.Errorf("expected ConditionError in chain, got %v", err)
			}
		})
	}
}

func TestLoadErrorDestination(t *testing.T) {
	catalog, factory := memoryCatalog("a", "dlq")
	route := Route{
		ID:            "orders",
		Enabled:       true,
		Rules:         []Rule{{ID: "r1", Enabled: true, Destinations: []string{"a"}}},
		ErrorHandling: ErrorHandling{Mode: ErrorModeFail, ErrorDestination: "dlq"},
	}

	compiled, err := testLoader(factory).Load(context.Background(), route, catalog)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if compiled.ErrorTarget == nil || compiled.ErrorTarget.ID != "dlq" {
		t.Fatalf("ErrorTarget = %+v", compiled.ErrorTarget)
	}
	if _, ok := compiled.Targets["dlq"]; ok {
		t.Error("error destination must not be a rule target")
	}
}

func TestLoadAppliesDeliveryOverrides(t *testing.T) {
	size := 2
	attempts := 7
	catalog := []DestinationConfig{{
		ID:       "a",
		Type:     "memory",
		Enabled:  true,
		Delivery: &delivery.Overrides{BatchSize: &size, MaxAttempts: &attempts},
	}}
	route := Route{ID: "r", Enabled: true, Rules: []Rule{{ID: "r1", Enabled: true, Destinations: []string{"a"}}}}

	compiled, err := testLoader(StaticFactory{"a": delivery.NewMemory()}).Load(context.Background(), route, catalog)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	policy := compiled.Targets["a"].Policy
	if policy.BatchSize != 2 || policy.MaxAttempts != 7 {
		t.Errorf("policy = %+v", policy)
	}
	if policy.InitialBackoff != delivery.DefaultPolicy().InitialBackoff {
		t.Errorf("InitialBackoff = %v, want default", policy.InitialBackoff)
	}
}

func TestLoadCopiesConfiguration(t *testing.T) {
	var built map[string]interface{}
	factory := FactoryFunc(func(_ context.Context, cfg DestinationConfig) (delivery.Destination, error) {
		built = cfg.Config
		return delivery.NewMemory(), nil
	})

	params := map[string]interface{}{"field": "region", "value": "eu"}
	catalog := []DestinationConfig{{
		ID:      "a",
		Type:    "memory",
		Enabled: true,
		Config:  map[string]interface{}{"path": "/tmp/out", "retries": 3},
	}}
	route := Route{ID: "r", Enabled: true, Rules: []Rule{{
		ID:              "r1",
		Enabled:         true,
		Transformations: []transform.StepConfig{{Type: transform.StepSetField, Params: params}},
		Destinations:    []string{"a"},
	}}}

	compiled, err := testLoader(factory).Load(context.Background(), route, catalog)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	catalog[0].Config["path"] = "/etc/passwd"
	params["value"] = "us"

	if built["path"] != "/tmp/out" {
		t.Errorf("factory config = %v, mutated by caller", built)
	}
	if built["retries"] != 3.0 {
		t.Errorf("retries = %#v, want normalized float64", built["retries"])
	}

	res, err := compiled.Rules[0].Pipeline.Apply(context.Background(), nil, record.Batch{{}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Records[0]["region"] != "eu" {
		t.Errorf("region = %v, want eu", res.Records[0]["region"])
	}
}

func TestCompiledRouteClose(t *testing.T) {
	shared := &closingDestination{Memory: delivery.NewMemory()}
	catalog := []DestinationConfig{
		{ID: "a", Type: "memory", Enabled: true},
		{ID: "dlq", Type: "memory", Enabled: true},
	}
	factory := StaticFactory{"a": shared, "dlq": shared}
	route := Route{
		ID:            "r",
		Enabled:       true,
		Rules:         []Rule{{ID: "r1", Enabled: true, Destinations: []string{"a"}}},
		ErrorHandling: ErrorHandling{Mode: ErrorModeFail, ErrorDestination: "dlq"},
	}

	compiled, err := testLoader(factory).Load(context.Background(), route, catalog)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := compiled.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if shared.closed != 1 {
		t.Errorf("closed %d times, want 1", shared.closed)
	}
}
