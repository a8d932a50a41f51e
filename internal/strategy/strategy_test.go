package strategy

import (
	"errors"
	"testing"

	"quantlab/internal/domain"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct{}

func (stubStrategy) OnBar(_ *Context) error { return nil }

func stubDefinition(id string) Definition {
	return Definition{
		ID:   id,
		Name: id,
		Params: []ParamSpec{
			{Name: "period", Type: ParamInt, Default: 10, Min: 2, Max: 50, Step: 1},
			{Name: "threshold", Type: ParamFloat, Default: 0.5, Min: 0, Max: 1},
			{Name: "mode", Type: ParamChoice, Default: 1, Options: []float64{1, 2, 3}},
			{Name: "short", Type: ParamBool, Default: 0},
		},
		New: func(Params) (Strategy, error) { return stubStrategy{}, nil },
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(stubDefinition("test-strategy"))

	got, ok := r.Get("test-strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	if got.ID != "test-strategy" {
		t.Errorf("Get returned definition with ID = %q, want %q", got.ID, "test-strategy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("Get returned true for unregistered strategy")
	}
	if _, err := r.Lookup("nonexistent"); !errors.Is(err, domain.ErrStrategyNotFound) {
		t.Errorf("Lookup error = %v, want ErrStrategyNotFound", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(stubDefinition("beta"))
	r.Register(stubDefinition("alpha"))

	defs := r.List()
	if len(defs) != 2 {
		t.Fatalf("List returned %d definitions, want 2", len(defs))
	}
	// List returns definitions sorted by ID.
	if defs[0].ID != "alpha" || defs[1].ID != "beta" {
		t.Errorf("List returned %v, %v, want alpha, beta", defs[0].ID, defs[1].ID)
	}
}

func TestResolveDefaults(t *testing.T) {
	p, err := stubDefinition("s").Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Int("period") != 10 || p.Float("threshold") != 0.5 || p.Bool("short") {
		t.Errorf("defaults = %v", p)
	}
}

func TestResolveOverrides(t *testing.T) {
	p, err := stubDefinition("s").Resolve(map[string]float64{"period": 20, "mode": 3, "short": 1})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Int("period") != 20 || p.Int("mode") != 3 || !p.Bool("short") {
		t.Errorf("resolved = %v", p)
	}
}

func TestResolveRejects(t *testing.T) {
	cases := map[string]map[string]float64{
		"unknown":      {"nope": 1},
		"out of range": {"period": 500},
		"not integer":  {"period": 2.5},
		"bad choice":   {"mode": 4},
		"bad bool":     {"short": 2},
	}
	for name, overrides := range cases {
		_, err := stubDefinition("s").Resolve(overrides)
		if !errors.Is(err, domain.ErrInvalidParam) {
			t.Errorf("%s: error = %v, want ErrInvalidParam", name, err)
		}
	}
}

func TestBuildPassesCopy(t *testing.T) {
	var seen Params
	d := stubDefinition("s")
	d.New = func(p Params) (Strategy, error) {
		seen = p
		p["period"] = 99
		return stubStrategy{}, nil
	}
	_, p, err := d.Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if seen == nil || p.Int("period") != 10 {
		t.Errorf("factory mutation leaked into resolved params: %v", p)
	}
}
