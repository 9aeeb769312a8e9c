package dole

import (
	"errors"
	"testing"

	"subspace.ai/internal/ledger"
)

var iron = ledger.ItemKey{Force: "A", Name: "iron"}

func TestParseMethod(t *testing.T) {
	cases := []struct {
		in   string
		want Method
	}{
		{"simple", MethodSimple},
		{"dole", MethodDole},
		{" Neural_Dole ", MethodNeuralDole},
	}
	for _, tc := range cases {
		got, err := ParseMethod(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseMethod(%q)=%v,%v want %v", tc.in, got, err, tc.want)
		}
		if back, _ := ParseMethod(got.String()); back != got {
			t.Fatalf("String round trip: %v", got)
		}
	}
	if _, err := ParseMethod("fair_share"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("err=%v want ErrUnknownMethod", err)
	}
}

func TestNew_UnknownMethod(t *testing.T) {
	if _, err := New(Method(0), Options{}); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("err=%v want ErrUnknownMethod", err)
	}
	for _, m := range []Method{MethodSimple, MethodDole, MethodNeuralDole} {
		p, err := New(m, Options{})
		if err != nil {
			t.Fatalf("New(%s): %v", m, err)
		}
		if p.Method() != m {
			t.Fatalf("Method()=%s want %s", p.Method(), m)
		}
	}
}

func TestGreedy_GrantsUpToStock(t *testing.T) {
	var g Greedy
	if got := g.Grant(100, Request{Key: iron, Amount: 150}); got != 100 {
		t.Fatalf("grant=%d want 100", got)
	}
	if got := g.Grant(100, Request{Key: iron, Amount: 40}); got != 40 {
		t.Fatalf("grant=%d want 40", got)
	}
	if got := g.Grant(0, Request{Key: iron, Amount: 40}); got != 0 {
		t.Fatalf("grant=%d want 0", got)
	}
}

func TestBackoff_Scenario(t *testing.T) {
	b := NewBackoff(nil, false)
	if got := b.Grant(10, Request{Key: iron, Amount: 10}); got != 10 {
		t.Fatalf("first grant=%d want 10", got)
	}
	if f := b.Factor("iron"); f != 0 {
		t.Fatalf("factor=%d want 0", f)
	}
	if got := b.Grant(0, Request{Key: iron, Amount: 10}); got != 0 {
		t.Fatalf("second grant=%d want 0", got)
	}
	if f := b.Factor("iron"); f != 2 {
		t.Fatalf("factor=%d want 2", f)
	}
}

func TestBackoff_EffectiveRequestShrinksWithFactor(t *testing.T) {
	b := NewBackoff(nil, false)
	b.factors["iron"] = 10
	// 100 / ((10+10)/10) = 50
	if got := b.Grant(1000, Request{Key: iron, Amount: 100}); got != 50 {
		t.Fatalf("grant=%d want 50", got)
	}
	if f := b.Factor("iron"); f != 9 {
		t.Fatalf("factor=%d want 9", f)
	}
}

func TestBackoff_SaturatesWithinEightShortfalls(t *testing.T) {
	b := NewBackoff(nil, false)
	for i := 0; i < 8; i++ {
		if got := b.Grant(0, Request{Key: iron, Amount: 1000}); got != 0 {
			t.Fatalf("shortfall %d granted %d", i, got)
		}
	}
	if f := b.Factor("iron"); f != backoffMaxFactor {
		t.Fatalf("factor=%d want %d", f, backoffMaxFactor)
	}
	b.Grant(0, Request{Key: iron, Amount: 1000})
	if f := b.Factor("iron"); f != backoffMaxFactor {
		t.Fatalf("factor exceeded ceiling: %d", f)
	}
}

func TestBackoff_ConvergesToZero(t *testing.T) {
	b := NewBackoff(nil, false)
	b.factors["iron"] = backoffMaxFactor
	for i := 0; i < backoffMaxFactor; i++ {
		b.Grant(1_000_000, Request{Key: iron, Amount: 10})
	}
	if f := b.Factor("iron"); f != 0 {
		t.Fatalf("factor=%d want 0", f)
	}
	b.Grant(1_000_000, Request{Key: iron, Amount: 10})
	if f := b.Factor("iron"); f != 0 {
		t.Fatalf("factor went below floor: %d", f)
	}
}

func TestBackoff_FactorsArePerResourceName(t *testing.T) {
	b := NewBackoff(nil, false)
	b.Grant(0, Request{Key: iron, Amount: 10})
	otherBucket := ledger.ItemKey{Force: "B", X: 3, Y: 4, Name: "iron"}
	if f := b.Factor(otherBucket.Name); f != 2 {
		t.Fatalf("factor=%d want 2 (shared across groups and buckets)", f)
	}
	if f := b.Factor("copper"); f != 0 {
		t.Fatalf("copper factor=%d want 0", f)
	}
	gs := b.Gauges()
	if len(gs) != 1 || gs[0].Resource != "iron" || gs[0].Value != 2 {
		t.Fatalf("gauges=%+v", gs)
	}
}

func TestBackoff_IndependentInstances(t *testing.T) {
	a := NewBackoff(nil, false)
	b := NewBackoff(nil, false)
	a.Grant(0, Request{Key: iron, Amount: 10})
	if f := b.Factor("iron"); f != 0 {
		t.Fatalf("state leaked across policy instances: %d", f)
	}
}
