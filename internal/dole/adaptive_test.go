package dole

import (
	"math/rand"
	"testing"

	"subspace.ai/internal/ledger"
)

func TestProportionalLaw_DoseBounds(t *testing.T) {
	law := DefaultProportionalLaw()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		in := DoseInput{
			Requested:   rng.Int63n(500),
			Stock:       rng.Int63n(500),
			Dole:        rng.Float64(),
			Carry:       rng.Float64(),
			LastRequest: rng.Int63n(500),
			AvgRequest:  rng.Float64() * 300,
			Debt:        rng.Float64() * 1000,
		}
		out := law.Dose(in)
		if out.Grant < 0 || out.Grant > in.Requested || out.Grant > in.Stock {
			t.Fatalf("grant %d out of bounds for %+v", out.Grant, in)
		}
		if out.Dole < law.MinDole || out.Dole > 1 {
			t.Fatalf("dole %f out of bounds for %+v", out.Dole, in)
		}
		if out.Debt < 0 {
			t.Fatalf("negative debt for %+v", in)
		}
		if out.Carry < 0 || out.Carry >= 1 {
			t.Fatalf("carry %f out of [0,1) for %+v", out.Carry, in)
		}
	}
}

func TestProportionalLaw_CarryAccumulatesFractions(t *testing.T) {
	law := DefaultProportionalLaw()
	// 3 * 0.5 = 1.5: grant 1 and carry 0.5, then 1.5+0.5 = 2.
	out := law.Dose(DoseInput{Requested: 3, Stock: 1000, Dole: 0.5, AvgRequest: 3})
	if out.Grant != 1 || out.Carry != 0.5 {
		t.Fatalf("first dose=%+v", out)
	}
	out = law.Dose(DoseInput{Requested: 3, Stock: 1000, Dole: out.Dole, Carry: out.Carry, LastRequest: 3, AvgRequest: 3})
	if out.Grant != 2 || out.Carry != 0 {
		t.Fatalf("second dose=%+v", out)
	}
}

func TestProportionalLaw_ShortfallBecomesDebtAndIsRepaid(t *testing.T) {
	law := DefaultProportionalLaw()
	out := law.Dose(DoseInput{Requested: 100, Stock: 10, Dole: 1, AvgRequest: 5})
	if out.Grant != 10 {
		t.Fatalf("grant=%d want 10", out.Grant)
	}
	if out.Debt != 90 {
		t.Fatalf("debt=%f want 90", out.Debt)
	}
	if out.Dole >= 1 {
		t.Fatalf("dole did not decay: %f", out.Dole)
	}
	// Plenty of stock: the dose is req*dole, the debt fills the remainder.
	next := law.Dose(DoseInput{Requested: 100, Stock: 10000, Dole: 0.5, LastRequest: 100, AvgRequest: 100, Debt: out.Debt})
	if next.Grant != 100 {
		t.Fatalf("repayment grant=%d want 100", next.Grant)
	}
	if next.Debt != 40 {
		t.Fatalf("debt after repayment=%f want 40", next.Debt)
	}
}

func TestProportionalLaw_SpikeDamping(t *testing.T) {
	law := DefaultProportionalLaw()
	out := law.Dose(DoseInput{Requested: 1000, Stock: 100000, Dole: 1, LastRequest: 10, AvgRequest: 10})
	// Damped to 2*10 = 20.
	if out.Grant != 20 {
		t.Fatalf("grant=%d want 20", out.Grant)
	}
}

func TestProportionalLaw_TickMonotonic(t *testing.T) {
	law := DefaultProportionalLaw()

	dole := law.Initial()
	prev := dole
	for i := 0; i < 50; i++ {
		// Sustained surplus: stock far above demand and growing.
		dole, _ = law.Tick(TickInput{Stock: int64(10000 + i), LastTickStock: int64(9999 + i), Dole: dole, AvgRequest: 10})
		if dole < prev {
			t.Fatalf("surplus tick %d lowered dole %f -> %f", i, prev, dole)
		}
		prev = dole
	}
	if dole < 0.99 {
		t.Fatalf("dole under surplus=%f want ~1", dole)
	}

	for i := 0; i < 50; i++ {
		// Sustained deficit: empty and draining.
		dole, _ = law.Tick(TickInput{Stock: 0, LastTickStock: 5, Dole: dole, AvgRequest: 100})
		if dole > prev {
			t.Fatalf("deficit tick %d raised dole %f -> %f", i, prev, dole)
		}
		prev = dole
	}
	if dole != law.MinDole {
		t.Fatalf("dole under deficit=%f want %f", dole, law.MinDole)
	}
}

func TestWindow_AverageUsesCompletedSlots(t *testing.T) {
	var w window
	if got := w.avgRequest(); got != minAvgDemand {
		t.Fatalf("empty avg=%f", got)
	}
	w.open()
	w.record(100, 0)
	// Only the collecting slot exists.
	if got := w.avgRequest(); got != minAvgDemand {
		t.Fatalf("avg with one slot=%f", got)
	}
	for i := 0; i < 12; i++ {
		w.open()
		w.record(10, 10)
	}
	if w.n != windowDepth {
		t.Fatalf("n=%d want %d", w.n, windowDepth)
	}
	if got := w.avgRequest(); got != 10 {
		t.Fatalf("avg=%f want 10", got)
	}
}

func TestAdaptive_GrantWithinBoundsUnderRandomLoad(t *testing.T) {
	a := NewAdaptive(nil, 0)
	storage := ledger.NewStorage()
	rng := rand.New(rand.NewSource(3))
	names := []string{"iron", "copper", "coal"}
	for step := 0; step < 2000; step++ {
		k := ledger.ItemKey{Force: "A", Name: names[rng.Intn(len(names))]}
		if rng.Intn(3) == 0 {
			_ = storage.Add(k, rng.Int63n(200)+1)
		} else {
			stock := storage.Amount(k)
			req := rng.Int63n(150) + 1
			g := a.Grant(stock, Request{Key: k, Amount: req, InstanceID: string(rune('a' + rng.Intn(4)))})
			if g < 0 || g > req || g > stock {
				t.Fatalf("step %d: grant %d for req %d stock %d", step, g, req, stock)
			}
			storage.Set(k, stock-g)
		}
		if step%10 == 0 {
			a.Tick(storage)
		}
	}
	for _, g := range a.Gauges() {
		if g.Value < DefaultProportionalLaw().MinDole || g.Value > 1 {
			t.Fatalf("gauge out of bounds: %+v", g)
		}
	}
}

func TestAdaptive_MoreGenerousUnderSurplus(t *testing.T) {
	a := NewAdaptive(nil, 0)
	storage := ledger.NewStorage()
	storage.Set(iron, 100000)
	start := a.Dole("iron")
	for i := 0; i < 20; i++ {
		stock := storage.Amount(iron)
		g := a.Grant(stock, Request{Key: iron, Amount: 10, InstanceID: "1"})
		storage.Set(iron, stock-g+20)
		a.Tick(storage)
	}
	if a.Dole("iron") <= start {
		t.Fatalf("dole %f did not rise above %f under surplus", a.Dole("iron"), start)
	}
}

func TestAdaptive_MoreConservativeUnderDeficit(t *testing.T) {
	a := NewAdaptive(nil, 0)
	storage := ledger.NewStorage()
	storage.Set(iron, 5)
	start := a.Dole("iron")
	for i := 0; i < 20; i++ {
		stock := storage.Amount(iron)
		g := a.Grant(stock, Request{Key: iron, Amount: 100, InstanceID: "1"})
		storage.Set(iron, stock-g)
		a.Tick(storage)
	}
	if a.Dole("iron") >= start {
		t.Fatalf("dole %f did not fall below %f under deficit", a.Dole("iron"), start)
	}
}

func TestAdaptive_EvictsIdleState(t *testing.T) {
	a := NewAdaptive(nil, 3)
	storage := ledger.NewStorage()
	a.Grant(0, Request{Key: iron, Amount: 5, InstanceID: "1"})
	a.Grant(0, Request{Key: iron, Amount: 5, InstanceID: "2"})
	if pairs, windows, resources := a.Tracked(); pairs != 2 || windows != 1 || resources != 1 {
		t.Fatalf("tracked=%d,%d,%d", pairs, windows, resources)
	}
	for i := 0; i < 5; i++ {
		a.Tick(storage)
	}
	if pairs, windows, resources := a.Tracked(); pairs != 0 || windows != 0 || resources != 0 {
		t.Fatalf("idle state retained: %d,%d,%d", pairs, windows, resources)
	}
}

func TestAdaptive_StockedKeysStayTracked(t *testing.T) {
	a := NewAdaptive(nil, 3)
	storage := ledger.NewStorage()
	storage.Set(iron, 50)
	for i := 0; i < 10; i++ {
		a.Tick(storage)
	}
	if _, windows, resources := a.Tracked(); windows != 1 || resources != 1 {
		t.Fatalf("stocked key evicted: windows=%d resources=%d", windows, resources)
	}
}
