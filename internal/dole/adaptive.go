package dole

import (
	"cmp"
	"maps"
	"slices"

	"subspace.ai/internal/ledger"
)

const (
	windowDepth  = 10
	avgSamples   = 5
	minAvgDemand = 0.1

	DefaultRetainTicks = 600
)

type sample struct {
	req   int64
	given int64
}

// window is a ring of per-tick samples. Slot 0 (the newest) collects the
// current tick; averages use completed slots only.
type window struct {
	buf      [windowDepth]sample
	head     int
	n        int
	lastSeen uint64
}

func (w *window) open() {
	w.head = (w.head + windowDepth - 1) % windowDepth
	w.buf[w.head] = sample{}
	if w.n < windowDepth {
		w.n++
	}
}

// at returns the i-th newest slot.
func (w *window) at(i int) *sample {
	return &w.buf[(w.head+i)%windowDepth]
}

func (w *window) record(req, given int64) {
	if w.n == 0 {
		return
	}
	s := w.at(0)
	s.req += req
	s.given += given
}

// avgRequest averages the requested amount over up to avgSamples completed
// slots, with a floor for empty history.
func (w *window) avgRequest() float64 {
	n := min(avgSamples, w.n-1)
	if n < 1 {
		return minAvgDemand
	}
	var sum int64
	for i := 1; i <= n; i++ {
		sum += w.at(i).req
	}
	if sum == 0 {
		return minAvgDemand
	}
	return float64(sum) / float64(n)
}

type pairKey struct {
	name     string
	instance string
}

type pairState struct {
	carry       float64
	debt        float64
	lastRequest int64
	lastSeen    uint64
}

type resourceState struct {
	dole     float64
	gauge    float64
	lastSeen uint64
}

// Adaptive is the feedback ("neural dole") policy. A control law sizes each
// grant from per-resource dole levels, per-requester carry and debt, and a
// rolling request window; Tick retunes the dole levels.
//
// State untouched for retainTicks ticks is evicted.
type Adaptive struct {
	law         ControlLaw
	retainTicks uint64
	tick        uint64

	resources map[string]*resourceState
	pairs     map[pairKey]*pairState
	windows   map[ledger.ItemKey]*window
	lastTick  map[ledger.ItemKey]int64
}

func NewAdaptive(law ControlLaw, retainTicks uint64) *Adaptive {
	if law == nil {
		law = DefaultProportionalLaw()
	}
	if retainTicks == 0 {
		retainTicks = DefaultRetainTicks
	}
	return &Adaptive{
		law:         law,
		retainTicks: retainTicks,
		resources:   map[string]*resourceState{},
		pairs:       map[pairKey]*pairState{},
		windows:     map[ledger.ItemKey]*window{},
		lastTick:    map[ledger.ItemKey]int64{},
	}
}

func (a *Adaptive) Method() Method { return MethodNeuralDole }

// Dole returns the current dole level of a resource name.
func (a *Adaptive) Dole(name string) float64 {
	if rs := a.resources[name]; rs != nil {
		return rs.dole
	}
	return a.law.Initial()
}

func (a *Adaptive) resource(name string) *resourceState {
	rs := a.resources[name]
	if rs == nil {
		d0 := a.law.Initial()
		rs = &resourceState{dole: d0, gauge: d0}
		a.resources[name] = rs
	}
	rs.lastSeen = a.tick
	return rs
}

func (a *Adaptive) Grant(stock int64, r Request) int64 {
	rs := a.resource(r.Key.Name)
	pk := pairKey{name: r.Key.Name, instance: r.InstanceID}
	ps := a.pairs[pk]
	if ps == nil {
		ps = &pairState{}
		a.pairs[pk] = ps
	}
	ps.lastSeen = a.tick

	w := a.windows[r.Key]
	if w == nil {
		w = &window{}
		a.windows[r.Key] = w
	}
	w.lastSeen = a.tick
	out := a.law.Dose(DoseInput{
		Requested:     r.Amount,
		Stock:         stock,
		LastTickStock: a.lastTick[r.Key],
		Dole:          rs.dole,
		Carry:         ps.carry,
		LastRequest:   ps.lastRequest,
		AvgRequest:    w.avgRequest(),
		Debt:          ps.debt,
	})
	grant := clampGrant(out.Grant, stock, r.Amount)
	w.record(r.Amount, grant)

	ps.lastRequest = r.Amount
	ps.carry = out.Carry
	ps.debt = out.Debt
	rs.dole = out.Dole
	return grant
}

// Tick opens a new stats slot for every stocked or recently requested key,
// retunes each resource's dole level from aggregate stock, trend and
// demand, and evicts stale state.
func (a *Adaptive) Tick(stock *ledger.Storage) {
	a.tick++

	type agg struct {
		stock, last int64
		avg         float64
	}
	byName := map[string]*agg{}
	var names []string
	add := func(k ledger.ItemKey, count int64) {
		w := a.windows[k]
		if w == nil {
			w = &window{}
			a.windows[k] = w
		}
		g := byName[k.Name]
		if g == nil {
			g = &agg{}
			byName[k.Name] = g
			names = append(names, k.Name)
		}
		g.stock += count
		g.last += a.lastTick[k]
		g.avg += w.avgRequest()
		w.open()
		if count > 0 {
			w.lastSeen = a.tick
		}
	}

	seen := map[ledger.ItemKey]bool{}
	for k, count := range stock.All() {
		seen[k] = true
		add(k, count)
	}
	for _, k := range slices.SortedFunc(maps.Keys(a.windows), compareKeys) {
		if !seen[k] {
			add(k, 0)
		}
	}
	for name := range a.resources {
		if byName[name] == nil {
			byName[name] = &agg{avg: minAvgDemand}
			names = append(names, name)
		}
	}

	for _, name := range names {
		g := byName[name]
		rs := a.resources[name]
		if rs == nil {
			rs = &resourceState{dole: a.law.Initial(), lastSeen: a.tick}
			a.resources[name] = rs
		}
		if g.stock > 0 {
			rs.lastSeen = a.tick
		}
		rs.dole, rs.gauge = a.law.Tick(TickInput{
			Stock:         g.stock,
			LastTickStock: g.last,
			Dole:          rs.dole,
			AvgRequest:    g.avg,
		})
	}

	clear(a.lastTick)
	for k, count := range stock.All() {
		a.lastTick[k] = count
	}
	a.evict()
}

func (a *Adaptive) evict() {
	if a.tick <= a.retainTicks {
		return
	}
	cutoff := a.tick - a.retainTicks
	for k, ps := range a.pairs {
		if ps.lastSeen < cutoff {
			delete(a.pairs, k)
		}
	}
	for k, w := range a.windows {
		if w.lastSeen < cutoff {
			delete(a.windows, k)
		}
	}
	for name, rs := range a.resources {
		if rs.lastSeen < cutoff {
			delete(a.resources, name)
		}
	}
}

// Tracked reports the number of retained requester pairs, stats windows and
// resources.
func (a *Adaptive) Tracked() (pairs, windows, resources int) {
	return len(a.pairs), len(a.windows), len(a.resources)
}

func (a *Adaptive) Gauges() []Gauge {
	out := make([]Gauge, 0, len(a.resources))
	for _, name := range slices.Sorted(maps.Keys(a.resources)) {
		out = append(out, Gauge{Metric: "nn_dole", Resource: name, Value: a.resources[name].gauge})
	}
	return out
}

func compareKeys(x, y ledger.ItemKey) int {
	return cmp.Or(
		cmp.Compare(x.Force, y.Force),
		cmp.Compare(x.X, y.X),
		cmp.Compare(x.Y, y.Y),
		cmp.Compare(x.Name, y.Name),
	)
}
