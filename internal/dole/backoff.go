package dole

import (
	"log"
	"maps"
	"math"
	"slices"
)

const (
	// backoffRetardation scales the factor: effective = n / ((f+10)/10).
	backoffRetardation = 10
	backoffMaxFactor   = 250
)

// Backoff is the exponential-backoff ("dole") policy. It keeps one division
// factor per resource name. Any shortfall doubles the factor and grants
// nothing; any fully served request lowers it by one.
type Backoff struct {
	factors map[string]int
	logger  *log.Logger
	verbose bool
}

func NewBackoff(logger *log.Logger, verbose bool) *Backoff {
	return &Backoff{
		factors: map[string]int{},
		logger:  logger,
		verbose: verbose,
	}
}

func (b *Backoff) Method() Method { return MethodDole }

// Factor returns the current division factor for a resource name.
func (b *Backoff) Factor(name string) int { return b.factors[name] }

func (b *Backoff) Grant(stock int64, r Request) int64 {
	f := b.factors[r.Key.Name]
	divisor := float64(f+backoffRetardation) / backoffRetardation
	effective := int64(math.Floor(float64(r.Amount)/divisor + 0.5))
	if effective < 0 {
		effective = 0
	}
	if b.verbose && b.logger != nil {
		state := "short"
		if stock >= effective {
			state = "stocked"
		}
		b.logger.Printf("dole: serving %d/%d %s from %d with factor %d (real=%.1f), item is %s",
			effective, r.Amount, r.Key.Name, stock, f, divisor, state)
	}

	if stock >= effective {
		b.factors[r.Key.Name] = max(f, 1) - 1
		return clampGrant(effective, stock, r.Amount)
	}
	b.factors[r.Key.Name] = min(backoffMaxFactor, max(f, 1)*2)
	return 0
}

func (b *Backoff) Gauges() []Gauge {
	out := make([]Gauge, 0, len(b.factors))
	for _, name := range slices.Sorted(maps.Keys(b.factors)) {
		out = append(out, Gauge{Metric: "dole_factor", Resource: name, Value: float64(b.factors[name])})
	}
	return out
}
