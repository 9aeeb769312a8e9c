// Package dole implements the division policies that decide how much of a
// withdrawal request is granted when stock is contended.
//
// Policies never touch the ledger. They are handed the current stock of the
// requested key and return the grant; the caller performs the debit.
package dole

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"subspace.ai/internal/ledger"
)

var ErrUnknownMethod = errors.New("dole: unknown division method")

// Method is the closed set of division policies.
type Method int

const (
	MethodSimple Method = iota + 1
	MethodDole
	MethodNeuralDole
)

func (m Method) String() string {
	switch m {
	case MethodSimple:
		return "simple"
	case MethodDole:
		return "dole"
	case MethodNeuralDole:
		return "neural_dole"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod maps a configuration tag to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return MethodSimple, nil
	case "dole":
		return MethodDole, nil
	case "neural_dole":
		return MethodNeuralDole, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Request is one withdrawal request line.
type Request struct {
	Key          ledger.ItemKey
	Amount       int64
	InstanceID   string
	InstanceName string
}

// Policy answers how much of r may be granted from stock. Implementations
// must return a value in [0, min(r.Amount, stock)].
type Policy interface {
	Method() Method
	Grant(stock int64, r Request) int64
}

// Ticker is implemented by policies that self-tune on a fixed interval
// independent of requests.
type Ticker interface {
	Tick(stock *ledger.Storage)
}

// Gauge is one per-resource policy measurement for metrics export.
type Gauge struct {
	Metric   string
	Resource string
	Value    float64
}

// GaugeReporter is implemented by policies that expose internal state.
type GaugeReporter interface {
	Gauges() []Gauge
}

type Options struct {
	Logger *log.Logger
	// Verbose logs every division decision.
	Verbose bool
	// Law is the adaptive control law. Nil means ProportionalLaw defaults.
	Law ControlLaw
	// RetainTicks bounds adaptive per-requester and per-key state.
	RetainTicks uint64
}

// New builds the policy for m.
func New(m Method, opts Options) (Policy, error) {
	switch m {
	case MethodSimple:
		return Greedy{}, nil
	case MethodDole:
		return NewBackoff(opts.Logger, opts.Verbose), nil
	case MethodNeuralDole:
		return NewAdaptive(opts.Law, opts.RetainTicks), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
	}
}

// Greedy grants as much as is in stock. The first requester of a batch can
// exhaust the stock.
type Greedy struct{}

func (Greedy) Method() Method { return MethodSimple }

func (Greedy) Grant(stock int64, r Request) int64 {
	return clampGrant(r.Amount, stock, r.Amount)
}

func clampGrant(grant, stock, requested int64) int64 {
	grant = min(grant, stock, requested)
	if grant < 0 {
		return 0
	}
	return grant
}
