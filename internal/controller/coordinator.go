package controller

import (
	"cmp"
	"fmt"
	"log"
	"math"
	"slices"

	"subspace.ai/internal/dole"
	"subspace.ai/internal/ledger"
)

// Instance identifies the requester of a transfer.
type Instance struct {
	ID   string
	Name string
}

// Flow is the cumulative traffic between one instance and the controller
// for one resource name. Exported counts deposits into the controller,
// Imported counts grants back to the instance.
type Flow struct {
	InstanceID   string
	InstanceName string
	Name         string
	Exported     int64
	Imported     int64
}

type flowKey struct {
	instanceID string
	name       string
}

// TransferResult is the outcome of one transfer batch.
type TransferResult struct {
	Deposited []ledger.Count
	Requested []ledger.Count
	Granted   []ledger.Count
}

// Changed reports whether the batch mutated the ledger.
func (r TransferResult) Changed() bool { return len(r.Deposited) > 0 || len(r.Granted) > 0 }

// Coordinator applies deposits and withdrawals to the storage ledger. It
// is the only writer of the ledger and must be used from one goroutine.
type Coordinator struct {
	storage *ledger.Storage
	policy  dole.Policy
	flows   map[flowKey]*Flow
	logger  *log.Logger
	verbose bool
}

func NewCoordinator(storage *ledger.Storage, policy dole.Policy, logger *log.Logger, verbose bool) *Coordinator {
	if storage == nil {
		storage = ledger.NewStorage()
	}
	return &Coordinator{
		storage: storage,
		policy:  policy,
		flows:   map[flowKey]*Flow{},
		logger:  logger,
		verbose: verbose,
	}
}

func (c *Coordinator) Storage() *ledger.Storage { return c.storage }
func (c *Coordinator) Policy() dole.Policy      { return c.policy }

// SetPolicy switches the division policy. Callers switch between batches,
// never inside one.
func (c *Coordinator) SetPolicy(p dole.Policy) { c.policy = p }

// Deposit adds amount to key.
func (c *Coordinator) Deposit(inst Instance, key ledger.ItemKey, amount int64) error {
	if err := c.storage.Add(key, amount); err != nil {
		return fmt.Errorf("deposit %s: %w", key, err)
	}
	f := c.flow(inst, key.Name)
	f.Exported = saturatingAdd(f.Exported, amount)
	if c.verbose {
		c.logf("deposit %s x%d from %s", key, amount, inst.label())
	}
	return nil
}

// Withdraw processes reqs in order through the active policy, debits the
// ledger by each grant and returns the non-zero grants.
func (c *Coordinator) Withdraw(reqs []dole.Request) ([]ledger.Count, error) {
	if c.policy == nil {
		return nil, dole.ErrUnknownMethod
	}
	var granted []ledger.Count
	for _, r := range reqs {
		if r.Amount <= 0 {
			continue
		}
		stock := c.storage.Amount(r.Key)
		g := max(min(c.policy.Grant(stock, r), stock, r.Amount), 0)
		if c.verbose {
			c.logf("%s: %s requested %s x%d, stock %d, granted %d", c.policy.Method(), Instance{ID: r.InstanceID, Name: r.InstanceName}.label(), r.Key, r.Amount, stock, g)
		}
		if g == 0 {
			continue
		}
		c.storage.Set(r.Key, stock-g)
		f := c.flow(Instance{ID: r.InstanceID, Name: r.InstanceName}, r.Key.Name)
		f.Imported = saturatingAdd(f.Imported, g)
		granted = append(granted, ledger.Count{ItemKey: r.Key, Count: g})
	}
	return granted, nil
}

// Transfer applies one batch: positive counts are deposits, negative counts
// withdrawal requests for the absolute amount. Deposits apply first, then
// withdrawals in input order.
func (c *Coordinator) Transfer(inst Instance, items []ledger.Count) (TransferResult, error) {
	var res TransferResult
	if err := c.checkDeposits(items); err != nil {
		return res, err
	}
	var reqs []dole.Request
	for _, it := range items {
		switch {
		case it.Count > 0:
			if err := c.Deposit(inst, it.ItemKey, it.Count); err != nil {
				return res, err
			}
			res.Deposited = append(res.Deposited, it)
		case it.Count < 0:
			reqs = append(reqs, dole.Request{Key: it.ItemKey, Amount: -it.Count, InstanceID: inst.ID, InstanceName: inst.Name})
			res.Requested = append(res.Requested, ledger.Count{ItemKey: it.ItemKey, Count: -it.Count})
		}
	}
	if len(reqs) == 0 {
		return res, nil
	}
	granted, err := c.Withdraw(reqs)
	if err != nil {
		return res, err
	}
	res.Granted = granted
	return res, nil
}

// checkDeposits rejects a batch whose deposits would overflow a ledger
// entry, before any of them is applied.
func (c *Coordinator) checkDeposits(items []ledger.Count) error {
	sums := map[ledger.ItemKey]int64{}
	for _, it := range items {
		if it.Count <= 0 {
			continue
		}
		prev := sums[it.ItemKey]
		if prev > math.MaxInt64-it.Count || !c.storage.CanAdd(it.ItemKey, prev+it.Count) {
			return fmt.Errorf("deposit %s: %w", it.ItemKey, ledger.ErrOverflow)
		}
		sums[it.ItemKey] = prev + it.Count
	}
	return nil
}

// Tick drives the self-tuning step of policies that have one.
func (c *Coordinator) Tick() {
	if t, ok := c.policy.(dole.Ticker); ok {
		t.Tick(c.storage)
	}
}

// Gauges returns the policy's internal measurements, if it reports any.
func (c *Coordinator) Gauges() []dole.Gauge {
	if g, ok := c.policy.(dole.GaugeReporter); ok {
		return g.Gauges()
	}
	return nil
}

// Flows returns the provenance counters ordered by instance then resource.
func (c *Coordinator) Flows() []Flow {
	out := make([]Flow, 0, len(c.flows))
	for _, f := range c.flows {
		out = append(out, *f)
	}
	slices.SortFunc(out, func(a, b Flow) int {
		return cmp.Or(cmp.Compare(a.InstanceID, b.InstanceID), cmp.Compare(a.Name, b.Name))
	})
	return out
}

func (c *Coordinator) flow(inst Instance, name string) *Flow {
	k := flowKey{instanceID: inst.ID, name: name}
	f := c.flows[k]
	if f == nil {
		f = &Flow{InstanceID: inst.ID, InstanceName: inst.Name, Name: name}
		c.flows[k] = f
	}
	if inst.Name != "" {
		f.InstanceName = inst.Name
	}
	return f
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (i Instance) label() string {
	if i.Name == "" {
		return i.ID
	}
	return fmt.Sprintf("%s (%s)", i.Name, i.ID)
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
