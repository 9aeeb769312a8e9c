package controller

import (
	"context"
	"encoding/json"

	"subspace.ai/internal/dole"
	"subspace.ai/internal/ledger"
	"subspace.ai/internal/persistence/journal"
	"subspace.ai/internal/protocol"
	"subspace.ai/internal/research"
)

type joinReq struct {
	Sub  Subscriber
	Resp chan Welcome
}

// Welcome is what a session learns about the controller when it joins.
type Welcome struct {
	Method           dole.Method
	BroadcastMaxRate float64
}

type leaveReq struct {
	ID string
}

type transferReq struct {
	// Ctx is the caller's context. The loop skips the batch if it is
	// already done when the request is dequeued.
	Ctx      context.Context
	Instance Instance
	Items    []ledger.Count
	Resp     chan transferResp
}

type transferResp struct {
	Granted []ledger.Count
	Err     error
}

// Ledger selects which spatial ledger a read targets.
type Ledger int

const (
	LedgerStorage Ledger = iota
	LedgerEndpoints
)

type getReq struct {
	Ledger Ledger
	Resp   chan []ledger.Count
}

type subscribeReq struct {
	ID   string
	On   bool
	Resp chan error
}

type placeReq struct {
	Instance Instance
	Items    []ledger.Count
}

type contributionReq struct {
	Force        string
	Name         string
	Level        int
	Contribution float64
}

type finishedReq struct {
	Force string
	Name  string
	Level int
}

type syncReq struct {
	Techs []research.Tech
	Resp  chan []research.Tech
}

type saveReq struct {
	Resp chan int
}

type metricsReq struct {
	Resp chan Metrics
}

type methodReq struct {
	Method dole.Method
	Resp   chan error
}

// exchange queues q and waits for the loop's answer on resp.
func exchange[R any](ctx context.Context, c *Controller, q any, resp <-chan R) (R, error) {
	var zero R
	select {
	case c.inbox <- q:
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-resp:
		return r, nil
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// settle is exchange for requests that move items. Once the loop has taken
// q the caller waits for its answer even if ctx ends, so a batch is either
// skipped by the loop or applied and reported, never applied and dropped.
func settle[R any](ctx context.Context, c *Controller, q any, resp <-chan R) (R, error) {
	var zero R
	select {
	case c.inbox <- q:
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-resp:
		return r, nil
	case <-c.done:
		return zero, ErrStopped
	}
}

// post enqueues an event that has no reply.
func post(ctx context.Context, c *Controller, q any) error {
	select {
	case c.inbox <- q:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join registers a connected session.
func (c *Controller) Join(ctx context.Context, sub Subscriber) (Welcome, error) {
	resp := make(chan Welcome, 1)
	return exchange(ctx, c, joinReq{Sub: sub, Resp: resp}, resp)
}

// Leave drops a disconnected session. It never blocks on a stopped loop.
func (c *Controller) Leave(id string) {
	select {
	case c.inbox <- leaveReq{ID: id}:
	case <-c.done:
	}
}

// Transfer applies a batch of deposits (positive counts) and withdrawal
// requests (negative counts) and returns the non-zero grants.
func (c *Controller) Transfer(ctx context.Context, inst Instance, items []ledger.Count) ([]ledger.Count, error) {
	resp := make(chan transferResp, 1)
	r, err := settle(ctx, c, transferReq{Ctx: ctx, Instance: inst, Items: items, Resp: resp}, resp)
	if err != nil {
		return nil, err
	}
	return r.Granted, r.Err
}

// Serialize returns the full contents of one ledger in structural order.
func (c *Controller) Serialize(ctx context.Context, l Ledger) ([]ledger.Count, error) {
	resp := make(chan []ledger.Count, 1)
	return exchange(ctx, c, getReq{Ledger: l, Resp: resp}, resp)
}

// Subscribe toggles change events for a control session. Unsubscribing a
// session that is not subscribed returns ErrNotSubscribed.
func (c *Controller) Subscribe(ctx context.Context, id string, on bool) error {
	resp := make(chan error, 1)
	err, xerr := exchange(ctx, c, subscribeReq{ID: id, On: on, Resp: resp}, resp)
	if xerr != nil {
		return xerr
	}
	return err
}

// PlaceEndpoints applies signed endpoint deltas.
func (c *Controller) PlaceEndpoints(ctx context.Context, inst Instance, items []ledger.Count) error {
	return post(ctx, c, placeReq{Instance: inst, Items: items})
}

func (c *Controller) ContributeResearch(ctx context.Context, force, name string, level int, contribution float64) error {
	return post(ctx, c, contributionReq{Force: force, Name: name, Level: level, Contribution: contribution})
}

func (c *Controller) FinishResearch(ctx context.Context, force, name string, level int) error {
	return post(ctx, c, finishedReq{Force: force, Name: name, Level: level})
}

// SyncTechnologies merges an instance's technology state and returns the
// merged list.
func (c *Controller) SyncTechnologies(ctx context.Context, techs []research.Tech) ([]research.Tech, error) {
	resp := make(chan []research.Tech, 1)
	return exchange(ctx, c, syncReq{Techs: techs, Resp: resp}, resp)
}

// RequestSave queues a save of every dirty ledger and returns how many
// documents were queued.
func (c *Controller) RequestSave(ctx context.Context) (int, error) {
	resp := make(chan int, 1)
	return exchange(ctx, c, saveReq{Resp: resp}, resp)
}

func (c *Controller) Metrics(ctx context.Context) (Metrics, error) {
	resp := make(chan Metrics, 1)
	return exchange(ctx, c, metricsReq{Resp: resp}, resp)
}

// SetMethod switches the division policy between batches. Policy state
// starts fresh.
func (c *Controller) SetMethod(ctx context.Context, m dole.Method) error {
	resp := make(chan error, 1)
	err, xerr := exchange(ctx, c, methodReq{Method: m, Resp: resp}, resp)
	if xerr != nil {
		return xerr
	}
	return err
}

func (c *Controller) handleJoin(req joinReq) {
	c.registry.Add(req.Sub)
	req.Resp <- Welcome{Method: c.coord.Policy().Method(), BroadcastMaxRate: c.cfg.BroadcastMaxRate}
}

func (c *Controller) handleTransfer(req transferReq) {
	if req.Ctx != nil && req.Ctx.Err() != nil {
		req.Resp <- transferResp{Err: req.Ctx.Err()}
		return
	}
	res, err := c.coord.Transfer(req.Instance, req.Items)
	if res.Changed() {
		c.storageBC.Activate()
		c.record(req.Instance, res)
	}
	req.Resp <- transferResp{Granted: res.Granted, Err: err}
}

func (c *Controller) record(inst Instance, res TransferResult) {
	if c.journal == nil && c.index == nil {
		return
	}
	e := journal.Entry{
		Time:         c.now().UTC(),
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		Method:       c.coord.Policy().Method().String(),
		Deposited:    res.Deposited,
		Requested:    res.Requested,
		Granted:      res.Granted,
	}
	if c.journal != nil {
		if err := c.journal.WriteTransfer(e); err != nil {
			c.logger.Printf("journal: %v", err)
		}
	}
	if c.index != nil {
		c.index.RecordTransfer(e)
	}
}

func (c *Controller) handleGet(req getReq) {
	switch req.Ledger {
	case LedgerEndpoints:
		req.Resp <- c.endpoints.Serialize()
	default:
		req.Resp <- c.coord.Storage().Serialize()
	}
}

func (c *Controller) handleSubscribe(req subscribeReq) {
	if req.On {
		c.registry.Subscribe(req.ID)
		req.Resp <- nil
		return
	}
	err := c.registry.Unsubscribe(req.ID)
	if err != nil {
		c.logger.Printf("unsubscribe %s: %v", req.ID, err)
	}
	req.Resp <- err
}

func (c *Controller) handlePlace(req placeReq) {
	changed := false
	for _, it := range req.Items {
		if it.Count == 0 {
			continue
		}
		delta := it.Count
		c.endpoints.Update(it.ItemKey, func(v int64) int64 { return v + delta })
		changed = true
	}
	if !changed {
		return
	}
	if c.cfg.LogTransfers {
		c.logger.Printf("endpoints: %d placement deltas from %s", len(req.Items), req.Instance.label())
	}
	c.endpointsBC.Activate()
}

func (c *Controller) handleContribution(req contributionReq) {
	progressed, fin := c.research.Contribute(req.Force, req.Name, req.Level, req.Contribution)
	if fin != nil {
		c.announceFinished(*fin)
	}
	if progressed {
		c.researchBC.Activate()
	}
}

func (c *Controller) handleFinished(req finishedReq) {
	if fin := c.research.Finish(req.Force, req.Name, req.Level); fin != nil {
		c.announceFinished(*fin)
	}
}

func (c *Controller) handleSync(req syncReq) {
	all, finished := c.research.Sync(req.Techs)
	for _, f := range finished {
		c.announceFinished(f)
	}
	if c.research.Pending() {
		c.researchBC.Activate()
	}
	req.Resp <- all
}

func (c *Controller) handleMethod(m dole.Method) error {
	if m == c.coord.Policy().Method() {
		return nil
	}
	p, err := c.buildPolicy(m)
	if err != nil {
		return err
	}
	c.coord.SetPolicy(p)
	c.logger.Printf("division method set to %s", m)
	return nil
}

func (c *Controller) announceFinished(f research.Finished) {
	if err := c.fanout(protocol.NewFinished(f)); err != nil {
		c.logger.Printf("research finished %s/%s: %v", f.Force, f.Name, err)
	}
}

func (c *Controller) emitStorage() error {
	diff := ledger.Diff(c.coord.Storage(), c.storageSnap)
	if len(diff) == 0 {
		return nil
	}
	if err := c.fanout(protocol.NewItems(protocol.TypeUpdateStorage, "", diff)); err != nil {
		return err
	}
	c.storageSnap = c.coord.Storage().Clone()
	return nil
}

func (c *Controller) emitEndpoints() error {
	diff := ledger.Diff(c.endpoints, c.endpointsSnap)
	if len(diff) == 0 {
		return nil
	}
	if err := c.fanout(protocol.NewItems(protocol.TypeUpdateEndpoints, "", diff)); err != nil {
		return err
	}
	c.endpointsSnap = c.endpoints.Clone()
	return nil
}

func (c *Controller) emitResearch() error {
	techs := c.research.DrainProgress()
	if len(techs) == 0 {
		return nil
	}
	return c.fanout(protocol.TechnologiesMsg{
		Type:            protocol.TypeResearchProgress,
		ProtocolVersion: protocol.Version,
		Technologies:    techs,
	})
}

// fanout sends v to every change-event target. A session whose send
// buffer is full is disconnected.
func (c *Controller) fanout(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for _, s := range c.registry.Targets() {
		if s.Send(b) {
			continue
		}
		c.logger.Printf("session %s: send buffer full, disconnecting", s.ID())
		c.registry.Drop(s.ID())
		s.Kick("slow consumer")
	}
	return nil
}
