// Package controller owns the shared storage ledger. A single goroutine
// (Run) serializes every mutation; transports talk to it through request
// channels.
package controller

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"subspace.ai/internal/dole"
	"subspace.ai/internal/ledger"
	"subspace.ai/internal/persistence/journal"
	"subspace.ai/internal/research"
)

var ErrStopped = errors.New("controller: stopped")

type Config struct {
	DataDir string
	Method  dole.Method
	// LogTransfers logs every deposit, grant and division decision.
	LogTransfers     bool
	BroadcastMaxRate float64
	DoleTick         time.Duration
	SaveInterval     time.Duration
	MaxSaveBytes     int64
	RetainTicks      uint64
}

func (c Config) withDefaults() Config {
	if c.BroadcastMaxRate <= 0 {
		c.BroadcastMaxRate = 1
	}
	if c.DoleTick <= 0 {
		c.DoleTick = time.Second
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = time.Minute
	}
	return c
}

// TransferJournal is the append-only transfer log. Optional.
type TransferJournal interface {
	WriteTransfer(e journal.Entry) error
}

// TransferIndex receives transfer entries for aggregation. Optional; must
// not block.
type TransferIndex interface {
	RecordTransfer(e journal.Entry)
}

type Controller struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	coord     *Coordinator
	endpoints *ledger.Storage
	research  *research.Tracker
	registry  *Registry

	storageSnap   *ledger.Storage
	endpointsSnap *ledger.Storage

	storageBC   *Broadcaster
	endpointsBC *Broadcaster
	researchBC  *Broadcaster

	journal TransferJournal
	index   TransferIndex

	saveJobs    chan saveJob
	saveResults chan saveResult

	// inbox carries every session and admin request in arrival order.
	inbox chan any

	ready atomic.Bool
	done  chan struct{}
}

// New builds a controller over the loaded state. The initial policy is
// built from cfg.Method; an unknown method is an error.
func New(cfg Config, st State, logger *log.Logger) (*Controller, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.New(log.Writer(), "[controller] ", log.LstdFlags)
	}
	if st.Storage == nil {
		st.Storage = ledger.NewStorage()
	}
	if st.Endpoints == nil {
		st.Endpoints = ledger.NewStorage()
	}
	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		endpoints: st.Endpoints,
		research:  research.NewTracker(st.Technologies, logger, cfg.LogTransfers),
		registry:  NewRegistry(),

		saveJobs:    make(chan saveJob, 8),
		saveResults: make(chan saveResult, 8),

		inbox: make(chan any, 2048),
		done:  make(chan struct{}),
	}
	policy, err := c.buildPolicy(cfg.Method)
	if err != nil {
		return nil, err
	}
	c.coord = NewCoordinator(st.Storage, policy, logger, cfg.LogTransfers)
	c.storageSnap = st.Storage.Clone()
	c.endpointsSnap = st.Endpoints.Clone()
	c.storageBC = NewBroadcaster("storage", cfg.BroadcastMaxRate, c.emitStorage, logger)
	c.endpointsBC = NewBroadcaster("endpoints", cfg.BroadcastMaxRate, c.emitEndpoints, logger)
	c.researchBC = NewBroadcaster("research", cfg.BroadcastMaxRate, c.emitResearch, logger)
	return c, nil
}

func (c *Controller) buildPolicy(m dole.Method) (dole.Policy, error) {
	return dole.New(m, dole.Options{
		Logger:      c.logger,
		Verbose:     c.cfg.LogTransfers,
		RetainTicks: c.cfg.RetainTicks,
	})
}

// SetJournal and SetIndex must be called before Run.
func (c *Controller) SetJournal(j TransferJournal) { c.journal = j }
func (c *Controller) SetIndex(ix TransferIndex)    { c.index = ix }

// Ready reports whether the owner loop is running.
func (c *Controller) Ready() bool { return c.ready.Load() }

// Run is the owner loop. It returns after ctx is cancelled and the final
// save completed.
func (c *Controller) Run(ctx context.Context) error {
	doleTicker := time.NewTicker(c.cfg.DoleTick)
	defer doleTicker.Stop()
	saveTicker := time.NewTicker(c.cfg.SaveInterval)
	defer saveTicker.Stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.saveWriter(c.saveJobs, c.saveResults)
	}()

	c.ready.Store(true)
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.ready.Store(false)
			c.shutdown(writerDone)
			return nil
		case req := <-c.inbox:
			c.dispatch(req)
		case r := <-c.saveResults:
			c.handleSaveResult(r)
		case <-c.storageBC.C():
			c.storageBC.Fire()
		case <-c.endpointsBC.C():
			c.endpointsBC.Fire()
		case <-c.researchBC.C():
			c.researchBC.Fire()
		case <-doleTicker.C:
			c.coord.Tick()
		case <-saveTicker.C:
			c.checkpoint()
		}
	}
}

func (c *Controller) dispatch(req any) {
	switch req := req.(type) {
	case joinReq:
		c.handleJoin(req)
	case leaveReq:
		c.registry.Drop(req.ID)
	case transferReq:
		c.handleTransfer(req)
	case getReq:
		c.handleGet(req)
	case subscribeReq:
		c.handleSubscribe(req)
	case placeReq:
		c.handlePlace(req)
	case contributionReq:
		c.handleContribution(req)
	case finishedReq:
		c.handleFinished(req)
	case syncReq:
		c.handleSync(req)
	case saveReq:
		req.Resp <- c.checkpoint()
	case metricsReq:
		req.Resp <- c.snapshotMetrics()
	case methodReq:
		req.Resp <- c.handleMethod(req.Method)
	default:
		c.logger.Printf("unknown request %T", req)
	}
}

// shutdown stops the broadcasters, waits for in-flight saves and writes
// whatever is still dirty.
func (c *Controller) shutdown(writerDone <-chan struct{}) {
	c.storageBC.Cancel()
	c.endpointsBC.Cancel()
	c.researchBC.Cancel()

	close(c.saveJobs)
	for waiting := true; waiting; {
		select {
		case r := <-c.saveResults:
			c.handleSaveResult(r)
		case <-writerDone:
			waiting = false
		}
	}
drain:
	for {
		select {
		case r := <-c.saveResults:
			c.handleSaveResult(r)
		default:
			break drain
		}
	}

	for _, job := range c.snapshotDirty() {
		if err := c.writeSave(job); err != nil {
			c.logger.Printf("final save %s: %v", job.file, err)
			continue
		}
		c.logger.Printf("saved %s (%d bytes)", job.file, len(job.data))
	}
}
