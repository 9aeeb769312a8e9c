package controller

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Broadcaster coalesces activations into at most one emission per rate
// interval. It is driven by the owner loop: Activate schedules, the loop
// waits on C and calls Fire.
//
// Idle -> Activate -> pending -> C fires -> Fire -> Idle.
type Broadcaster struct {
	name    string
	limiter *rate.Limiter
	emit    func() error
	logger  *log.Logger
	now     func() time.Time

	pending bool
	due     time.Time
	timer   *time.Timer
}

// NewBroadcaster allows maxRate emissions per second. emit runs on Fire;
// its errors and panics are logged.
func NewBroadcaster(name string, maxRate float64, emit func() error, logger *log.Logger) *Broadcaster {
	if maxRate <= 0 {
		maxRate = 1
	}
	return &Broadcaster{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(maxRate), 1),
		emit:    emit,
		logger:  logger,
		now:     time.Now,
	}
}

// Activate schedules an emission. Calls while one is pending are no-ops.
func (b *Broadcaster) Activate() {
	if b.pending {
		return
	}
	b.pending = true
	now := b.now()
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	b.due = now.Add(delay)
	b.timer = time.NewTimer(delay)
}

func (b *Broadcaster) Pending() bool { return b.pending }

// Due is when the pending emission is scheduled.
func (b *Broadcaster) Due() time.Time { return b.due }

// C fires when the pending emission is due. It is nil while idle.
func (b *Broadcaster) C() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

// Fire runs the emission and returns to idle.
func (b *Broadcaster) Fire() {
	b.stop()
	if err := b.run(); err != nil && b.logger != nil {
		b.logger.Printf("broadcast %s: %v", b.name, err)
	}
}

// Cancel drops a pending emission without running it.
func (b *Broadcaster) Cancel() { b.stop() }

func (b *Broadcaster) stop() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = false
}

func (b *Broadcaster) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.emit()
}
