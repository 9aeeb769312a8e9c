package ws

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/time/rate"

	"subspace.ai/internal/controller"
	"subspace.ai/internal/protocol"
)

// session is one websocket connection. It implements controller.Subscriber.
type session struct {
	id       string
	role     string
	instance controller.Instance
	out      chan []byte
	limiter  *rate.Limiter

	cancel     context.CancelFunc
	once       sync.Once
	mu         sync.Mutex
	kickReason string
}

func (s *session) ID() string   { return s.id }
func (s *session) Role() string { return s.role }

func (s *session) isInstance() bool { return s.role == protocol.RoleInstance }

func (s *session) Send(b []byte) bool {
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

func (s *session) Kick(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.kickReason = reason
		s.mu.Unlock()
		s.cancel()
	})
}

func (s *session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kickReason
}

// reply queues a response for this session only.
func (s *session) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !s.Send(b) {
		s.Kick("send buffer full")
	}
}
