package controller

import (
	"errors"
	"maps"
	"slices"

	"subspace.ai/internal/protocol"
)

var ErrNotSubscribed = errors.New("controller: session is not subscribed")

// Subscriber is one connected session as seen by the owner loop.
type Subscriber interface {
	ID() string
	Role() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	// Kick disconnects the session.
	Kick(reason string)
}

// Registry tracks connected sessions and the control sessions that asked
// for change events. Instances always receive change events.
type Registry struct {
	sessions   map[string]Subscriber
	subscribed map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   map[string]Subscriber{},
		subscribed: map[string]struct{}{},
	}
}

func (r *Registry) Add(s Subscriber) { r.sessions[s.ID()] = s }

// Drop forgets a disconnected session. Unknown ids are ignored.
func (r *Registry) Drop(id string) {
	delete(r.sessions, id)
	delete(r.subscribed, id)
}

// Subscribe is idempotent. Ids with no connected session are ignored.
func (r *Registry) Subscribe(id string) {
	if _, ok := r.sessions[id]; !ok {
		return
	}
	r.subscribed[id] = struct{}{}
}

// Unsubscribe removes id from the subscriber set. Removing a session that
// is not subscribed leaves the set unchanged and returns ErrNotSubscribed.
func (r *Registry) Unsubscribe(id string) error {
	if _, ok := r.subscribed[id]; !ok {
		return ErrNotSubscribed
	}
	delete(r.subscribed, id)
	return nil
}

func (r *Registry) Subscribed(id string) bool {
	_, ok := r.subscribed[id]
	return ok
}

func (r *Registry) Sessions() int    { return len(r.sessions) }
func (r *Registry) Subscribers() int { return len(r.subscribed) }

// Targets returns every session that receives change events: all instance
// sessions plus subscribed sessions, each once, ordered by id.
func (r *Registry) Targets() []Subscriber {
	var out []Subscriber
	for _, id := range slices.Sorted(maps.Keys(r.sessions)) {
		s := r.sessions[id]
		if s.Role() == protocol.RoleInstance || r.Subscribed(id) {
			out = append(out, s)
		}
	}
	return out
}
