package controller

import (
	"errors"
	"testing"

	"subspace.ai/internal/protocol"
)

type fakeSub struct {
	id     string
	role   string
	ch     chan []byte
	kicked string
}

func newFakeSub(id, role string, buf int) *fakeSub {
	return &fakeSub{id: id, role: role, ch: make(chan []byte, buf)}
}

func (f *fakeSub) ID() string   { return f.id }
func (f *fakeSub) Role() string { return f.role }
func (f *fakeSub) Send(b []byte) bool {
	select {
	case f.ch <- b:
		return true
	default:
		return false
	}
}
func (f *fakeSub) Kick(reason string) { f.kicked = reason }

func ids(subs []Subscriber) []string {
	var out []string
	for _, s := range subs {
		out = append(out, s.ID())
	}
	return out
}

func TestRegistry_Targets(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeSub("c2", protocol.RoleControl, 1))
	r.Add(newFakeSub("i1", protocol.RoleInstance, 1))
	r.Add(newFakeSub("c1", protocol.RoleControl, 1))

	if got := ids(r.Targets()); len(got) != 1 || got[0] != "i1" {
		t.Fatalf("targets=%v want [i1]", got)
	}
	r.Subscribe("c1")
	r.Subscribe("c1")
	r.Subscribe("i1")
	got := ids(r.Targets())
	if len(got) != 2 || got[0] != "c1" || got[1] != "i1" {
		t.Fatalf("targets=%v want [c1 i1]", got)
	}
	if r.Subscribers() != 2 || r.Sessions() != 3 {
		t.Fatalf("subscribers=%d sessions=%d", r.Subscribers(), r.Sessions())
	}
}

func TestRegistry_UnsubscribeUnknown(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeSub("c1", protocol.RoleControl, 1))
	if err := r.Unsubscribe("c1"); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("err=%v want ErrNotSubscribed", err)
	}
	r.Subscribe("c1")
	if err := r.Unsubscribe("c1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := r.Unsubscribe("c1"); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("second unsubscribe err=%v", err)
	}
}

func TestRegistry_DropIsSilent(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeSub("c1", protocol.RoleControl, 1))
	r.Subscribe("c1")
	r.Drop("c1")
	r.Drop("c1")
	r.Drop("never")
	if r.Subscribed("c1") || r.Sessions() != 0 || len(r.Targets()) != 0 {
		t.Fatalf("drop left state behind")
	}
}
