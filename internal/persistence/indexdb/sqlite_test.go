package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"subspace.ai/internal/ledger"
	"subspace.ai/internal/persistence/journal"
)

func TestSQLiteIndex_AccumulatesTotals(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index", "transfers.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	iron := ledger.ItemKey{Force: "player", Name: "iron-plate"}
	coal := ledger.ItemKey{Force: "player", X: 1, Name: "coal"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	idx.RecordTransfer(journal.Entry{
		Time:       now,
		InstanceID: "1",
		Method:     "simple",
		Deposited:  []ledger.Count{{ItemKey: iron, Count: 100}, {ItemKey: coal, Count: 5}},
	})
	idx.RecordTransfer(journal.Entry{
		Time:       now,
		InstanceID: "1",
		Method:     "simple",
		Deposited:  []ledger.Count{{ItemKey: iron, Count: 20}},
	})
	idx.RecordTransfer(journal.Entry{
		Time:       now,
		InstanceID: "2",
		Method:     "simple",
		Requested:  []ledger.Count{{ItemKey: iron, Count: 150}},
		Granted:    []ledger.Count{{ItemKey: iron, Count: 120}},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = idx.Close() }()

	got, err := idx.Totals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	want := []Total{
		{InstanceID: "1", Direction: DirectionExport, Name: "coal", Total: 5},
		{InstanceID: "1", Direction: DirectionExport, Name: "iron-plate", Total: 120},
		{InstanceID: "2", Direction: DirectionImport, Name: "iron-plate", Total: 120},
	}
	if len(got) != len(want) {
		t.Fatalf("totals=%+v want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("totals[%d]=%+v want %+v", i, got[i], want[i])
		}
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan journal.Entry, 1)}
	s.ch <- journal.Entry{InstanceID: "1"}

	s.RecordTransfer(journal.Entry{InstanceID: "2"})
	s.RecordTransfer(journal.Entry{InstanceID: "3"})

	st := s.Stats()
	if st.DropTotal != 2 {
		t.Fatalf("DropTotal=%d want=2", st.DropTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	s.RecordTransfer(journal.Entry{InstanceID: "1"})
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("stats=%+v", st)
	}
}
