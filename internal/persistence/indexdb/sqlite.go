package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"subspace.ai/internal/persistence/journal"
)

const (
	DirectionExport = "export"
	DirectionImport = "import"
)

// Total is the cumulative amount of one resource moved by one instance in
// one direction. Export is instance -> controller, import the reverse.
type Total struct {
	InstanceID string `json:"instance_id"`
	Direction  string `json:"direction"`
	Name       string `json:"name"`
	Total      int64  `json:"total"`
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
	FailTotal     uint64 `json:"fail_total"`
}

// SQLiteIndex is a secondary, queryable index of transfer batches. Writes
// are queued to a single writer goroutine and dropped when the queue is
// full; the journal remains the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan journal.Entry
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropTotal atomic.Uint64
	failTotal atomic.Uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan journal.Entry, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transfers (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			instance_name TEXT NOT NULL,
			method TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_instance ON transfers(instance_id, seq);`,
		`CREATE TABLE IF NOT EXISTS transfer_totals (
			instance_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			name TEXT NOT NULL,
			total INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (instance_id, direction, name)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordTransfer queues e for indexing. It never blocks.
func (s *SQLiteIndex) RecordTransfer(e journal.Entry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropTotal.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropTotal.Load(),
		FailTotal:     s.failTotal.Load(),
	}
}

// Totals returns every committed total ordered by instance, direction and
// name.
func (s *SQLiteIndex) Totals(ctx context.Context) ([]Total, error) {
	return ReadTotals(ctx, s.db)
}

// ReadTotals queries transfer_totals on an already opened database.
func ReadTotals(ctx context.Context, db *sql.DB) ([]Total, error) {
	rows, err := db.QueryContext(ctx, `SELECT instance_id, direction, name, total FROM transfer_totals ORDER BY instance_id, direction, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Total
	for rows.Next() {
		var t Total
		if err := rows.Scan(&t.InstanceID, &t.Direction, &t.Name, &t.Total); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTransfer, _ := s.db.Prepare(`INSERT INTO transfers(at,instance_id,instance_name,method,raw_json) VALUES(?,?,?,?,?)`)
	addTotal, _ := s.db.Prepare(`INSERT INTO transfer_totals(instance_id,direction,name,total,updated_at) VALUES(?,?,?,?,?)
		ON CONFLICT(instance_id,direction,name) DO UPDATE SET total = total + excluded.total, updated_at = excluded.updated_at`)
	defer func() {
		if insertTransfer != nil {
			_ = insertTransfer.Close()
		}
		if addTotal != nil {
			_ = addTotal.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 500 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.failTotal.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failTotal.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failTotal.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	// An idle open tx would hold the only connection, so commit on a timer too.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil || insertTransfer == nil || addTotal == nil {
				continue
			}
			if err := s.apply(tx, insertTransfer, addTotal, e); err != nil {
				rollback()
				continue
			}
			opCount++
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}

func (s *SQLiteIndex) apply(tx *sql.Tx, insertTransfer, addTotal *sql.Stmt, e journal.Entry) error {
	at := e.Time.UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insertTransfer).Exec(at, e.InstanceID, e.InstanceName, e.Method, string(raw)); err != nil {
		return err
	}
	stmt := tx.Stmt(addTotal)
	for _, c := range e.Deposited {
		if _, err := stmt.Exec(e.InstanceID, DirectionExport, c.Name, c.Count, at); err != nil {
			return err
		}
	}
	for _, c := range e.Granted {
		if _, err := stmt.Exec(e.InstanceID, DirectionImport, c.Name, c.Count, at); err != nil {
			return err
		}
	}
	return nil
}
