package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"subspace.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "database directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/transfers.sqlite)")
	instance := fs.String("instance", "", "instance id filter (recent)")
	limit := fs.Int("limit", 20, "result limit (recent)")
	_ = fs.Parse(args)

	q := "totals"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "transfers.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	enc := json.NewEncoder(os.Stdout)
	switch q {
	case "totals":
		totals, err := indexdb.ReadTotals(context.Background(), db)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, t := range totals {
			_ = enc.Encode(t)
		}
	case "recent":
		if *limit <= 0 {
			*limit = 20
		}
		query := `SELECT seq,at,instance_id,instance_name,method,raw_json FROM transfers`
		qargs := []any{}
		if id := strings.TrimSpace(*instance); id != "" {
			query += ` WHERE instance_id=?`
			qargs = append(qargs, id)
		}
		query += ` ORDER BY seq DESC LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq          int64           `json:"seq"`
				At           string          `json:"at"`
				InstanceID   string          `json:"instance_id"`
				InstanceName string          `json:"instance_name"`
				Method       string          `json:"method"`
				Entry        json.RawMessage `json:"entry"`
			}
			var raw string
			if err := rows.Scan(&r.Seq, &r.At, &r.InstanceID, &r.InstanceName, &r.Method, &raw); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.Entry = json.RawMessage(raw)
			_ = enc.Encode(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(totals|recent)")
		os.Exit(2)
	}
}
