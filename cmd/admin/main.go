// Command admin inspects a controller database directory offline and pokes
// the loopback admin endpoints of a running controller.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"subspace.ai/internal/controller"
	"subspace.ai/internal/persistence/journal"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "storage":
			storageCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		case "transfers":
			transfersCmd(os.Args[2:])
			return
		case "method":
			methodCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "database directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name() + "/")
			continue
		}
		fmt.Println(e.Name())
	}
}

// storageCmd prints a saved ledger as [force,x,y,name,count] lines.
func storageCmd(args []string) {
	fs := flag.NewFlagSet("storage", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "database directory")
	which := fs.String("ledger", "storage", "storage|endpoints")
	force := fs.String("force", "", "force filter (optional)")
	_ = fs.Parse(args)

	st, err := controller.LoadState(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	l := st.Storage
	switch *which {
	case "storage":
	case "endpoints":
		l = st.Endpoints
	default:
		fmt.Fprintln(os.Stderr, "unknown -ledger:", *which)
		os.Exit(2)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, c := range l.Serialize() {
		if *force != "" && c.Force != *force {
			continue
		}
		_ = enc.Encode(c)
	}
}

// journalCmd decodes transfer journal files. Without arguments it reads
// every file under <data>/journal in name order.
func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "database directory")
	instance := fs.String("instance", "", "instance id filter (optional)")
	_ = fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		matches, err := filepath.Glob(filepath.Join(*dataDir, "journal", "transfers-*.jsonl.zst"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "glob:", err)
			os.Exit(1)
		}
		paths = matches
	}
	enc := json.NewEncoder(os.Stdout)
	for _, p := range paths {
		err := journal.ReadEntries(p, func(e journal.Entry) error {
			if *instance != "" && e.InstanceID != strings.TrimSpace(*instance) {
				return nil
			}
			return enc.Encode(e)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			os.Exit(1)
		}
	}
}
