// Package httpapi serves the controller's plain HTTP surface: the storage
// view, health, Prometheus metrics and loopback-only admin endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"subspace.ai/internal/controller"
	"subspace.ai/internal/dole"
	"subspace.ai/internal/ledger"
	"subspace.ai/internal/persistence/indexdb"
)

// Source is the controller surface read by the HTTP handlers.
type Source interface {
	Ready() bool
	Serialize(ctx context.Context, l controller.Ledger) ([]ledger.Count, error)
	Metrics(ctx context.Context) (controller.Metrics, error)
	RequestSave(ctx context.Context) (int, error)
	SetMethod(ctx context.Context, m dole.Method) error
}

// TransferIndex is the optional sqlite transfer index.
type TransferIndex interface {
	Totals(ctx context.Context) ([]indexdb.Total, error)
	Stats() indexdb.Stats
}

type Options struct {
	// Admin enables the /admin/v1 endpoints (still loopback only).
	Admin bool
	Index TransferIndex
}

type Server struct {
	src    Source
	opts   Options
	logger *log.Logger
}

func New(src Source, opts Options, logger *log.Logger) *Server {
	return &Server{src: src, opts: opts, logger: logger}
}

// Register mounts the handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/metrics", s.metrics)
	mux.HandleFunc("/api/storage", s.storage)
	if s.opts.Admin {
		mux.HandleFunc("/admin/v1/save", s.adminSave)
		mux.HandleFunc("/admin/v1/transfers", s.adminTransfers)
		mux.HandleFunc("/admin/v1/division_method", s.adminMethod)
	} else if s.logger != nil {
		s.logger.Printf("admin endpoints disabled")
	}
}

func (s *Server) healthz(rw http.ResponseWriter, r *http.Request) {
	if !s.src.Ready() {
		http.Error(rw, "starting", http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(200)
	_, _ = rw.Write([]byte("ok"))
}

type storageItem struct {
	Force string `json:"force"`
	CX    int    `json:"cx"`
	CY    int    `json:"cy"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func (s *Server) storage(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	items, err := s.src.Serialize(ctx, controller.LedgerStorage)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := make([]storageItem, 0, len(items))
	for _, it := range items {
		out = append(out, storageItem{Force: it.Force, CX: it.X, CY: it.Y, Name: it.Name, Count: it.Count})
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(out)
}

func (s *Server) metrics(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	m, err := s.src.Metrics(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMetrics(rw, m)
	if s.opts.Index != nil {
		writeIndexMetrics(rw, s.opts.Index.Stats())
	}
}

// writeMetrics renders m in the Prometheus text exposition format.
func writeMetrics(w io.Writer, m controller.Metrics) {
	fmt.Fprintf(w, "# HELP subspace_division_method Active division method.\n")
	fmt.Fprintf(w, "# TYPE subspace_division_method gauge\n")
	fmt.Fprintf(w, "subspace_division_method{method=%q} 1\n", m.Method)

	fmt.Fprintf(w, "# HELP subspace_sessions Connected sessions.\n")
	fmt.Fprintf(w, "# TYPE subspace_sessions gauge\n")
	fmt.Fprintf(w, "subspace_sessions %d\n", m.Sessions)

	fmt.Fprintf(w, "# HELP subspace_subscribers Sessions subscribed to storage updates.\n")
	fmt.Fprintf(w, "# TYPE subspace_subscribers gauge\n")
	fmt.Fprintf(w, "subspace_subscribers %d\n", m.Subscribers)

	fmt.Fprintf(w, "# HELP subspace_endpoints Tracked endpoint slots.\n")
	fmt.Fprintf(w, "# TYPE subspace_endpoints gauge\n")
	fmt.Fprintf(w, "subspace_endpoints %d\n", m.Endpoints)

	fmt.Fprintf(w, "# HELP subspace_controller_inventory Items held by the controller.\n")
	fmt.Fprintf(w, "# TYPE subspace_controller_inventory gauge\n")
	for _, c := range m.Inventory {
		fmt.Fprintf(w, "subspace_controller_inventory{force=%q,cx=\"%d\",cy=\"%d\",resource=%q} %d\n", c.Force, c.X, c.Y, c.Name, c.Count)
	}

	writeGauges(w, m.Gauges)

	fmt.Fprintf(w, "# HELP subspace_exports_total Items deposited into the controller by instance.\n")
	fmt.Fprintf(w, "# TYPE subspace_exports_total counter\n")
	for _, f := range m.Flows {
		fmt.Fprintf(w, "subspace_exports_total{instance_id=%q,instance_name=%q,resource=%q} %d\n", f.InstanceID, f.InstanceName, f.Name, f.Exported)
	}
	fmt.Fprintf(w, "# HELP subspace_imports_total Items granted to instances by the controller.\n")
	fmt.Fprintf(w, "# TYPE subspace_imports_total counter\n")
	for _, f := range m.Flows {
		fmt.Fprintf(w, "subspace_imports_total{instance_id=%q,instance_name=%q,resource=%q} %d\n", f.InstanceID, f.InstanceName, f.Name, f.Imported)
	}
}

var gaugeHelp = map[string]string{
	"dole_factor": "Exponential backoff division factor per resource.",
	"nn_dole":     "Adaptive dole level per resource.",
}

func writeGauges(w io.Writer, gauges []dole.Gauge) {
	seen := map[string]bool{}
	for _, g := range gauges {
		name := "subspace_" + g.Metric
		if !seen[g.Metric] {
			seen[g.Metric] = true
			fmt.Fprintf(w, "# HELP %s %s\n", name, gaugeHelp[g.Metric])
			fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		}
		fmt.Fprintf(w, "%s{resource=%q} %.6f\n", name, g.Resource, g.Value)
	}
}

func writeIndexMetrics(w io.Writer, st indexdb.Stats) {
	fmt.Fprintf(w, "# HELP subspace_index_queue_depth Transfer index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE subspace_index_queue_depth gauge\n")
	fmt.Fprintf(w, "subspace_index_queue_depth %d\n", st.QueueDepth)
	fmt.Fprintf(w, "# HELP subspace_index_queue_capacity Transfer index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE subspace_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "subspace_index_queue_capacity %d\n", st.QueueCapacity)
	fmt.Fprintf(w, "# HELP subspace_index_dropped_total Transfer entries dropped under backpressure.\n")
	fmt.Fprintf(w, "# TYPE subspace_index_dropped_total counter\n")
	fmt.Fprintf(w, "subspace_index_dropped_total %d\n", st.DropTotal)
	fmt.Fprintf(w, "# HELP subspace_index_failed_total Transfer entries that failed to index.\n")
	fmt.Fprintf(w, "# TYPE subspace_index_failed_total counter\n")
	fmt.Fprintf(w, "subspace_index_failed_total %d\n", st.FailTotal)
}

func (s *Server) adminSave(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	queued, err := s.src.RequestSave(ctx)
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "queued": queued})
}

// adminMethod switches the active division method. The new method comes
// from the "method" form or query value.
func (s *Server) adminMethod(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	m, err := dole.ParseMethod(r.FormValue("method"))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.src.SetMethod(ctx, m); err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, dole.ErrUnknownMethod) {
			code = http.StatusBadRequest
		}
		rw.WriteHeader(code)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if s.logger != nil {
		s.logger.Printf("division method set to %s", m)
	}
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "method": m.String()})
}

func (s *Server) adminTransfers(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	if s.opts.Index == nil {
		http.Error(rw, "transfer index disabled", http.StatusServiceUnavailable)
		return
	}
	totals, err := s.opts.Index.Totals(r.Context())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if totals == nil {
		totals = []indexdb.Total{}
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(totals)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
