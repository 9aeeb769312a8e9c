package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"subspace.ai/internal/controller"
	"subspace.ai/internal/dole"
	"subspace.ai/internal/ledger"
	"subspace.ai/internal/persistence/indexdb"
)

type fakeSource struct {
	ready  bool
	items  []ledger.Count
	saves  int
	method dole.Method
}

func (f *fakeSource) Ready() bool { return f.ready }

func (f *fakeSource) Serialize(ctx context.Context, l controller.Ledger) ([]ledger.Count, error) {
	return f.items, nil
}

func (f *fakeSource) Metrics(ctx context.Context) (controller.Metrics, error) {
	return controller.Metrics{
		Method:      "dole",
		Inventory:   f.items,
		Gauges:      []dole.Gauge{{Metric: "dole_factor", Resource: "iron-plate", Value: 4}},
		Flows:       []controller.Flow{{InstanceID: "1", InstanceName: "nauvis", Name: "iron-plate", Exported: 10, Imported: 3}},
		Sessions:    2,
		Subscribers: 1,
	}, nil
}

func (f *fakeSource) RequestSave(ctx context.Context) (int, error) {
	f.saves++
	return 1, nil
}

func (f *fakeSource) SetMethod(ctx context.Context, m dole.Method) error {
	f.method = m
	return nil
}

type fakeIndex struct{}

func (fakeIndex) Totals(ctx context.Context) ([]indexdb.Total, error) {
	return []indexdb.Total{{InstanceID: "1", Direction: indexdb.DirectionExport, Name: "coal", Total: 7}}, nil
}
func (fakeIndex) Stats() indexdb.Stats { return indexdb.Stats{QueueCapacity: 16, DropTotal: 2} }

func newMux(src Source, opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	New(src, opts, nil).Register(mux)
	return mux
}

func TestStorage(t *testing.T) {
	src := &fakeSource{ready: true, items: []ledger.Count{
		{ItemKey: ledger.ItemKey{Force: "player", X: 1, Y: -2, Name: "coal"}, Count: 9},
	}}
	rec := httptest.NewRecorder()
	newMux(src, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/storage", nil))

	if rec.Code != 200 {
		t.Fatalf("code=%d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors=%q", got)
	}
	var items []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0]["force"] != "player" || items[0]["cx"] != float64(1) || items[0]["cy"] != float64(-2) || items[0]["count"] != float64(9) {
		t.Fatalf("items=%v", items)
	}
}

func TestHealthz(t *testing.T) {
	src := &fakeSource{}
	mux := newMux(src, Options{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready code=%d", rec.Code)
	}
	src.ready = true
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("ready code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	src := &fakeSource{ready: true, items: []ledger.Count{
		{ItemKey: ledger.ItemKey{Force: "player", Name: "iron-plate"}, Count: 42},
	}}
	rec := httptest.NewRecorder()
	newMux(src, Options{Index: fakeIndex{}}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`subspace_division_method{method="dole"} 1`,
		`subspace_controller_inventory{force="player",cx="0",cy="0",resource="iron-plate"} 42`,
		`# TYPE subspace_dole_factor gauge`,
		`subspace_dole_factor{resource="iron-plate"} 4.000000`,
		`subspace_exports_total{instance_id="1",instance_name="nauvis",resource="iron-plate"} 10`,
		`subspace_imports_total{instance_id="1",instance_name="nauvis",resource="iron-plate"} 3`,
		`subspace_sessions 2`,
		`subspace_index_dropped_total 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdminLoopbackOnly(t *testing.T) {
	src := &fakeSource{ready: true}
	mux := newMux(src, Options{Admin: true, Index: fakeIndex{}})

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/save", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || src.saves != 0 {
		t.Fatalf("remote save code=%d saves=%d", rec.Code, src.saves)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/v1/save", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 || src.saves != 1 {
		t.Fatalf("loopback save code=%d saves=%d", rec.Code, src.saves)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/transfers", nil)
	req.RemoteAddr = "[::1]:4000"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var totals []indexdb.Total
	if err := json.Unmarshal(rec.Body.Bytes(), &totals); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if len(totals) != 1 || totals[0].Total != 7 {
		t.Fatalf("totals=%+v", totals)
	}
}

func TestAdminDivisionMethod(t *testing.T) {
	src := &fakeSource{ready: true, method: dole.MethodSimple}
	mux := newMux(src, Options{Admin: true})

	post := func(remote, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, target, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	if rec := post("203.0.113.9:4000", "/admin/v1/division_method?method=dole"); rec.Code != http.StatusForbidden || src.method != dole.MethodSimple {
		t.Fatalf("remote code=%d method=%s", rec.Code, src.method)
	}
	if rec := post("127.0.0.1:4000", "/admin/v1/division_method?method=lottery"); rec.Code != http.StatusBadRequest || src.method != dole.MethodSimple {
		t.Fatalf("unknown tag code=%d method=%s", rec.Code, src.method)
	}
	rec := post("127.0.0.1:4000", "/admin/v1/division_method?method=neural_dole")
	if rec.Code != 200 || src.method != dole.MethodNeuralDole {
		t.Fatalf("switch code=%d method=%s body=%s", rec.Code, src.method, rec.Body.String())
	}
	var out struct {
		OK     bool   `json:"ok"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || !out.OK || out.Method != "neural_dole" {
		t.Fatalf("body=%s err=%v", rec.Body.String(), err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/division_method?method=dole", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code=%d want 405", rec.Code)
	}
}

func TestAdminDisabled(t *testing.T) {
	mux := newMux(&fakeSource{ready: true}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/save", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d want 404", rec.Code)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80":    true,
		"[::1]:80":        true,
		"10.0.0.1:80":     false,
		"not-an-ip":       false,
		"localhost:8080":  false,
		"127.10.0.1:9999": true,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", addr, got, want)
		}
	}
}
