package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"subspace.ai/internal/controller"
	"subspace.ai/internal/dole"
	"subspace.ai/internal/ledger"
	"subspace.ai/internal/protocol"
)

func startServer(t *testing.T) string {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	c, err := controller.New(controller.Config{
		DataDir:          t.TempDir(),
		Method:           dole.MethodSimple,
		BroadcastMaxRate: 1000,
		SaveInterval:     time.Hour,
	}, controller.State{}, logger)
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	srv := httptest.NewServer(NewServer(c, v, logger, Options{}).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, hello string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var w protocol.WelcomeMsg
	readInto(t, conn, protocol.TypeWelcome, &w)
	if w.SessionID == "" || w.DivisionMethod != "simple" {
		t.Fatalf("welcome=%+v", w)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readInto skips frames until one of type typ arrives and decodes it.
func readInto(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(b)
		if err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		if base.Type != typ {
			continue
		}
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		return
	}
}

const (
	instanceHello = `{"type":"HELLO","protocol_version":"1.0","role":"instance","instance_id":"1","instance_name":"nauvis"}`
	controlHello  = `{"type":"HELLO","protocol_version":"1.0","role":"control"}`
)

func TestServer_TransferAndSubscribe(t *testing.T) {
	url := startServer(t)
	inst := dial(t, url, instanceHello)
	ctl := dial(t, url, controlHello)

	send(t, ctl, `{"type":"SUBSCRIBE","protocol_version":"1.0","id":"s1","subscribe":true}`)
	var ack protocol.AckMsg
	readInto(t, ctl, protocol.TypeAck, &ack)
	if ack.ID != "s1" {
		t.Fatalf("ack=%+v", ack)
	}

	send(t, inst, `{"type":"TRANSFER","protocol_version":"1.0","id":"t1","items":[["player",0,0,"iron-plate",100]]}`)
	var res protocol.TransferResultMsg
	readInto(t, inst, protocol.TypeTransferResult, &res)
	if res.ID != "t1" || len(res.Items) != 0 {
		t.Fatalf("deposit result=%+v", res)
	}

	var upd protocol.ItemsMsg
	readInto(t, ctl, protocol.TypeUpdateStorage, &upd)
	if len(upd.Items) != 1 || upd.Items[0].Name != "iron-plate" || upd.Items[0].Count != 100 {
		t.Fatalf("update=%+v", upd)
	}

	send(t, inst, `{"type":"TRANSFER","protocol_version":"1.0","id":"t2","items":[["player",0,0,"iron-plate",-150]]}`)
	readInto(t, inst, protocol.TypeTransferResult, &res)
	if res.ID != "t2" || len(res.Items) != 1 || res.Items[0].Count != 100 {
		t.Fatalf("withdraw result=%+v", res)
	}

	send(t, ctl, `{"type":"GET_STORAGE","protocol_version":"1.0","id":"g1"}`)
	var st protocol.ItemsMsg
	readInto(t, ctl, protocol.TypeStorage, &st)
	if st.ID != "g1" || len(st.Items) != 0 {
		t.Fatalf("storage=%+v", st)
	}
}

func TestServer_Errors(t *testing.T) {
	url := startServer(t)
	ctl := dial(t, url, controlHello)

	cases := []struct {
		frame string
		code  string
	}{
		{`{"type":"TRANSFER","protocol_version":"1.0","id":"x1","items":[["player",0,0,"coal",1]]}`, protocol.ErrNoPermission},
		{`{"type":"TRANSFER","protocol_version":"1.0","id":"x2","items":[["player",0,0,"coal"]]}`, protocol.ErrBadRequest},
		{`{"type":"TELEPORT","protocol_version":"1.0","id":"x3"}`, protocol.ErrUnknownType},
		{`{"type":"HELLO","protocol_version":"1.0","id":"x4","role":"control"}`, protocol.ErrBadRequest},
	}
	for _, tc := range cases {
		send(t, ctl, tc.frame)
		var e protocol.ErrorMsg
		readInto(t, ctl, protocol.TypeError, &e)
		if e.Code != tc.code {
			t.Fatalf("frame %s: code=%s want %s (%s)", tc.frame, e.Code, tc.code, e.Message)
		}
	}

	// Unsubscribing without a subscription is still acknowledged.
	send(t, ctl, `{"type":"SUBSCRIBE","protocol_version":"1.0","id":"u1","subscribe":false}`)
	var ack protocol.AckMsg
	readInto(t, ctl, protocol.TypeAck, &ack)
	if ack.ID != "u1" {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("deposit coal: %w", ledger.ErrOverflow), protocol.ErrBadRequest},
		{fmt.Errorf("deposit coal: %w", ledger.ErrNotPositive), protocol.ErrBadRequest},
		{badRequest(errors.New("bad frame")), protocol.ErrBadRequest},
		{errInstanceOnly, protocol.ErrNoPermission},
		{controller.ErrStopped, protocol.ErrUnavailable},
		{context.DeadlineExceeded, protocol.ErrUnavailable},
		{errors.New("disk on fire"), protocol.ErrInternal},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.code {
			t.Fatalf("errorCode(%v)=%s want %s", tc.err, got, tc.code)
		}
	}
}

func TestServer_RequiresHello(t *testing.T) {
	url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	send(t, conn, `{"type":"GET_STORAGE","protocol_version":"1.0","id":"g"}`)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
}

func TestServer_ResearchSync(t *testing.T) {
	url := startServer(t)
	a := dial(t, url, instanceHello)
	b := dial(t, url, `{"type":"HELLO","protocol_version":"1.0","role":"instance","instance_id":"2"}`)

	send(t, a, `{"type":"SYNC_TECHNOLOGIES","protocol_version":"1.0","id":"y1","technologies":[{"force":"player","name":"automation","level":1,"progress":null,"researched":true}]}`)
	var techs protocol.TechnologiesMsg
	readInto(t, a, protocol.TypeTechnologies, &techs)
	if techs.ID != "y1" || len(techs.Technologies) != 1 || !techs.Technologies[0].Researched {
		t.Fatalf("technologies=%+v", techs)
	}
	var fin protocol.ResearchFinishedMsg
	readInto(t, b, protocol.TypeResearchFinished, &fin)
	if fin.Name != "automation" || fin.Level != 1 {
		t.Fatalf("finished=%+v", fin)
	}

	send(t, b, `{"type":"RESEARCH_CONTRIBUTION","protocol_version":"1.0","force":"player","name":"logistics","level":1,"contribution":0.25}`)
	var prog protocol.TechnologiesMsg
	readInto(t, a, protocol.TypeResearchProgress, &prog)
	if len(prog.Technologies) != 1 || prog.Technologies[0].Name != "logistics" || *prog.Technologies[0].Progress != 0.25 {
		t.Fatalf("progress=%+v", prog)
	}
}
