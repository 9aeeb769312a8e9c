// Command instance is a load client that behaves like a game instance: it
// deposits and withdraws random items and optionally follows storage updates.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"subspace.ai/internal/ledger"
	"subspace.ai/internal/protocol"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		id        = flag.String("id", "1", "instance id")
		name      = flag.String("name", "nauvis", "instance name")
		force     = flag.String("force", "player", "force")
		items     = flag.String("items", "iron-plate,copper-plate,coal", "comma separated item names")
		every     = flag.Duration("every", time.Second, "transfer interval")
		subscribe = flag.Bool("subscribe", false, "subscribe to storage updates")
		seed      = flag.Int64("seed", 0, "random seed (0 = time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[instance] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Role:            protocol.RoleInstance,
		InstanceID:      *id,
		InstanceName:    *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	names := strings.Split(*items, ",")
	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(s))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			frames <- msg
		}
	}()

	t := time.NewTicker(*every)
	defer t.Stop()
	seq := 0
	for {
		select {
		case <-stop:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			handleFrame(conn, logger, msg, *subscribe)
		case <-t.C:
			seq++
			batch := randomBatch(r, *force, names)
			m := protocol.TransferMsg{
				Type:            protocol.TypeTransfer,
				ProtocolVersion: protocol.Version,
				ID:              fmt.Sprintf("T_%d", seq),
				Items:           batch,
			}
			if err := conn.WriteJSON(m); err != nil {
				logger.Printf("send TRANSFER: %v", err)
				return
			}
		}
	}
}

func handleFrame(conn *websocket.Conn, logger *log.Logger, msg []byte, subscribe bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		logger.Printf("WELCOME session=%s method=%s", w.SessionID, w.DivisionMethod)
		if subscribe {
			_ = conn.WriteJSON(protocol.SubscribeMsg{
				Type:            protocol.TypeSubscribe,
				ProtocolVersion: protocol.Version,
				ID:              "S_1",
				Subscribe:       true,
			})
		}
	case protocol.TypeTransferResult:
		var res protocol.TransferResultMsg
		if err := json.Unmarshal(msg, &res); err != nil {
			return
		}
		for _, c := range res.Items {
			logger.Printf("%s granted %s x%d", res.ID, c.Name, c.Count)
		}
	case protocol.TypeUpdateStorage:
		var u protocol.ItemsMsg
		if err := json.Unmarshal(msg, &u); err != nil {
			return
		}
		logger.Printf("storage update: %d keys", len(u.Items))
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return
		}
		logger.Printf("ERROR id=%s code=%s: %s", e.ID, e.Code, e.Message)
	}
}

// randomBatch deposits or withdraws each item with equal odds.
func randomBatch(r *rand.Rand, force string, names []string) []ledger.Count {
	out := make([]ledger.Count, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		amount := int64(1 + r.Intn(100))
		if r.Intn(2) == 0 {
			amount = -amount
		}
		out = append(out, ledger.Count{ItemKey: ledger.ItemKey{Force: force, Name: n}, Count: amount})
	}
	return out
}
