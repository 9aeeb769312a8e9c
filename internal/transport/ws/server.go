package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"subspace.ai/internal/controller"
	"subspace.ai/internal/ledger"
	"subspace.ai/internal/protocol"
	"subspace.ai/internal/research"
)

// Backend is the controller surface the websocket server drives.
type Backend interface {
	Join(ctx context.Context, sub controller.Subscriber) (controller.Welcome, error)
	Leave(id string)
	Transfer(ctx context.Context, inst controller.Instance, items []ledger.Count) ([]ledger.Count, error)
	Serialize(ctx context.Context, l controller.Ledger) ([]ledger.Count, error)
	Subscribe(ctx context.Context, id string, on bool) error
	PlaceEndpoints(ctx context.Context, inst controller.Instance, items []ledger.Count) error
	ContributeResearch(ctx context.Context, force, name string, level int, contribution float64) error
	FinishResearch(ctx context.Context, force, name string, level int) error
	SyncTechnologies(ctx context.Context, techs []research.Tech) ([]research.Tech, error)
}

type Options struct {
	// SendQueue is the per-session outbound buffer. A session that falls
	// this far behind is disconnected.
	SendQueue int
	// MaxMessageRate and MaxMessageBurst bound inbound frames per session.
	MaxMessageRate  float64
	MaxMessageBurst int
	RequestTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.MaxMessageRate <= 0 {
		o.MaxMessageRate = 200
	}
	if o.MaxMessageBurst <= 0 {
		o.MaxMessageBurst = 400
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

type Server struct {
	backend   Backend
	validator *protocol.Validator
	log       *log.Logger
	opts      Options
	tracer    trace.Tracer

	upgrader websocket.Upgrader
}

func NewServer(b Backend, v *protocol.Validator, logger *log.Logger, opts Options) *Server {
	return &Server{
		backend:   b,
		validator: v,
		log:       logger,
		opts:      opts.withDefaults(),
		tracer:    otel.Tracer("subspace.ai/internal/transport/ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // instances are not browsers
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess := s.handshake(ctx, cancel, conn)
		if sess == nil {
			return
		}
		defer s.backend.Leave(sess.id)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					reason := sess.reason()
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
					_ = conn.Close()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						sess.Kick("write failed")
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				sess.Kick("")
				return
			}
			if !sess.limiter.Allow() {
				base, _ := protocol.DecodeBase(msg)
				sess.reply(protocol.NewError(base.ID, protocol.ErrRateLimit, "too many messages"))
				continue
			}
			s.dispatch(ctx, sess, msg)
		}
	}
}

func (s *Server) handshake(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	if _, err := s.validator.Validate(msg); err != nil {
		_ = writeJSON(conn, protocol.NewError(base.ID, protocol.ErrProtoBadRequest, err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}

	sess := &session{
		id:       uuid.NewString(),
		role:     hello.Role,
		instance: controller.Instance{ID: hello.InstanceID, Name: hello.InstanceName},
		out:      make(chan []byte, s.opts.SendQueue),
		limiter:  rate.NewLimiter(rate.Limit(s.opts.MaxMessageRate), s.opts.MaxMessageBurst),
		cancel:   cancel,
	}

	jctx, jcancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer jcancel()
	w, err := s.backend.Join(jctx, sess)
	if err != nil {
		_ = writeJSON(conn, protocol.NewError("", protocol.ErrUnavailable, err.Error()))
		return nil
	}

	welcome := protocol.WelcomeMsg{
		Type:             protocol.TypeWelcome,
		ProtocolVersion:  protocol.Version,
		SessionID:        sess.id,
		Role:             sess.role,
		DivisionMethod:   w.Method.String(),
		BroadcastMaxRate: w.BroadcastMaxRate,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.backend.Leave(sess.id)
		return nil
	}
	s.log.Printf("session %s: %s %s connected", sess.id, sess.role, sess.instance.ID)
	return sess
}

// dispatch validates and handles one inbound frame.
func (s *Server) dispatch(ctx context.Context, sess *session, msg []byte) {
	base, err := s.validator.Validate(msg)
	if err != nil {
		code := protocol.ErrBadRequest
		if errors.Is(err, protocol.ErrUnknownMessage) {
			code = protocol.ErrUnknownType
		}
		sess.reply(protocol.NewError(base.ID, code, err.Error()))
		return
	}

	ctx, span := s.tracer.Start(ctx, "ws "+base.Type, trace.WithAttributes(
		attribute.String("subspace.session_id", sess.id),
		attribute.String("subspace.role", sess.role),
		attribute.String("subspace.instance_id", sess.instance.ID),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if err := s.handle(ctx, sess, base, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sess.reply(protocol.NewError(base.ID, errorCode(err), err.Error()))
	}
}

var errInstanceOnly = errors.New("only instance sessions may send this message")

func (s *Server) handle(ctx context.Context, sess *session, base protocol.BaseMessage, msg []byte) error {
	switch base.Type {
	case protocol.TypeHello:
		return badRequest(errors.New("already greeted"))

	case protocol.TypeTransfer:
		if !sess.isInstance() {
			return errInstanceOnly
		}
		var m protocol.TransferMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return badRequest(err)
		}
		granted, err := s.backend.Transfer(ctx, sess.instance, m.Items)
		if err != nil {
			return err
		}
		if granted == nil {
			granted = []ledger.Count{}
		}
		sess.reply(protocol.TransferResultMsg{Type: protocol.TypeTransferResult, ProtocolVersion: protocol.Version, ID: m.ID, Items: granted})

	case protocol.TypeGetStorage, protocol.TypeGetEndpoints:
		l, typ := controller.LedgerStorage, protocol.TypeStorage
		if base.Type == protocol.TypeGetEndpoints {
			l, typ = controller.LedgerEndpoints, protocol.TypeEndpoints
		}
		items, err := s.backend.Serialize(ctx, l)
		if err != nil {
			return err
		}
		sess.reply(protocol.NewItems(typ, base.ID, items))

	case protocol.TypeSubscribe:
		var m protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return badRequest(err)
		}
		if err := s.backend.Subscribe(ctx, sess.id, m.Subscribe); err != nil && !errors.Is(err, controller.ErrNotSubscribed) {
			return err
		}
		sess.reply(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, ID: m.ID})

	case protocol.TypePlaceEndpoints:
		if !sess.isInstance() {
			return errInstanceOnly
		}
		var m protocol.PlaceEndpointsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return badRequest(err)
		}
		return s.backend.PlaceEndpoints(ctx, sess.instance, m.Items)

	case protocol.TypeResearchContribution:
		if !sess.isInstance() {
			return errInstanceOnly
		}
		var m protocol.ResearchContributionMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return badRequest(err)
		}
		return s.backend.ContributeResearch(ctx, m.Force, m.Name, m.Level, m.Contribution)

	case protocol.TypeResearchFinished:
		if !sess.isInstance() {
			return errInstanceOnly
		}
		var m protocol.ResearchFinishedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return badRequest(err)
		}
		return s.backend.FinishResearch(ctx, m.Force, m.Name, m.Level)

	case protocol.TypeSyncTechnologies:
		if !sess.isInstance() {
			return errInstanceOnly
		}
		var m protocol.SyncTechnologiesMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return badRequest(err)
		}
		techs, err := s.backend.SyncTechnologies(ctx, m.Technologies)
		if err != nil {
			return err
		}
		sess.reply(protocol.TechnologiesMsg{Type: protocol.TypeTechnologies, ProtocolVersion: protocol.Version, ID: m.ID, Technologies: techs})
	}
	return nil
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err: err} }

func errorCode(err error) string {
	var br badRequestError
	switch {
	case errors.As(err, &br), errors.Is(err, ledger.ErrNotPositive), errors.Is(err, ledger.ErrOverflow):
		return protocol.ErrBadRequest
	case errors.Is(err, errInstanceOnly):
		return protocol.ErrNoPermission
	case errors.Is(err, controller.ErrStopped), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return protocol.ErrUnavailable
	default:
		return protocol.ErrInternal
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
