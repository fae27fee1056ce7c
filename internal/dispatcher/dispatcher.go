package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memtierd/memtierd/internal/bundle"
)

// MetricsSink receives per-request dispatcher metrics. A nil sink disables
// recording.
type MetricsSink interface {
	ObserveRequest(msgType string, duration time.Duration, errored bool)
}

// AuditEntry is one recorded request or response, independent of the
// optional journal backend.
type AuditEntry struct {
	UID       string
	Type      string
	Direction string // "request" or "response"
	Timestamp time.Time
}

// AuditJournal records dispatcher traffic for replay/observability. A nil
// journal disables recording.
type AuditJournal interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// maxConsecutiveSendFailures is the number of consecutive send failures
// tolerated; one more triggers a server-wide shutdown.
const maxConsecutiveSendFailures = 5

// Dispatcher owns message routing for the single streaming control channel.
// Handler execution is globally serialized by mu so stores see at most one
// mutating handler at a time; the alternative (per-store locking) is not
// used here.
type Dispatcher struct {
	bundle  *bundle.Bundle
	metrics MetricsSink
	audit   AuditJournal
	logger  *zap.Logger

	mu sync.Mutex

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New builds a Dispatcher over bundle. metrics and audit may be nil.
func New(b *bundle.Bundle, metrics MetricsSink, audit AuditJournal, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bundle:   b,
		metrics:  metrics,
		audit:    audit,
		logger:   logger.With(zap.String("component", "dispatcher")),
		shutdown: make(chan struct{}),
	}
}

// Shutdown signals every in-flight and future ServeHTTP connection to stop.
// Safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdown) })
}

// Done reports the channel closed by Shutdown, for callers that need to
// cancel the decay scheduler or compressor pool alongside it.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.shutdown
}

// ServeHTTP upgrades the request to a websocket connection and runs the
// dispatch loop over it until the client disconnects, a `close` message
// arrives, or Shutdown is called.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	d.serve(r.Context(), newWSConn(conn))
}

func (d *Dispatcher) serve(ctx context.Context, conn *wsConn) {
	defer conn.close(websocket.StatusNormalClosure, "closing")

	consecutiveFailures := 0
	for {
		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		raw, err := conn.readFrame(ctx)
		if err != nil {
			return
		}

		resp, closeRequested := d.dispatchOne(ctx, raw)
		if resp != nil {
			data, merr := json.Marshal(resp)
			if merr != nil {
				d.logger.Error("marshal response failed", zap.Error(merr))
			} else if werr := conn.writeFrame(ctx, data); werr != nil {
				consecutiveFailures++
				d.logger.Warn("send failed", zap.Int("consecutive", consecutiveFailures), zap.Error(werr))
				if consecutiveFailures > maxConsecutiveSendFailures {
					d.logger.Error("too many consecutive send failures, shutting down")
					d.Shutdown()
					return
				}
			} else {
				consecutiveFailures = 0
			}
		}

		if closeRequested {
			d.Shutdown()
			return
		}
	}
}

// dispatchOne parses and routes exactly one frame, returning the response to
// send (nil for message types with no reply) and whether the connection
// should close afterward.
func (d *Dispatcher) dispatchOne(ctx context.Context, raw []byte) (any, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return newErrorResponse("", fmt.Errorf("dispatcher: malformed json: %w", err)), false
	}
	if env.Type == "" {
		return newErrorResponse(env.UID, fmt.Errorf("dispatcher: missing type")), false
	}
	if env.UID == "" {
		env.UID = uuid.NewString()
	}

	d.recordAudit(ctx, env.UID, env.Type, "request")

	start := time.Now()
	resp, closeRequested, err := d.route(ctx, env, raw)
	if d.metrics != nil {
		d.metrics.ObserveRequest(env.Type, time.Since(start), err != nil)
	}
	if err != nil {
		resp = newErrorResponse(env.UID, err)
	}
	if resp != nil {
		d.recordAudit(ctx, env.UID, env.Type, "response")
	}
	return resp, closeRequested
}

func (d *Dispatcher) recordAudit(ctx context.Context, uid, msgType, direction string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(ctx, AuditEntry{UID: uid, Type: msgType, Direction: direction, Timestamp: time.Now()}); err != nil {
		d.logger.Warn("audit record failed", zap.Error(err))
	}
}

// route dispatches env to the handler for env.Type. Handlers that mutate a
// store run under d.mu; unknown types are a protocol error.
func (d *Dispatcher) route(ctx context.Context, env envelope, raw []byte) (any, bool, error) {
	switch env.Type {
	case "store":
		d.mu.Lock()
		defer d.mu.Unlock()
		return nil, false, d.handleStore(ctx, raw)
	case "query":
		resp, err := d.handleQuery(ctx, env.UID, raw)
		return resp, false, err
	case "process":
		d.mu.Lock()
		defer d.mu.Unlock()
		resp, err := d.handleProcess(ctx, env.UID, raw)
		return resp, false, err
	case "evict":
		d.mu.Lock()
		defer d.mu.Unlock()
		return nil, false, d.handleEvict(ctx, raw)
	case "clear":
		d.mu.Lock()
		defer d.mu.Unlock()
		resp, err := d.handleClear(ctx, env.UID, raw)
		return resp, false, err
	case "count":
		resp, err := d.handleCount(ctx, env.UID, raw)
		return resp, false, err
	case "close":
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("dispatcher: unknown message type %q", env.Type)
	}
}
