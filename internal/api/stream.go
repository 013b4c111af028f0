package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/internal/graph"
	"github.com/polkatrace/graph-engine/internal/metrics"
	"github.com/polkatrace/graph-engine/internal/validate"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// Stream event types, emitted in order within a session.
const (
	evStarted   = "stream:started"
	evProgress  = "stream:progress"
	evData      = "stream:data"
	evCompleted = "stream:completed"
	evError     = "stream:error"
)

// streamBatchNodes is the node budget per expansion batch.
const streamBatchNodes = 50

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
)

// SessionRegistry tracks live streaming sessions and upgrades incoming
// connections. One websocket connection carries at most one active
// session at a time; a new subscribe cancels the previous session.
type SessionRegistry struct {
	h        *Handler
	upgrader websocket.Upgrader
	log      zerolog.Logger
	met      *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionRegistry(h *Handler, log zerolog.Logger, met *metrics.Metrics) *SessionRegistry {
	allowed := make(map[string]bool)
	for _, o := range h.cfg.Origins() {
		allowed[o] = true
	}
	return &SessionRegistry{
		h: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin.
				return origin == "" || allowed[origin]
			},
		},
		log:      log.With().Str("component", "stream").Logger(),
		met:      met,
		sessions: make(map[string]*session),
	}
}

// Active reports the number of live sessions.
func (r *SessionRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type subscribeMsg struct {
	Type      string `json:"type"`
	Address   string `json:"address"`
	Depth     int    `json:"depth"`
	MinVolume string `json:"minVolume"`
	MaxPages  int    `json:"maxPages"`
	SessionID string `json:"sessionId"`
}

type session struct {
	id     string
	cancel context.CancelFunc
}

// conn serializes all writes to one websocket through a mutex so the
// session goroutine and control replies never interleave frames.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(ev event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(ev)
}

// Subscribe is GET /api/stream: upgrade, then serve subscribe/cancel
// messages until the client goes away.
func (r *SessionRegistry) Subscribe(c *gin.Context) {
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	cn := &conn{ws: ws}
	connCtx, connCancel := context.WithCancel(c.Request.Context())
	defer connCancel()

	var (
		mu      sync.Mutex
		current *session
	)
	stopCurrent := func() {
		mu.Lock()
		if current != nil {
			current.cancel()
			r.unregister(current.id)
			current = nil
		}
		mu.Unlock()
	}
	defer stopCurrent()
	defer ws.Close()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = cn.send(event{Type: evError, Payload: apiError{Code: codeInvalidParameters, Message: "malformed message"}})
			continue
		}
		switch msg.Type {
		case "stream:graph":
			if err := validate.Address(msg.Address); err != nil {
				_ = cn.send(event{Type: evError, Payload: apiError{Code: codeInvalidAddress, Message: "invalid address"}})
				continue
			}
			stopCurrent()
			sctx, scancel := context.WithCancel(connCtx)
			s := &session{id: uuid.NewString(), cancel: scancel}
			mu.Lock()
			current = s
			mu.Unlock()
			r.register(s)
			go func() {
				defer r.unregister(s.id)
				defer scancel()
				r.run(sctx, cn, s.id, msg)
			}()
		case "stream:cancel":
			stopCurrent()
		default:
			_ = cn.send(event{Type: evError, Payload: apiError{Code: codeInvalidParameters, Message: "unknown message type"}})
		}
	}
}

func (r *SessionRegistry) register(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.met.ActiveSessions.Inc()
}

func (r *SessionRegistry) unregister(id string) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.met.ActiveSessions.Dec()
	}
	r.mu.Unlock()
}

// run drives one session: an initial assembly, then cursor expansions
// until the cursor runs out, maxPages is hit, or the context dies.
// Cancellation is checked between batches, so at most one batch of
// upstream work happens after a cancel.
func (r *SessionRegistry) run(ctx context.Context, cn *conn, id string, msg subscribeMsg) {
	maxPages := msg.MaxPages
	if maxPages <= 0 || maxPages > r.h.cfg.StreamMaxPages {
		maxPages = r.h.cfg.StreamMaxPages
	}
	depth := msg.Depth
	if depth < 1 || depth > validate.MaxDepth {
		depth = 1
	}
	minVol, err := validate.Volume(msg.MinVolume, r.log)
	if err != nil {
		_ = cn.send(event{Type: evError, SessionID: id, Payload: apiError{Code: codeInvalidParameters, Message: "invalid minVolume"}})
		return
	}

	if err := cn.send(event{Type: evStarted, SessionID: id, Payload: gin.H{"address": msg.Address}}); err != nil {
		return
	}

	totalNodes, totalEdges := 0, 0
	cursor := ""
	for batch := 1; batch <= maxPages; batch++ {
		if ctx.Err() != nil {
			return
		}

		var payload *models.GraphPayload
		var err error
		if cursor == "" {
			payload, err = r.h.assembler.Assemble(ctx, graph.Request{
				Center:    msg.Address,
				Depth:     depth,
				MaxNodes:  streamBatchNodes,
				MinVolume: minVol,
			})
		} else {
			var cur *models.Cursor
			cur, err = graph.DecodeCursor(cursor)
			if err == nil {
				payload, err = r.h.assembler.Expand(ctx, cur, minVol, false)
			}
		}
		if err != nil {
			_ = cn.send(event{Type: evError, SessionID: id, Payload: apiError{Code: codeInternalError, Message: "batch failed"}})
			r.log.Warn().Err(err).Str("session", id).Int("batch", batch).Msg("stream batch failed")
			return
		}

		totalNodes += len(payload.Nodes)
		totalEdges += len(payload.Edges)
		r.met.StreamBatches.Inc()

		if err := cn.send(event{Type: evData, SessionID: id, Payload: gin.H{
			"batch":      batch,
			"nodes":      payload.Nodes,
			"edges":      payload.Edges,
			"nextCursor": payload.Metadata.NextCursor,
		}}); err != nil {
			return
		}
		if err := cn.send(event{Type: evProgress, SessionID: id, Payload: gin.H{
			"batch":      batch,
			"totalNodes": totalNodes,
			"totalEdges": totalEdges,
		}}); err != nil {
			return
		}

		cursor = payload.Metadata.NextCursor
		if cursor == "" {
			break
		}
	}

	_ = cn.send(event{Type: evCompleted, SessionID: id, Payload: gin.H{
		"totalNodes": totalNodes,
		"totalEdges": totalEdges,
	}})
}
