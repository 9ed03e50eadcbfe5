package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
)

// Server is the HTTP surface of a Processor:
//
//	POST /event     {"event": {...}}  process one event
//	GET  /snapshot                    every container of the document
//	GET  /healthz                     liveness and engine counters
//	GET  /ws                          websocket update feed
//
// Every committed transaction is pushed to feed subscribers as the list of
// changed containers' full snapshots.
type Server struct {
	proc     *engine.Processor
	doc      *doc.Document
	hub      *hub
	router   *gin.Engine
	upgrader websocket.Upgrader
	unhook   func()

	secret  string
	origins []string
	queued  bool
}

// Option configures a Server.
type Option func(*Server)

// WithJWTSecret requires HS256 bearer tokens signed with secret.
// Empty disables auth.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithAllowedOrigins accepts websocket handshakes from origins starting
// with one of prefixes. Requests without an Origin header are always
// accepted. By default only same-host origins are accepted.
func WithAllowedOrigins(prefixes ...string) Option {
	return func(s *Server) {
		s.origins = prefixes
	}
}

// WithQueue routes POST /event through Processor.Submit, so external events
// wait behind pending follow-ups. Processor.Run must be running.
func WithQueue() Option {
	return func(s *Server) {
		s.queued = true
	}
}

// New creates a server for p and subscribes the update feed to its
// document's commits.
func New(p *engine.Processor, opts ...Option) *Server {
	s := &Server{
		proc: p,
		doc:  p.Document(),
		hub:  newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.origins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/healthz", s.handleHealth)

	api := r.Group("/")
	api.Use(authMiddleware(s.secret))
	api.POST("/event", s.handleEvent)
	api.GET("/snapshot", s.handleSnapshot)
	api.GET("/ws", s.handleWS)
	s.router = r

	s.unhook = s.doc.OnCommit(s.Broadcast)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Subscribers returns the number of connected feed subscribers.
func (s *Server) Subscribers() int {
	return s.hub.len()
}

// Close stops broadcasting and disconnects every subscriber.
func (s *Server) Close() {
	s.unhook()
	s.hub.closeAll()
}

// Broadcast pushes the containers changed by commit to every subscriber.
func (s *Server) Broadcast(commit doc.Commit) {
	if s.hub.len() == 0 {
		return
	}
	updates, err := s.doc.Updates(commit, s.proc.Seq())
	if err != nil {
		slog.Error("encode feed update failed", "error", err)
		return
	}
	msg, err := encodeUpdates(updates)
	if err != nil {
		slog.Error("encode feed update failed", "error", err)
		return
	}
	s.hub.broadcast(msg)
}

type eventRequest struct {
	Event json.RawMessage `json:"event"`
}

type eventResponse struct {
	ID      string `json:"id,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Event) == 0 || string(req.Event) == "null" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing event"})
		return
	}

	var ev ir.Event
	if err := json.Unmarshal(req.Event, &ev); err != nil {
		writeError(c, err)
		return
	}

	extra := requestExtraArgs(c)
	var (
		res engine.Result
		err error
	)
	if s.queued {
		res, err = s.proc.Submit(c.Request.Context(), ev, extra)
	} else {
		res, err = s.proc.Process(c.Request.Context(), ev, extra)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, eventResponse{
		ID:      res.ID,
		Seq:     res.Seq,
		Outcome: string(res.Outcome),
		Reason:  string(res.Reason),
	})
}

// writeError maps processing errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		verr *ir.ValidationError
		rerr *engine.ReducerError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &rerr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rerr.Error(), "reducer": rerr.Reducer})
	case errors.Is(err, engine.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("event request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) snapshot() ([]doc.Update, error) {
	seq := s.proc.Seq()
	names := s.doc.Names()
	updates := make([]doc.Update, 0, len(names))
	for _, name := range names {
		u, ok, err := s.doc.Update(name, seq)
		if err != nil {
			return nil, err
		}
		if ok {
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func (s *Server) handleSnapshot(c *gin.Context) {
	updates, err := s.snapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updates)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"protocol":    ir.ProtocolVersion,
		"seq":         s.proc.Seq(),
		"sequences":   s.proc.SequenceCount(),
		"subscribers": s.hub.len(),
	})
}

// handleWS upgrades to the update feed. The first message is a full
// snapshot; later messages carry the containers changed by each commit.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed",
			"error", err,
			"origin", c.GetHeader("Origin"),
		)
		return
	}

	sub := &subscriber{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: requestExtraArgs(c).String("user_id"),
	}

	// The snapshot is queued before any commit broadcast that follows it.
	// A commit racing the join may be delivered twice, never out of order.
	err = s.hub.join(sub, func() ([]byte, error) {
		updates, err := s.snapshot()
		if err != nil {
			return nil, err
		}
		return encodeUpdates(updates)
	})
	if err != nil {
		slog.Error("feed snapshot failed", "error", err)
		close(sub.send)
		sub.writeLoop()
		return
	}

	go sub.writeLoop()
	sub.readLoop()
	s.hub.remove(sub)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.ContainsFunc(s.origins, func(prefix string) bool {
		return strings.HasPrefix(origin, prefix)
	})
}

// requestLogger logs one line per request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}
