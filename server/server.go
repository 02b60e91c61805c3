package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/avolens/roomsync/auth"
	"github.com/avolens/roomsync/config"
	"github.com/avolens/roomsync/presence"
	"github.com/avolens/roomsync/room"
	"github.com/avolens/roomsync/snapshot"
)

// Server is the single entry point for all realtime connection and message
// handling. It owns the connection registry and the per-IP/per-user counters;
// rooms are owned by the Room Manager and only referenced here.
type Server struct {
	logger    *slog.Logger
	cfg       *config.Config
	authn     *auth.Authenticator
	rooms     *room.Manager
	tracker   *presence.Tracker
	snapshots *snapshot.Manager // nil when snapshotting is disabled
	hooks     Hook

	upgrader websocket.Upgrader
	http     *http.Server
	limits   *connLimits

	mu      sync.Mutex
	clients map[uuid.UUID]*Client

	listening atomic.Bool
}

func New(cfg *config.Config, authn *auth.Authenticator, rooms *room.Manager, tracker *presence.Tracker, snaps *snapshot.Manager, hooks Hook, logger *slog.Logger) *Server {
	s := &Server{
		logger:    logger.With(slog.String("component", "realtime_server")),
		cfg:       cfg,
		authn:     authn,
		rooms:     rooms,
		tracker:   tracker,
		snapshots: snaps,
		hooks:     hooks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limits:  newConnLimits(cfg.RateLimit.MaxConnsPerIP, cfg.RateLimit.MaxConnsPerUser),
		clients: make(map[uuid.UUID]*Client),
	}

	r := mux.NewRouter()
	r.Use(requestLogger(s.logger))
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(cfg.Server.PathPrefix+"/{roomType}/{documentId}", s.handleWS)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	s.listening.Store(true)
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func requestLogger(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Info("handled",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", m.Code),
				slog.Duration("duration", m.Duration),
			)
		})
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Server.Enabled {
		s.logger.Info("realtime server disabled by configuration")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.snapshots != nil {
		go s.runSnapshotScheduler(loopCtx)
	}
	go s.rooms.RunReaper(loopCtx, s.cfg.Rooms.IdleTimeout)

	go func() {
		s.logger.Info("listening", slog.String("addr", s.http.Addr), slog.String("path", s.cfg.Server.PathPrefix))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listen failed", slog.Any("error", err))
			s.listening.Store(false)
		}
	}()

	<-ctx.Done()
	return s.Shutdown()
}

// Shutdown stops accepting connections, snapshots every live room, closes all
// open connections, and only then releases the listener.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")
	s.listening.Store(false)

	if s.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Snapshot.Timeout)
		for _, rm := range s.rooms.Rooms() {
			s.snapshotRoom(ctx, rm)
		}
		cancel()
	}

	s.mu.Lock()
	open := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("shut down complete")
	return nil
}

// extractToken pulls the bearer credential from, in order of precedence, the
// Authorization header, the websocket subprotocol list, or the deprecated
// query parameter.
func extractToken(r *http.Request) (token string, deprecated bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), false
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, "bearer.") {
			return strings.TrimPrefix(proto, "bearer."), false
		}
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, true
	}
	return "", false
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// refuse delivers a single structured error envelope and closes the
// connection.
func refuse(conn *websocket.Conn, env Envelope, closeCode int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.SetWriteDeadline(deadline)
	conn.WriteMessage(websocket.TextMessage, env.Encode())
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), deadline)
	conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.listening.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	vars := mux.Vars(r)
	roomID := room.ID{Type: vars["roomType"], DocumentID: vars["documentId"]}
	if roomID.Type == "" || roomID.DocumentID == "" {
		http.Error(w, CodeMalformedRequest, http.StatusBadRequest)
		return
	}

	token, deprecated := extractToken(r)
	if deprecated {
		s.logger.Warn("credential passed via query parameter is deprecated",
			slog.String("remoteAddr", r.RemoteAddr))
	}
	ip := clientIP(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}

	// Authentication is the suspension point of connection setup; the limit
	// check below runs after it completes and reserves atomically.
	sess, err := s.authn.Authenticate(r.Context(), token, roomID.DocumentID)
	if err != nil {
		code := CodeAuthenticationFailed
		if errors.Is(err, auth.ErrAuthorizationDenied) {
			code = CodeAuthorizationDenied
		}
		refuse(conn, Envelope{
			Type:  TypeControl,
			Event: EventError,
			Error: &ErrorPayload{Code: code, Message: err.Error()},
		}, websocket.ClosePolicyViolation, code)
		return
	}

	if lerr := s.limits.acquire(ip, sess.UserID); lerr != nil {
		refuse(conn, Envelope{
			Type:  TypeControl,
			Event: EventError,
			Error: &ErrorPayload{
				Code:      CodeConnectionLimitExceeded,
				Message:   lerr.Error(),
				Dimension: lerr.Dimension,
				Limit:     lerr.Limit,
			},
		}, websocket.ClosePolicyViolation, CodeConnectionLimitExceeded)
		return
	}

	c := newClient(s, conn, ip)
	c.UserID = sess.UserID
	c.Username = sess.Username
	c.Role = sess.Role
	c.Permissions = sess.Permissions
	c.RoomID = roomID

	pres := s.tracker.Add(sess.UserID, sess.Username)
	c.Color = pres.Color

	// Join, retrying if the room is destroyed between lookup and
	// registration (last-participant disconnect, or the idle reaper). A
	// destroyed room is already gone from the manager, so the retry gets a
	// fresh live instance.
	var rm *room.Room
	for {
		var err error
		rm, err = s.rooms.GetOrCreate(r.Context(), roomID)
		if err != nil {
			if s.limits.release(ip, sess.UserID) {
				s.tracker.Remove(sess.UserID)
			}
			refuse(conn, Envelope{
				Type:  TypeControl,
				Event: EventError,
				Error: &ErrorPayload{Code: CodeRoomCapacityExceeded, Message: err.Error()},
			}, websocket.CloseTryAgainLater, CodeRoomCapacityExceeded)
			return
		}
		if err := rm.AddClient(room.NewParticipant(c.ID, c.UserID, c.Username, c.Color, c)); err == nil {
			break
		}
	}

	s.mu.Lock()
	s.clients[c.ID] = c
	s.mu.Unlock()

	go c.writePump()

	state, version := rm.ExportState()
	c.sendEnvelope(Envelope{
		Type:  TypeControl,
		Event: EventRoomState,
		Room: &RoomState{
			ID:           roomID.String(),
			Participants: rm.Participants(),
			State:        base64.StdEncoding.EncodeToString(state),
			Version:      version,
		},
	})
	rm.Broadcast(Envelope{Type: TypePresence, Event: EventJoined, User: pres}.Encode(), c.ID)

	s.logger.Info("client joined",
		slog.String("clientID", c.ID.String()),
		slog.String("userID", c.UserID),
		slog.String("room", roomID.String()),
	)
	s.emit("connect", map[string]any{"user": c.UserID, "room": roomID.String()})

	c.readPump()
}

// handleMessage dispatches one inbound envelope from a client's read pump.
func (s *Server) handleMessage(c *Client, data []byte) {
	// Frames can still arrive between a forced close and the transport
	// actually closing; none of them may be processed or broadcast.
	if c.closed() {
		return
	}

	// Peek the type first: pings bypass rate limiting entirely.
	if gjson.GetBytes(data, "type").String() == TypePing {
		c.sendEnvelope(Envelope{Type: TypePong})
		return
	}

	ok, advise := c.limiter.allow(time.Now())
	if advise {
		c.sendEnvelope(Envelope{
			Type:  TypeControl,
			Event: EventNotice,
			Notice: &NoticePayload{
				Level:   "warning",
				Message: fmt.Sprintf("approaching message rate limit (%d/s)", c.limiter.perSecond),
			},
		})
	}
	if !ok {
		c.sendError(CodeRateLimitExceeded, fmt.Sprintf("message rate limit of %d/s exceeded", c.limiter.perSecond))
		c.close(websocket.ClosePolicyViolation, CodeRateLimitExceeded)
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed envelope dropped", slog.Any("error", err))
		return
	}

	switch env.Type {
	case TypeSync:
		s.handleSync(c, &env)
	case TypePresence:
		s.handlePresence(c, &env)
	case TypePong:
		// Client answered an application-level ping. Nothing to do.
	default:
		c.logger.Warn("unknown envelope type dropped", slog.String("type", env.Type))
	}
}

func (s *Server) handleSync(c *Client, env *Envelope) {
	update, err := base64.StdEncoding.DecodeString(env.Update)
	if err != nil || len(update) == 0 {
		c.logger.Warn("sync envelope with undecodable update dropped", slog.Any("error", err))
		return
	}
	rm, ok := s.rooms.Get(c.RoomID)
	if !ok {
		c.logger.Warn("sync for unknown room dropped", slog.String("room", c.RoomID.String()))
		return
	}
	version, err := rm.ApplyUpdate(update)
	if err != nil {
		c.logger.Warn("update rejected", slog.Any("error", err))
		return
	}
	// Rebroadcast the accepted update verbatim, tagged with the new version
	// and the originating user.
	rm.Broadcast(Envelope{
		Type:    TypeSync,
		Update:  env.Update,
		Version: version,
		From:    c.UserID,
	}.Encode(), c.ID)
}

func (s *Server) handlePresence(c *Client, env *Envelope) {
	rm, ok := s.rooms.Get(c.RoomID)
	if !ok {
		return
	}
	switch env.Event {
	case EventCursor:
		if env.Cursor == nil {
			c.logger.Warn("cursor envelope without cursor payload dropped")
			return
		}
		s.tracker.UpdateCursor(c.UserID, env.Cursor.Position, env.Cursor.Selection)
		pres, _ := s.tracker.Get(c.UserID)
		rm.Broadcast(Envelope{
			Type:   TypePresence,
			Event:  EventCursor,
			User:   pres,
			Cursor: env.Cursor,
		}.Encode(), c.ID)
	case EventAwareness:
		// Relayed without local state mutation.
		rm.Broadcast(Envelope{
			Type:      TypePresence,
			Event:     EventAwareness,
			From:      c.UserID,
			Awareness: env.Awareness,
		}.Encode(), c.ID)
	default:
		c.logger.Warn("unknown presence event dropped", slog.String("event", env.Event))
	}
}

// removeClient is the single disconnect cleanup path. It runs unconditionally
// from the read pump, whatever caused the connection to end.
func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	_, registered := s.clients[c.ID]
	delete(s.clients, c.ID)
	s.mu.Unlock()
	if !registered {
		return
	}

	lastForUser := s.limits.release(c.IP, c.UserID)
	if lastForUser {
		s.tracker.Remove(c.UserID)
	}

	if rm, ok := s.rooms.Get(c.RoomID); ok {
		remaining := rm.RemoveClient(c.ID)
		rm.Broadcast(Envelope{
			Type:  TypePresence,
			Event: EventLeft,
			User:  &presence.Presence{UserID: c.UserID, Username: c.Username, Color: c.Color},
		}.Encode(), c.ID)

		if remaining == 0 {
			if s.snapshots != nil {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Snapshot.Timeout)
				s.snapshotRoom(ctx, rm)
				cancel()
			}
			if err := s.rooms.Destroy(c.RoomID); err != nil {
				// A new participant joined between the count and the destroy.
				s.logger.Debug("room destroy skipped", slog.Any("reason", err))
			}
		}
	}

	s.logger.Info("client left",
		slog.String("clientID", c.ID.String()),
		slog.String("userID", c.UserID),
		slog.String("room", c.RoomID.String()),
	)
	s.emit("disconnect", map[string]any{"user": c.UserID, "room": c.RoomID.String()})
}

// runSnapshotScheduler periodically persists rooms that crossed their update
// or age threshold. A failed pass never prevents future attempts.
func (s *Server) runSnapshotScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Snapshot.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, rm := range s.rooms.Rooms() {
				if rm.NeedsSnapshot(int64(s.cfg.Snapshot.MaxUpdates), s.cfg.Snapshot.Interval) {
					s.snapshotRoom(ctx, rm)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// snapshotRoom persists one room, best effort. Snapshot failures are logged
// and never surfaced to clients.
func (s *Server) snapshotRoom(ctx context.Context, rm *room.Room) {
	if s.snapshots == nil {
		return
	}
	state, version := rm.ExportState()
	if state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Snapshot.Timeout)
	defer cancel()
	if err := s.snapshots.Capture(ctx, rm.ID().String(), state, version); err != nil {
		s.logger.Warn("snapshot failed",
			slog.String("room", rm.ID().String()),
			slog.Any("error", err),
		)
		return
	}
	rm.MarkSnapshot(version)
	s.emit("snapshot", map[string]any{"room": rm.ID().String(), "version": version})
}

// HealthStatus is the report served at /healthz.
type HealthStatus struct {
	Status      string `json:"status"`
	Listening   bool   `json:"listening"`
	Connections struct {
		Total int `json:"total"`
		Users int `json:"users"`
		IPs   int `json:"ips"`
	} `json:"connections"`
	Rooms struct {
		Count int `json:"count"`
		Max   int `json:"max"`
	} `json:"rooms"`
}

// Health reports current capacity usage. The server is marked degraded when
// any dimension passes 90% of its limit but keeps serving.
func (s *Server) Health() HealthStatus {
	var h HealthStatus
	h.Listening = s.listening.Load()
	h.Connections.Total, h.Connections.Users, h.Connections.IPs = s.limits.counts()
	h.Rooms.Count = s.rooms.Count()
	h.Rooms.Max = s.rooms.Max()

	h.Status = "ok"
	peakIP, peakUser := s.limits.peaks()
	if !h.Listening ||
		h.Rooms.Count*10 >= h.Rooms.Max*9 ||
		peakIP*10 >= s.cfg.RateLimit.MaxConnsPerIP*9 ||
		peakUser*10 >= s.cfg.RateLimit.MaxConnsPerUser*9 {
		h.Status = "degraded"
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Health())
}
