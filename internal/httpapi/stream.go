package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/trackerstore"
)

const (
	frameAuth        = "AUTH"
	frameAuthOK      = "AUTH_OK"
	frameAuthError   = "AUTH_ERROR"
	frameSubscribe   = "SUBSCRIBE"
	frameUnsubscribe = "UNSUBSCRIBE"
	frameSubscribed  = "SUBSCRIBED"
	framePing        = "PING"
	framePong        = "PONG"
	frameError       = "ERROR"

	streamWriteTimeout = 10 * time.Second
	streamReadLimit    = 64 << 10
)

type streamScope struct {
	ProjectID string `json:"projectId,omitempty"`
}

type inboundFrame struct {
	Type  string      `json:"type"`
	Token string      `json:"token,omitempty"`
	Scope streamScope `json:"scope"`
}

type controlReply struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type streamClient struct {
	conn   *websocket.Conn
	claims tokenClaims
	send   chan []byte
	done   chan struct{}

	mu       sync.Mutex
	projects map[string]struct{}

	closeOnce sync.Once
}

func (c *streamClient) wants(change trackerstore.Change) bool {
	switch change.Kind {
	case model.KindTask:
		if !c.claims.has(ScopeTasksRead) {
			return false
		}
		return c.inScope(change.ProjectID)
	case model.KindProject:
		if !c.claims.has(ScopeProjectsRead) {
			return false
		}
		return c.inScope(change.ID)
	case model.KindNotification:
		return c.claims.has(ScopeNotificationsRead) && change.UserID == c.claims.UserID
	}
	return false
}

// inScope is true for every project until the client subscribes to one.
func (c *streamClient) inScope(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.projects) == 0 {
		return true
	}
	_, ok := c.projects[projectID]
	return ok
}

func (c *streamClient) subscribe(projectID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.projects[projectID] = struct{}{}
	} else {
		delete(c.projects, projectID)
	}
}

// enqueue never blocks; false means the queue is full.
func (c *streamClient) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *streamClient) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() { _ = c.conn.Close(code, reason) }()
	})
}

type hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: map[*streamClient]struct{}{}}
}

func (h *hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[*streamClient]struct{}{}
	h.mu.Unlock()
	for c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// broadcast runs under the store's write lock, so it only queues.
func (h *hub) broadcast(change trackerstore.Change) {
	payload, err := encodeChange(change)
	if err != nil {
		h.logger.Error("encode push event failed", "event", change.Event, "id", change.ID, "err", err)
		return
	}
	h.mu.RLock()
	var slow []*streamClient
	for c := range h.clients {
		if !c.wants(change) {
			continue
		}
		if !c.enqueue(payload) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.logger.Warn("dropping slow stream client", "user_id", c.claims.UserID)
		h.remove(c)
		c.close(websocket.StatusTryAgainLater, "client too slow")
	}
}

func encodeChange(change trackerstore.Change) ([]byte, error) {
	var data any = change.Record
	if change.Record == nil {
		data = model.DeletedRef{ID: change.ID}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Type: change.Event, Data: raw, Timestamp: change.At})
}

// handleStream upgrades to a websocket and runs the push protocol: the first
// frame must be AUTH, after which the client may SUBSCRIBE to project scopes
// and receives entity events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("stream upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(streamReadLimit)

	claims, ok := s.authenticateStream(r.Context(), conn)
	if !ok {
		return
	}

	client := &streamClient{
		conn:     conn,
		claims:   claims,
		send:     make(chan []byte, s.cfg.StreamBuffer),
		done:     make(chan struct{}),
		projects: map[string]struct{}{},
	}
	s.hub.add(client)
	defer s.hub.remove(client)
	s.logger.Debug("stream client connected", "user_id", claims.UserID)

	go s.writeLoop(client)
	s.readLoop(client)
	client.close(websocket.StatusNormalClosure, "")
	s.logger.Debug("stream client disconnected", "user_id", claims.UserID)
}

func (s *Server) authenticateStream(ctx context.Context, conn *websocket.Conn) (tokenClaims, bool) {
	// An expired read context tears the socket down without a close frame,
	// so the deadline closes the connection instead.
	deadline := time.AfterFunc(s.cfg.StreamAuthTimeout, func() {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth timeout")
	})
	_, payload, err := conn.Read(ctx)
	if !deadline.Stop() {
		return tokenClaims{}, false
	}
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth required")
		return tokenClaims{}, false
	}

	authCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Type != frameAuth {
		s.rejectStream(authCtx, conn, "bad_request", "first frame must be AUTH")
		return tokenClaims{}, false
	}
	claims, authErr := parseToken(strings.TrimSpace(frame.Token), s.cfg.JWTSecret, s.now())
	if authErr != nil {
		s.rejectStream(authCtx, conn, authErr.code, authErr.message)
		return tokenClaims{}, false
	}
	reply, _ := json.Marshal(controlReply{Type: frameAuthOK, Data: map[string]string{"userId": claims.UserID}})
	if err := conn.Write(authCtx, websocket.MessageText, reply); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth ack failed")
		return tokenClaims{}, false
	}
	return claims, true
}

func (s *Server) rejectStream(ctx context.Context, conn *websocket.Conn, code, message string) {
	reply, _ := json.Marshal(controlReply{Type: frameAuthError, Code: code, Message: message})
	_ = conn.Write(ctx, websocket.MessageText, reply)
	_ = conn.Close(websocket.StatusPolicyViolation, message)
}

func (s *Server) readLoop(c *streamClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, payload, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("stream read failed", "user_id", c.claims.UserID, "err", err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.reply(c, controlReply{Type: frameError, Code: "bad_request", Message: "invalid json frame"})
			continue
		}
		switch frame.Type {
		case frameSubscribe, frameUnsubscribe:
			projectID := strings.TrimSpace(frame.Scope.ProjectID)
			if projectID == "" {
				s.reply(c, controlReply{Type: frameError, Code: "bad_request", Message: "scope.projectId is required"})
				continue
			}
			c.subscribe(projectID, frame.Type == frameSubscribe)
			if frame.Type == frameSubscribe {
				s.reply(c, controlReply{Type: frameSubscribed, Data: map[string]any{"scope": streamScope{ProjectID: projectID}}})
			}
		case framePing:
			s.reply(c, controlReply{Type: framePong})
		case frameAuth:
			// Re-authentication on an open stream is not supported; the
			// client reconnects with the new token.
			s.reply(c, controlReply{Type: frameError, Code: "bad_request", Message: "already authenticated"})
		default:
			s.reply(c, controlReply{Type: frameError, Code: "bad_request", Message: "unknown frame type"})
		}
	}
}

func (s *Server) reply(c *streamClient, frame controlReply) {
	payload, _ := json.Marshal(frame)
	if !c.enqueue(payload) {
		s.hub.remove(c)
		c.close(websocket.StatusTryAgainLater, "client too slow")
	}
}

func (s *Server) writeLoop(c *streamClient) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.logger.Debug("stream write failed", "user_id", c.claims.UserID, "err", err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
