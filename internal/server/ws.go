package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tandemlabs/tandem/internal/synchronizer"
)

const realtimePingInterval = 30 * time.Second

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type realtimeSubscribeFrame struct {
	Action string `json:"action"`
	Kind   string `json:"kind"`
	Scope  string `json:"scope"`
	Cursor int64  `json:"cursor"`
}

type realtimeItemsFrame struct {
	Kind  string              `json:"kind"`
	Scope string              `json:"scope"`
	Items []synchronizer.Item `json:"items"`
}

// handleRealtime upgrades the request to a websocket and pushes stream deltas
// as bus events arrive. The client declares the streams it wants with
// subscribe frames; each subscription gets an immediate catch-up fetch from
// the cursor the client supplied.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}

	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	session := &realtimeSession{
		handler: h,
		userID:  userID,
		conn:    conn,
	}
	session.run(c.Request.Context())
}

type realtimeSession struct {
	handler *httpHandler
	userID  string
	conn    *websocket.Conn

	writeMu sync.Mutex

	streamsMu sync.Mutex
	streams   []*synchronizer.Synchronizer
}

func (s *realtimeSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close() //nolint:errcheck
	defer s.handler.registry.Remove(s.userID)

	eventStream, unsubscribe := s.handler.dispatcher.Subscribe(ctx)
	defer unsubscribe()

	go s.readLoop(ctx, cancel)

	ticker := time.NewTicker(realtimePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventStream:
			if !ok {
				return
			}
			for _, stream := range s.snapshotStreams() {
				items := stream.FetchDataFromEvent(ctx, event)
				if len(items) == 0 {
					continue
				}
				if err := s.writeItems(stream, items); err != nil {
					return
				}
			}
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop consumes subscribe frames until the peer disconnects.
func (s *realtimeSession) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		var frame realtimeSubscribeFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Action != "subscribe" {
			continue
		}
		kind, err := synchronizer.ParseKind(frame.Kind)
		if err != nil {
			s.handler.logger.Warn("realtime subscribe rejected",
				zap.String("user_id", s.userID),
				zap.String("kind", frame.Kind))
			continue
		}
		stream, err := s.handler.registry.GetOrCreate(s.userID, kind, frame.Scope, frame.Cursor)
		if err != nil {
			s.handler.logger.Error("realtime subscribe failed",
				zap.String("user_id", s.userID),
				zap.String("kind", frame.Kind),
				zap.Error(err))
			continue
		}
		s.addStream(stream)

		// Catch-up fetch so the client sees everything above its cursor
		// before event-driven pushes take over.
		if items := stream.FetchData(ctx); len(items) > 0 {
			if err := s.writeItems(stream, items); err != nil {
				return
			}
		}
	}
}

func (s *realtimeSession) addStream(stream *synchronizer.Synchronizer) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	for _, existing := range s.streams {
		if existing == stream {
			return
		}
	}
	s.streams = append(s.streams, stream)
}

func (s *realtimeSession) snapshotStreams() []*synchronizer.Synchronizer {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	copies := make([]*synchronizer.Synchronizer, len(s.streams))
	copy(copies, s.streams)
	return copies
}

func (s *realtimeSession) writeItems(stream *synchronizer.Synchronizer, items []synchronizer.Item) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(realtimeItemsFrame{
		Kind:  stream.Kind().String(),
		Scope: stream.Scope(),
		Items: items,
	})
}
