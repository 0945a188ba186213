package server

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendQueue         = 64
	minSendQueue             = 8
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	heartbeatTimeout         = 5 * time.Second
	maxPingFailures          = 3
	maxFrameBytes            = 1 << 20
)

// WebSocketConfig tunes the collaboration and presence sockets.
type WebSocketConfig struct {
	SendQueue         int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// TouchPresence refreshes presence last-seen on every successful ping.
	TouchPresence bool
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.SendQueue < minSendQueue {
		c.SendQueue = minSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	return c
}

// originPatterns converts allowed origins into the host patterns
// websocket.Accept checks cross-origin requests against.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	patterns := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		host := origin
		if origin != "*" && strings.Contains(origin, "://") {
			parsed, err := url.Parse(origin)
			if err != nil || parsed.Host == "" {
				continue
			}
			host = parsed.Host
		}
		host = strings.ToLower(host)
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		patterns = append(patterns, host)
	}
	return patterns
}

// socket is one accepted websocket connection with a bounded send queue.
// The queue is never closed; done signals every goroutine to stop.
type socket struct {
	id     string
	userID string
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	closeCode   websocket.StatusCode
	closeReason string
}

func newSocket(id, userID string, conn *websocket.Conn, cfg WebSocketConfig, logger *zap.Logger) *socket {
	conn.SetReadLimit(maxFrameBytes)
	return &socket{
		id:     id,
		userID: userID,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With(zap.String("session_id", id), zap.String("user_id", userID)),
		send:   make(chan []byte, cfg.SendQueue),
		done:   make(chan struct{}),
	}
}

// enqueue marshals message and queues it without blocking. A full queue
// closes the socket; the client reconnects and resynchronizes.
func (s *socket) enqueue(message any) bool {
	frame, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.Error(err))
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("send queue full, closing socket", zap.Int("queue", cap(s.send)))
		s.shutdown(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

func (s *socket) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// serve runs the writer and heartbeat goroutines and feeds every text frame
// to handle until the connection ends. onPing runs after each successful ping.
func (s *socket) serve(ctx context.Context, handle func(ctx context.Context, frame []byte), onPing func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()
	go s.heartbeatLoop(ctx, onPing)

	for {
		messageType, frame, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				s.logger.Debug("socket read ended", zap.Error(err))
			}
			s.shutdown(websocket.StatusNormalClosure, "bye")
			break
		}
		if messageType != websocket.MessageText {
			s.enqueue(errorFrame(codeBadEnvelope, "text frames only"))
			continue
		}
		handle(ctx, frame)
	}
	<-writerDone
}

func (s *socket) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.shutdown(websocket.StatusGoingAway, "server shutting down")
			_ = s.conn.Close(s.closeCode, s.closeReason)
			return
		case <-s.done:
			_ = s.conn.Close(s.closeCode, s.closeReason)
			return
		case frame := <-s.send:
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Info("socket write failed", zap.Error(err))
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
			}
		}
	}
}

func (s *socket) heartbeatLoop(ctx context.Context, onPing func(ctx context.Context)) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				failures++
				s.logger.Info("socket ping failed", zap.Int("failures", failures), zap.Error(err))
				if failures >= maxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
			if onPing != nil {
				onPing(ctx)
			}
		}
	}
}
