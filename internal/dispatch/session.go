package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/auth"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
)

const (
	authWait     = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second

	// Access tokens are rotated in-band when they are about to lapse.
	tokenRotateWindow = 2 * time.Minute

	sendBuffer = 256
)

// wsConn is the slice of *websocket.Conn the session relies on, split out
// so session behavior is testable without a network peer.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// session is one authenticated websocket connection. The write loop is the
// single writer on the connection; everything else goes through enqueue.
type session struct {
	ch     *Channel
	conn   wsConn
	userID string
	role   string

	send chan []byte
	done chan struct{}
	once sync.Once

	accessToken  string
	refreshToken string

	// Customer's last position that produced a nearby-drivers push.
	lastLat *float64
	lastLon *float64
}

func (s *session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		// A consumer that cannot keep up is disconnected rather than
		// served an ever-growing backlog.
		logger.Warn("ws_send_buffer_full", "Dropping slow session",
			zap.String("user_id", s.userID))
		s.close()
	}
}

func (s *session) sendEvent(kind string, payload any) {
	frame, err := encodeEvent(kind, payload)
	if err != nil {
		logger.Error("ws_encode_failed", "Failed to encode outbound event", err,
			zap.String("event", kind))
		return
	}
	s.enqueue(frame)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop owns all writes: queued frames, keepalive pings and the in-band
// maintenance that rides on the ping tick.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("ws_write_failed", "Failed to write frame",
					zap.String("user_id", s.userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn("ws_ping_failed", "Ping failed",
					zap.String("user_id", s.userID), zap.Error(err))
				return
			}
			s.maintain()
		case <-s.done:
			return
		}
	}
}

// maintain rotates a near-expiry access token and nudges drivers whose last
// fix has gone stale. Runs on every ping tick.
func (s *session) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if s.ch.auth.AccessExpiresWithin(s.accessToken, tokenRotateWindow) {
		fresh, _, err := s.ch.auth.Refresh(s.refreshToken)
		if err != nil {
			logger.Warn("ws_token_rotate_failed", "Could not rotate access token",
				zap.String("user_id", s.userID), zap.Error(err))
		} else {
			s.accessToken = fresh
			s.sendEvent(EventTokenRefreshed, TokenRefreshedPayload{Token: fresh})
		}
	}

	if s.role == auth.RoleDriver {
		fix, err := s.ch.drivers.LastLocation(ctx, s.userID)
		stale := err != nil || time.Since(fix.UpdatedAt) > s.ch.settings.StalenessWindow(ctx)
		if stale {
			s.sendEvent(EventRequestLocationUpdate, nil)
		}
	}
}
