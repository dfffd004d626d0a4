package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/notice"
	"github.com/JakeFAU/digwatch/internal/notify"
)

const (
	defaultWSWriteTimeout = 10 * time.Second
	maxInboundFrame       = 64 << 10
	connectedMessage      = "WebSocket connection established"
)

type connectedPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
}

type inboundMessage struct {
	Type string `json:"type"`
}

var pongPayload = []byte(`{"type":"` + notify.TypePong + `"}`)

// wsConn adapts an upgraded connection to notify.Conn. All writes, control
// frame replies included, are serialised on mu.
type wsConn struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn net.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWSWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one text message.
func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setWriteDeadline(ctx); err != nil {
		return err
	}
	if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// closeWith sends a close frame carrying code and reason, then closes.
func (c *wsConn) closeWith(code ws.StatusCode, reason string) error {
	c.mu.Lock()
	err := c.setWriteDeadline(context.Background())
	if err == nil {
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
		if werr := ws.WriteFrame(c.conn, frame); werr != nil {
			err = fmt.Errorf("write close frame: %w", werr)
		}
	}
	c.mu.Unlock()
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *wsConn) setWriteDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return nil
}

// readLoop consumes client frames until the connection ends. Application
// pings are answered with pongs; anything else is ignored.
func (c *wsConn) readLoop(ctx context.Context, logger *zap.Logger) error {
	control := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	lockedControl := func(h ws.Header, r io.Reader) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return control(h, r)
	}
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxInboundFrame,
		OnIntermediate: lockedControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if hdr.OpCode.IsControl() {
			if err := lockedControl(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return fmt.Errorf("discard frame: %w", err)
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("ignoring malformed message", zap.Error(err))
			continue
		}
		if msg.Type == notify.TypePing {
			if err := c.Send(ctx, pongPayload); err != nil {
				return err
			}
		}
	}
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	externalID := r.URL.Query().Get("external_id")
	if externalID == "" {
		writeError(w, http.StatusBadRequest, "external_id required")
		return
	}
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already answered the client.
		s.logger.Warn("websocket upgrade failed", zap.String("external_id", externalID), zap.Error(err))
		return
	}
	conn := newWSConn(raw, s.cfg.Server.WSWriteTimeout)
	logger := s.logger.With(zap.String("external_id", externalID))

	ctx := context.WithoutCancel(r.Context())
	user, err := s.users.GetByExternalID(ctx, externalID)
	if err != nil {
		code, reason := ws.StatusPolicyViolation, "User not found"
		if !errors.Is(err, notice.ErrNotFound) {
			code, reason = ws.StatusInternalServerError, "internal error"
			logger.Error("user lookup failed", zap.Error(err))
		}
		if cerr := conn.closeWith(code, reason); cerr != nil {
			logger.Debug("close rejected connection", zap.Error(cerr))
		}
		return
	}

	hello, err := json.Marshal(connectedPayload{
		Type:    notify.TypeConnected,
		Message: connectedMessage,
		UserID:  user.ID,
	})
	if err != nil {
		logger.Error("encode connected message", zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := conn.Send(ctx, hello); err != nil {
		logger.Warn("send connected message failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	s.registry.Register(externalID, conn)
	defer func() {
		s.registry.Unregister(externalID, conn)
		_ = conn.Close()
	}()
	logger.Info("websocket connected", zap.Int64("user_id", user.ID))

	if err := conn.readLoop(ctx, logger); err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			logger.Info("websocket disconnected")
			return
		}
		logger.Warn("websocket read failed", zap.Error(err))
	}
}
