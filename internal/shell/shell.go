// Package shell bridges browser terminals to interactive shells in
// enrollment sandboxes over WebSocket.
//
// Client frames are JSON text messages:
//
//	{"type":"input","data":"ls\r"}
//	{"type":"resize","rows":40,"cols":120}
//	{"type":"close"}
//
// The server answers with {"type":"ready"} once the shell is attached,
// {"type":"error","message":"..."} on failure, and raw terminal output as
// binary messages.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jxucoder/livelabs/internal/metrics"
	"github.com/jxucoder/livelabs/pkg/sandbox"
)

// MaxFrameSize is the largest client frame accepted.
const MaxFrameSize = 64 << 10

const writeWait = 10 * time.Second

// Attacher spawns shells in enrollment sandboxes.
type Attacher interface {
	AttachShell(ctx context.Context, enrollmentID string, opts sandbox.ShellOptions) (sandbox.Shell, error)
}

// Config holds liveness settings.
type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

// Frame is a JSON control message in either direction.
type Frame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Message string `json:"message,omitempty"`
}

// Gateway serves shell sessions.
type Gateway struct {
	attach   Attacher
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Gateway.
func New(attach Attacher, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 3 * cfg.PingInterval
	}
	return &Gateway{
		attach: attach,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the auth proxy in front of the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
	}
}

// Serve upgrades the request and runs a shell for the enrollment until the
// client closes, the shell exits or the connection goes silent. The initial
// terminal size is read from the rows and cols query parameters.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, enrollmentID string, env map[string]string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.logger.Warn("shell upgrade failed", "enrollment_id", enrollmentID, "error", err)
		return
	}
	s := &session{
		conn:   conn,
		cfg:    g.cfg,
		logger: g.logger.With("enrollment_id", enrollmentID),
	}
	defer conn.Close()

	sh, err := g.attach.AttachShell(context.WithoutCancel(r.Context()), enrollmentID, sandbox.ShellOptions{
		Rows: queryDim(r, "rows"),
		Cols: queryDim(r, "cols"),
		Env:  env,
	})
	if err != nil {
		s.logger.Warn("attaching shell", "error", err)
		_ = s.sendJSON(Frame{Type: "error", Message: "could not start shell: " + err.Error()})
		s.closeWith(websocket.CloseInternalServerErr, "shell unavailable")
		return
	}
	s.shell = sh
	defer g.metrics.ShellOpened()()
	s.logger.Info("shell opened")

	s.run()
	s.logger.Info("shell closed")
}

// session is one connection bound to one shell process.
type session struct {
	conn   *websocket.Conn
	shell  sandbox.Shell
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex
}

func (s *session) run() {
	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = s.shell.Close()
		_ = s.conn.Close()
		wg.Wait()
	}()

	if err := s.sendJSON(Frame{Type: "ready"}); err != nil {
		return
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpOutput()
	}()
	go func() {
		defer wg.Done()
		s.ping(done)
	}()

	s.readFrames()
}

// readFrames handles client frames in order until the connection ends.
func (s *session) readFrames() {
	s.conn.SetReadLimit(MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.logger.Warn("shell frame too large")
				s.closeWith(websocket.CloseMessageTooBig, "frame too large")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("shell connection lost", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if kind == websocket.BinaryMessage {
			if _, err := s.shell.Write(data); err != nil {
				return
			}
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = s.sendJSON(Frame{Type: "error", Message: "invalid frame"})
			continue
		}
		switch f.Type {
		case "input":
			if _, err := io.WriteString(s.shell, f.Data); err != nil {
				return
			}
		case "resize":
			if f.Rows == 0 || f.Cols == 0 {
				_ = s.sendJSON(Frame{Type: "error", Message: "resize needs rows and cols"})
				continue
			}
			if err := s.shell.Resize(f.Rows, f.Cols); err != nil {
				s.logger.Warn("resizing shell", "error", err)
			}
		case "close":
			s.closeWith(websocket.CloseNormalClosure, "")
			return
		default:
			_ = s.sendJSON(Frame{Type: "error", Message: "unsupported frame type " + strconv.Quote(f.Type)})
		}
	}
}

// pumpOutput copies shell output to the client. When the shell exits the
// connection is closed, which ends readFrames.
func (s *session) pumpOutput() {
	buf := make([]byte, 32<<10)
	for {
		n, err := s.shell.Read(buf)
		if n > 0 {
			if werr := s.send(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			s.closeWith(websocket.CloseNormalClosure, "shell exited")
			_ = s.conn.Close()
			return
		}
	}
}

func (s *session) ping(done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *session) send(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(kind, data)
}

func (s *session) sendJSON(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.send(websocket.TextMessage, data)
}

func (s *session) closeWith(code int, text string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func queryDim(r *http.Request, key string) uint16 {
	n, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}
