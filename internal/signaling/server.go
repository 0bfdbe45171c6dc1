package signaling

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"shadownexus/internal/tlsutil"
)

const writeTimeout = 5 * time.Second

// Server is the HTTPS + event-stream front door for the Signaling Hub; it
// also hosts the small control API alongside it (§2).
type Server struct {
	hub      *Hub
	log      *slog.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader
}

// NewServer wires an Echo mux with the session-creation REST routes, the
// room page route, the /ws event-stream route, and the ambient health route.
func NewServer(hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		hub: hub,
		log: log.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	e.HTTPErrorHandler = jsonErrorHandler

	e.GET("/health", s.handleHealth)
	e.POST("/api/create_session", s.handleCreateSession("video"))
	e.POST("/api/create_audio_session", s.handleCreateSession("audio"))
	e.GET("/:kind/:id", s.handleRoomPage)
	e.GET("/ws", s.handleWebSocket)

	s.echo = e
	return s
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.log.Debug("http request", "method", c.Request().Method, "path", c.Path(),
				"status", c.Response().Status, "dur", time.Since(start))
			return err
		}
	}
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"status": "error", "message": msg})
	}
}

// Run serves HTTPS on addr until ctx is canceled, minting a self-signed
// certificate with the SAN list §4.4 requires.
func (s *Server) Run(ctx context.Context, addr, serverIP string, certValidity time.Duration) error {
	tlsConfig, fingerprint, err := tlsutil.GenerateConfig(certValidity, serverIP)
	if err != nil {
		return fmt.Errorf("signaling: mint certificate: %w", err)
	}
	s.log.Info("certificate minted", "fingerprint", fingerprint)

	httpSrv := &http.Server{
		Addr:      addr,
		Handler:   s.echo,
		TLSConfig: tlsConfig,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("signaling: listen %s: %w", addr, err)
	}
	tlsLn := tls.NewListener(ln, tlsConfig)

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(tlsLn) }()

	s.log.Info("listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			SessionType string `json:"session_type"`
			ChatID      string `json:"chat_id"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.SessionType == "" {
			req.SessionType = "global"
		}
		room := s.hub.CreateRoom(kind, req.SessionType, req.ChatID)
		return c.JSON(http.StatusOK, map[string]string{
			"session_id": room.ID,
			"url":        fmtRoomURL(kind, room.ID),
		})
	}
}

func (s *Server) handleRoomPage(c echo.Context) error {
	kind := c.Param("kind")
	id := c.Param("id")
	if _, ok := s.hub.Room(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return c.HTML(http.StatusOK, fmt.Sprintf("<!doctype html><title>%s session</title><body>joining %s</body>", kind, id))
}

// inEvent is the envelope for every event-protocol message a client sends.
// Raw carries the fully decoded message so "data" events can be forwarded
// verbatim, including whatever SDP/ICE fields the caller put in them.
type inEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
	SenderID  string `json:"sender_id"`
	TargetID  string `json:"target_id"`
	Raw       map[string]any
}

func (s *Server) handleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("signaling: upgrade: %w", err)
	}
	s.serveConn(conn, remote)
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn, remote string) {
	defer conn.Close()

	var room *Room
	var mySID string

	defer func() {
		if room == nil {
			return
		}
		if empty := room.Leave(mySID); empty {
			s.hub.RemoveRoom(room)
		}
	}()

	for {
		var raw map[string]any
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		ev := decodeEvent(raw)
		switch ev.Type {
		case "join_session":
			r, ok := s.hub.Room(ev.SessionID)
			if !ok {
				_ = conn.WriteJSON(map[string]string{"type": "error", "message": "unknown session"})
				continue
			}
			room = r
			sid, snapshot := room.Join(conn, ev.Username)
			mySID = sid
			if len(snapshot) == 0 {
				_ = conn.WriteJSON(map[string]any{"type": "user-list", "my_id": mySID})
			} else {
				_ = conn.WriteJSON(map[string]any{"type": "user-list", "list": snapshot, "my_id": mySID})
			}
			room.NotifyJoined(mySID, ev.Username)
			s.log.Info("joined session", "session_id", r.ID, "sid", mySID, "username", ev.Username, "remote", remote)

		case "leave_session":
			if room == nil {
				continue
			}
			if empty := room.Leave(mySID); empty {
				s.hub.RemoveRoom(room)
			}
			room = nil

		case "data":
			if room == nil || ev.SenderID != mySID {
				continue // sender_id must match the transport identity
			}
			room.Forward(ev.TargetID, ev.Raw) // forwarded verbatim

		case "hand_raise", "screen_share", "reaction", "audio_level":
			if room == nil {
				continue
			}
			ev.Raw["sender_id"] = mySID
			room.BroadcastExcept(mySID, ev.Raw)

		default:
			s.log.Warn("unknown signaling event", "type", ev.Type, "remote", remote)
		}
	}
}

func decodeEvent(raw map[string]any) inEvent {
	str := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}
	return inEvent{
		Type:      str("type"),
		SessionID: str("session_id"),
		Username:  str("username"),
		SenderID:  str("sender_id"),
		TargetID:  str("target_id"),
		Raw:       raw,
	}
}
