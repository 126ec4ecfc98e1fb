package handler

import (
	"net/http"
	"strings"

	"github.com/creditline/creditline-backend/internal/websocket"
	ws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler streams ledger events to collectors and dashboards
type WebSocketHandler struct {
	hub       *websocket.Hub
	validator websocket.TokenValidator
	origins   map[string]struct{}
	upgrader  ws.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler. Browser connections are
// accepted only from allowedOrigins.
func NewWebSocketHandler(hub *websocket.Hub, validator websocket.TokenValidator, allowedOrigins []string) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:       hub,
		validator: validator,
		origins:   make(map[string]struct{}, len(allowedOrigins)),
	}
	for _, origin := range allowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			h.origins[origin] = struct{}{}
		}
	}
	h.upgrader = ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin lets non-browser clients (no Origin header) through
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := h.origins[origin]; ok {
		return true
	}
	log.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
	return false
}

// HandleWS handles GET /ws?token=<jwt>[&loanId=<id>]. Without loanId the
// client receives the events of every loan. The call blocks until the
// connection closes.
func (h *WebSocketHandler) HandleWS(c echo.Context) error {
	subject, err := h.authenticate(c)
	if err != nil {
		return err
	}

	topic := strings.TrimSpace(c.QueryParam("loanId"))
	if topic == "" {
		topic = websocket.AllLoans
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the handshake error
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return err
	}

	client := websocket.NewClient(conn, topic, subject, h.hub)
	log.Info().Str("subject", subject).Str("topic", topic).Str("client_id", client.ID()).Msg("WebSocket client connected")
	client.Serve()
	log.Info().Str("client_id", client.ID()).Msg("WebSocket client disconnected")
	return nil
}

// authenticate validates ?token=, since browsers cannot set headers on upgrade
func (h *WebSocketHandler) authenticate(c echo.Context) (string, error) {
	token := c.QueryParam("token")
	if token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	subject, err := h.validator.ValidateToken(c.Request().Context(), token)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket token rejected")
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return subject, nil
}
