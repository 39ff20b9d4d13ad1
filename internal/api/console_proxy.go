package api

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		Subprotocols: []string{"tty"},
	}
	consoleDialer = websocket.DefaultDialer
)

// HandleConsoleProxy relays a trainee's websocket to the console of their
// running session. Resolution happens before the upgrade so unavailable
// sessions get a plain JSON error.
// WS /api/v1/proxy/:code/console
func (h *Handler) HandleConsoleProxy(c echo.Context) error {
	trainee, err := traineeID(c)
	if err != nil {
		return h.fail(c, err)
	}
	code := c.Param("code")
	ctx := c.Request().Context()

	target, err := h.labService.ResolveProxyTarget(ctx, trainee, code)
	if err != nil {
		return h.fail(c, err)
	}

	backendURL := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(target.TargetHost, strconv.Itoa(target.TargetPort)),
		Path:   h.consoleWSPath,
	}
	header := http.Header{}
	if proto := c.Request().Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}
	backend, _, err := consoleDialer.DialContext(ctx, backendURL.String(), header)
	if err != nil {
		h.logger.Warn("Console dial failed", "code", code, "target", backendURL.Host, "err", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: ErrorBody{Code: "console_unreachable", Message: "console is not reachable", Retryable: true}})
	}
	defer backend.Close()

	client, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "code", code, "err", err)
		return nil
	}
	defer client.Close()

	h.logger.Info("Console attached", "code", code, "trainee", trainee)
	relay(client, backend)
	h.logger.Info("Console detached", "code", code, "trainee", trainee)
	return nil
}

// relay copies frames in both directions until either side closes.
func relay(a, b *websocket.Conn) {
	var once sync.Once
	done := make(chan struct{})
	pipe := func(dst, src *websocket.Conn) {
		defer once.Do(func() { close(done) })
		for {
			kind, msg, err := src.ReadMessage()
			if err != nil {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if ce, ok := err.(*websocket.CloseError); ok {
					closeMsg = websocket.FormatCloseMessage(ce.Code, ce.Text)
				}
				_ = dst.WriteMessage(websocket.CloseMessage, closeMsg)
				return
			}
			if err := dst.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}
	go pipe(b, a)
	go pipe(a, b)
	<-done
}
