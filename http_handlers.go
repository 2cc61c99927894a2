package main

// this file contains implementation of HTTP handlers - REST API

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"

	"github.com/himanshub16/upnext-broadcast/config"
	"github.com/himanshub16/upnext-broadcast/radio"
)

type httpHandler struct {
	service        Service
	listeners      *radio.SinkRegistry
	jwtSecret      []byte
	adminKey       string
	listenerBuffer int
	log            *slog.Logger
}

func NewHTTPRouter(service Service, listeners *radio.SinkRegistry, cfg *config.Config) *echo.Echo {
	h := &httpHandler{
		service:        service,
		listeners:      listeners,
		jwtSecret:      []byte(cfg.Auth.JWTSecret),
		adminKey:       cfg.Auth.AdminKey,
		listenerBuffer: cfg.Radio.ListenerBuffer,
		log:            slog.With("component", "http"),
	}

	r := echo.New()
	r.HideBanner = true
	r.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "method=${method}, uri=${uri}, status=${status}\n",
	}))
	r.Use(middleware.Recover())

	router := r.Group("/api")
	router.GET("/health", h.healthCheckHandler)
	router.POST("/login", h.loginHandler)

	serverGroup := router.Group("/servers/:server_id")
	{
		serverGroup.GET("/now_playing", h.nowPlayingHandler)
		serverGroup.GET("/listen", h.listenHandler)
		serverGroup.GET("/ws", h.websocketHandler)
	}

	adminGroup := router.Group("/servers/:server_id")
	adminGroup.Use(middleware.JWT(h.jwtSecret))
	{
		adminGroup.PUT("/playlist", h.setPlaylistHandler)
		adminGroup.POST("/song", h.setSongHandler)
	}

	listenerGroup := router.Group("/listeners")
	listenerGroup.Use(middleware.JWT(h.jwtSecret))
	{
		listenerGroup.GET("/:listener_id", h.listenerHandler)
		listenerGroup.DELETE("/:listener_id", h.dropListenerHandler)
	}

	return r
}

// errorResponse maps service errors onto status codes.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, radio.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, radio.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, radio.ErrSource):
		status = http.StatusBadGateway
	case errors.Is(err, radio.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, echo.Map{
		"message": err.Error(),
	})
}

func (h *httpHandler) healthCheckHandler(c echo.Context) error {
	return c.String(http.StatusOK, "I am up and running!")
}

func (h *httpHandler) loginHandler(c echo.Context) error {
	userID := c.FormValue("user_id")
	key := c.FormValue("key")
	if userID == "" || h.adminKey == "" || key != h.adminKey {
		return c.JSON(http.StatusUnauthorized, echo.Map{
			"message": "Invalid credentials",
		})
	}

	token := jwt.New(jwt.SigningMethodHS256)
	claims := token.Claims.(jwt.MapClaims)
	claims["user_id"] = userID
	claims["exp"] = time.Now().Add(time.Hour * 72).Unix()
	t, err := token.SignedString(h.jwtSecret)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"token": t,
	})
}

func getUserIDFromContext(c echo.Context) string {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return ""
	}
	userID, _ := token.Claims.(jwt.MapClaims)["user_id"].(string)
	return userID
}

// setPlaylistHandler accepts either a JSON playlist document as the body or
// a url form field pointing at one.
func (h *httpHandler) setPlaylistHandler(c echo.Context) error {
	ctx := c.Request().Context()
	serverID := c.Param("server_id")

	var (
		p   radio.Playlist
		err error
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		raw, readErr := io.ReadAll(io.LimitReader(c.Request().Body, maxPlaylistSize))
		if readErr != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"message": "Failed to read playlist",
			})
		}
		p, err = h.service.SetPlaylist(ctx, serverID, raw)
	} else {
		url := c.FormValue("url")
		if url == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"message": "Missing playlist or url",
			})
		}
		p, err = h.service.SetPlaylistFromURL(ctx, serverID, url)
	}
	if err != nil {
		return errorResponse(c, err)
	}

	h.log.Info("Playlist updated", "server", serverID, "by", getUserIDFromContext(c))
	return c.JSON(http.StatusOK, echo.Map{
		"server_id": serverID,
		"schedule":  p.Schedule,
	})
}

func (h *httpHandler) setSongHandler(c echo.Context) error {
	ctx := c.Request().Context()
	song := c.FormValue("song")
	if song == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": "Missing song",
		})
	}

	e, err := h.service.Broadcast(ctx, c.Param("server_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if err := e.SetSong(ctx, song); err != nil {
		return errorResponse(c, err)
	}

	status, err := e.NowPlaying(ctx)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *httpHandler) nowPlayingHandler(c echo.Context) error {
	ctx := c.Request().Context()
	e, err := h.service.Broadcast(ctx, c.Param("server_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	status, err := e.NowPlaying(ctx)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// attach registers a new buffered listener on e. The returned func
// detaches and closes it.
func (h *httpHandler) attach(ctx context.Context, e *radio.Engine) (*radio.BufferedSink, string, func(), error) {
	sink := radio.NewBufferedSink(h.listenerBuffer)
	listenerID := uuid.New().String()

	if err := h.listeners.Put(ctx, listenerID, sink); err != nil {
		return nil, "", nil, err
	}
	if err := e.Subscribe(ctx, sink); err != nil {
		h.forgetListener(context.WithoutCancel(ctx), listenerID)
		return nil, "", nil, err
	}

	h.log.Debug("Listener attached", "server", e.ID(), "listener", listenerID)
	detach := func() {
		sink.Close()
		ctx := context.WithoutCancel(ctx)
		if err := e.Unsubscribe(ctx, sink); err != nil && !errors.Is(err, radio.ErrClosed) {
			h.log.Debug("Failed to unsubscribe listener", "listener", listenerID, "error", err)
		}
		h.forgetListener(ctx, listenerID)
		h.log.Debug("Listener detached", "server", e.ID(), "listener", listenerID, "dropped", sink.Dropped())
	}
	return sink, listenerID, detach, nil
}

func (h *httpHandler) forgetListener(ctx context.Context, listenerID string) {
	if err := h.listeners.Delete(ctx, listenerID); err != nil {
		h.log.Debug("Failed to remove listener", "listener", listenerID, "error", err)
	}
}

// listenHandler streams the broadcast as a chunked audio/mpeg response
// until the client goes away or the listener is dropped.
func (h *httpHandler) listenHandler(c echo.Context) error {
	ctx := c.Request().Context()
	e, err := h.service.Broadcast(ctx, c.Param("server_id"))
	if err != nil {
		return errorResponse(c, err)
	}

	sink, listenerID, detach, err := h.attach(ctx, e)
	if err != nil {
		return errorResponse(c, err)
	}
	defer detach()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "audio/mpeg")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Listener-Id", listenerID)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sink.Done():
			return nil
		case chunk := <-sink.Chunks():
			if _, err := res.Write(chunk); err != nil {
				h.log.Debug("Listener write failed", "listener", listenerID, "error", err)
				return nil
			}
			res.Flush()
		}
	}
}

// websocketHandler streams the broadcast as binary websocket messages.
func (h *httpHandler) websocketHandler(c echo.Context) error {
	e, err := h.service.Broadcast(c.Request().Context(), c.Param("server_id"))
	if err != nil {
		return errorResponse(c, err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error("websocket.Accept", "err", err)
		return nil
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// listeners never send; the context ends when the peer closes
	ctx := conn.CloseRead(c.Request().Context())

	sink, listenerID, detach, err := h.attach(ctx, e)
	if err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return nil
	}
	defer detach()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sink.Done():
			conn.Close(websocket.StatusGoingAway, "listener dropped")
			return nil
		case chunk := <-sink.Chunks():
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				h.log.Debug("websocket.Write", "listener", listenerID, "err", err)
				return nil
			}
		}
	}
}

func (h *httpHandler) listenerHandler(c echo.Context) error {
	listenerID := c.Param("listener_id")
	sink, err := h.listeners.Get(c.Request().Context(), listenerID)
	if err != nil {
		return errorResponse(c, err)
	}

	resp := echo.Map{
		"listener_id": listenerID,
		"connected":   sink.Writable(),
	}
	if buffered, ok := sink.(*radio.BufferedSink); ok {
		resp["dropped"] = buffered.Dropped()
	}
	return c.JSON(http.StatusOK, resp)
}

// dropListenerHandler disconnects a listener. Its stream ends on the next
// chunk boundary.
func (h *httpHandler) dropListenerHandler(c echo.Context) error {
	ctx := c.Request().Context()
	listenerID := c.Param("listener_id")
	sink, err := h.listeners.Get(ctx, listenerID)
	if err != nil {
		return errorResponse(c, err)
	}
	if closer, ok := sink.(io.Closer); ok {
		closer.Close()
	}
	if err := h.listeners.Delete(ctx, listenerID); err != nil {
		return errorResponse(c, err)
	}

	h.log.Info("Listener dropped", "listener", listenerID, "by", getUserIDFromContext(c))
	return c.NoContent(http.StatusNoContent)
}
