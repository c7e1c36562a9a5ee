package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/totegamma/concrnt-odm/internal/domain"
	"github.com/totegamma/concrnt-odm/internal/interface/rest/presenter"
	"github.com/totegamma/concrnt-odm/internal/usecase"
)

// EventStream feeds flush events to realtime listeners.
type EventStream interface {
	Realtime(ctx context.Context, input <-chan []string, output chan<- domain.FlushEvent)
}

type Handler struct {
	documents *usecase.DocumentUsecase
	stream    EventStream
}

func NewHandler(
	documents *usecase.DocumentUsecase,
	stream EventStream,
) *Handler {
	return &Handler{
		documents: documents,
		stream:    stream,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/documents/:type", h.handleCreate)
	e.GET("/documents/:type/:id", h.handleGet)
	e.DELETE("/documents/:type/:id", h.handleDelete)
	e.GET("/documents/:type/:id/:field", h.handlePage)
	e.POST("/documents/:type/:id/:field", h.handleAppend)
	e.DELETE("/documents/:type/:id/:field", h.handleClear)
	e.GET("/documents/:type/:id/:field/count", h.handleCount)
	e.GET("/documents/:type/:id/:field/filter", h.handleFilter)
	e.GET("/documents/:type/:id/:field/items/:key", h.handleGetElement)
	e.PUT("/documents/:type/:id/:field/items/:key", h.handlePut)
	e.DELETE("/documents/:type/:id/:field/items/:key", h.handleRemove)
	if h.stream != nil {
		e.GET("/realtime", h.handleRealtime)
	}
}

func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return presenter.NotFound(c, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		return presenter.BadRequest(c, err)
	default:
		return presenter.InternalError(c, err)
	}
}

func readBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid json")
	}
	return body, nil
}

type documentResponse struct {
	ID       string `json:"id"`
	Document any    `json:"document"`
}

func (h *Handler) handleCreate(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := readBody(c)
	if err != nil {
		return presenter.BadRequest(c, err)
	}
	doc, err := h.documents.CreateDocument(ctx, c.Param("type"), body)
	if err != nil {
		return respondError(c, err)
	}
	return presenter.Created(c, documentResponse{ID: doc.DocumentID(), Document: doc})
}

func (h *Handler) handleGet(c echo.Context) error {
	ctx := c.Request().Context()

	doc, err := h.documents.GetDocument(ctx, c.Param("type"), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, documentResponse{ID: doc.DocumentID(), Document: doc})
}

func (h *Handler) handleDelete(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.documents.DeleteDocument(ctx, c.Param("type"), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handlePage(c echo.Context) error {
	ctx := c.Request().Context()

	offset := 0
	limit := -1
	if s := c.QueryParam("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return presenter.BadRequestMessage(c, "invalid offset")
		}
		offset = v
	}
	if s := c.QueryParam("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return presenter.BadRequestMessage(c, "invalid limit")
		}
		limit = v
	}

	items, err := h.documents.Page(ctx, c.Param("type"), c.Param("id"), c.Param("field"), offset, limit)
	if err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"offset": offset, "items": items})
}

func (h *Handler) handleCount(c echo.Context) error {
	ctx := c.Request().Context()

	n, err := h.documents.Count(ctx, c.Param("type"), c.Param("id"), c.Param("field"))
	if err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"count": n})
}

func (h *Handler) handleFilter(c echo.Context) error {
	ctx := c.Request().Context()

	q := c.QueryParam("q")
	if q == "" {
		return presenter.BadRequestMessage(c, "missing filter expression")
	}
	items, err := h.documents.Filter(ctx, c.Param("type"), c.Param("id"), c.Param("field"), q)
	if err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"items": items})
}

func (h *Handler) handleAppend(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := readBody(c)
	if err != nil {
		return presenter.BadRequest(c, err)
	}
	if err := h.documents.Append(ctx, c.Param("type"), c.Param("id"), c.Param("field"), body); err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleClear(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.documents.Clear(ctx, c.Param("type"), c.Param("id"), c.Param("field")); err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleGetElement(c echo.Context) error {
	ctx := c.Request().Context()

	el, err := h.documents.Get(ctx, c.Param("type"), c.Param("id"), c.Param("field"), c.Param("key"))
	if err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, el)
}

func (h *Handler) handlePut(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := readBody(c)
	if err != nil {
		return presenter.BadRequest(c, err)
	}
	err = h.documents.Put(ctx, c.Param("type"), c.Param("id"), c.Param("field"), c.Param("key"), body)
	if err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleRemove(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.documents.Remove(ctx, c.Param("type"), c.Param("id"), c.Param("field"), c.Param("key")); err != nil {
		return respondError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Request struct {
	Type     string   `json:"type"`
	Prefixes []string `json:"prefixes"`
}

func (h *Handler) handleRealtime(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	input := make(chan []string)
	output := make(chan domain.FlushEvent)
	go h.stream.Realtime(ctx, input, output)

	quit := make(chan struct{})

	go func() {
		defer close(quit)
		for {
			var req Request
			err := ws.ReadJSON(&req)
			if err != nil {
				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.ErrorContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}
				return
			}

			switch req.Type {
			case "listen":
				select {
				case input <- req.Prefixes:
				case <-ctx.Done():
					return
				}
				slog.DebugContext(
					ctx, "Socket subscribe",
					slog.Any("prefixes", req.Prefixes),
					slog.String("module", "socket"),
				)
			case "h": // heartbeat
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case event := <-output:
			err := ws.WriteJSON(event)
			if err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}
