package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/internal/repository"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	xlogger "github.com/WayB98/TIWatcher/pkg/logger"
	"github.com/WayB98/TIWatcher/pkg/util"
)

// AlertsEchoHandler serves the read side of the ledger.
type AlertsEchoHandler struct {
	logger *xlogger.Logger
	ledger domrepo.Ledger
}

func NewAlertsEchoHandler(logger *xlogger.Logger, ledger domrepo.Ledger) *AlertsEchoHandler {
	return &AlertsEchoHandler{logger: logger, ledger: ledger}
}

func (h *AlertsEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/alerts", h.List)
	g.POST("/alerts/:id/close", h.Close)
	g.GET("/stats", h.Stats)
	e.GET("/healthz", h.Health)
}

func (h *AlertsEchoHandler) List(c echo.Context) error {
	req := &models.AlertFilter{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if req.Since != "" {
		t, ok := util.ParseTime(req.Since)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("since", "since must be RFC3339 or unix seconds"))
		}
		req.After = t
	}

	rows, err := h.ledger.ListAlerts(c.Request().Context(), *req)
	if err != nil {
		h.logger.Error("list alerts error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("could not list alerts").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *AlertsEchoHandler) Close(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("id", "id must be a positive integer"))
	}

	err = h.ledger.CloseAlert(c.Request().Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("alert %d not found", id))
	case err != nil:
		h.logger.Error("close alert error", xlogger.Int64("id", id), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("could not close alert").WithError(err))
	}
	return xhttp.SuccessResponse(c, map[string]interface{}{"id": id, "status": models.AlertClosed})
}

func (h *AlertsEchoHandler) Stats(c echo.Context) error {
	s, err := h.ledger.Stats(c.Request().Context())
	if err != nil {
		h.logger.Error("stats error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("could not read stats").WithError(err))
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *AlertsEchoHandler) Health(c echo.Context) error {
	if err := h.ledger.Health(c.Request().Context()); err != nil {
		h.logger.Warn("health check failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("storage unavailable").WithError(err))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
