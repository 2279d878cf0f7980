package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/internal/service/ratelimit"
	"github.com/WayB98/TIWatcher/internal/usecase"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	xlogger "github.com/WayB98/TIWatcher/pkg/logger"
	"github.com/WayB98/TIWatcher/pkg/util"
)

const defaultMaxBody = 10 << 20

// IngestEchoHandler accepts connection batches from agents.
type IngestEchoHandler struct {
	logger  *xlogger.Logger
	svc     *usecase.IngestService
	limiter *ratelimit.Limiter
	maxBody int64
}

func NewIngestEchoHandler(logger *xlogger.Logger, svc *usecase.IngestService, limiter *ratelimit.Limiter) *IngestEchoHandler {
	return &IngestEchoHandler{logger: logger, svc: svc, limiter: limiter, maxBody: defaultMaxBody}
}

func (h *IngestEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/ingest", h.Ingest)
}

func (h *IngestEchoHandler) Ingest(c echo.Context) error {
	if h.limiter != nil && !h.limiter.Allow(c.RealIP()) {
		return xhttp.ErrorResponse(c, http.StatusTooManyRequests, "rate limited")
	}

	token := util.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if err := h.svc.Authenticate(token); err != nil {
		return xhttp.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBody+1))
	if err != nil {
		return xhttp.ErrorResponse(c, http.StatusBadRequest, "unreadable body")
	}
	if int64(len(body)) > h.maxBody {
		return xhttp.ErrorResponse(c, http.StatusRequestEntityTooLarge, "body too large")
	}

	var batch models.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return xhttp.ErrorResponse(c, http.StatusBadRequest, "body must be a JSON object")
	}
	if batch.Host == "" {
		batch.Host = c.RealIP()
	}

	res, err := h.svc.Ingest(c.Request().Context(), token, batch)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, models.IngestResponse{Status: "ok", AlertsCreated: res.AlertsCreated})
	case errors.Is(err, usecase.ErrUnauthorized):
		return xhttp.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, context.DeadlineExceeded):
		return xhttp.ErrorResponse(c, http.StatusGatewayTimeout, "timeout")
	default:
		h.logger.Error("ingest failed", xlogger.String("host", batch.Host), xlogger.Error(err))
		return xhttp.ErrorResponse(c, http.StatusInternalServerError, "storage failure")
	}
}
