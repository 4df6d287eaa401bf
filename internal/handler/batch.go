package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"portal-proxy-go/internal/model"
	"portal-proxy-go/internal/service"
)

// BatchHandler serves the batch endpoint.
type BatchHandler struct {
	service *service.BatchService
	logger  *slog.Logger
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(svc *service.BatchService, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{
		service: svc,
		logger:  logger.With("component", "batch_handler"),
	}
}

// Handle runs every call in the request body and answers with one result per
// call, in input order. Individual call failures never fail the batch.
func (h *BatchHandler) Handle(c echo.Context) error {
	req := c.Request()

	data, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.fail(c, err)
	}

	resp, err := h.service.Dispatch(req.Context(), data, model.HeaderSetFromHTTP(req.Header))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *BatchHandler) fail(c echo.Context, err error) error {
	h.logger.Error("batch processing failed", "err", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:   "Batch processing failed",
		Details: err.Error(),
	})
}
