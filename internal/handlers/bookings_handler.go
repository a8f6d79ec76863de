package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/observability"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/validation"
)

// BookingSaga is the orchestrator surface the API uses.
type BookingSaga interface {
	Start(ctx context.Context, criteria any, requestID string) (saga.Outcome, error)
	Describe(ctx context.Context, executionID string) (*saga.Execution, []saga.Event, error)
}

// Starter enqueues a saga start for the worker.
type Starter interface {
	Start(ctx context.Context, requestID string, criteria json.RawMessage) error
}

// HandlerConfig groups dependencies for the API routes.
type HandlerConfig struct {
	Saga BookingSaga
	// Queue, when set, hands new bookings to the worker instead of running
	// the saga inside the request.
	Queue     Starter
	Webhook   gin.HandlerFunc
	Gatherer  prometheus.Gatherer
	Validator *validatorv10.Validate
	Logger    *zap.Logger
}

// RegisterRoutes registers the booking API routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &bookingsHandler{cfg: cfg}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/bookings", h.create)
	r.GET("/bookings/:id", h.get)
	if cfg.Webhook != nil {
		r.POST("/provider/webhook", cfg.Webhook)
	}
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(observability.Handler(cfg.Gatherer)))
	}
}

type bookingsHandler struct {
	cfg HandlerConfig
}

func (h *bookingsHandler) create(c *gin.Context) {
	ctx := c.Request.Context()

	// the request id may come from the Idempotency-Key header; a body value wins
	req := validation.CreateBookingRequest{RequestID: c.GetHeader("Idempotency-Key")}
	if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
		return
	}
	executionID := saga.ExecutionID(req.RequestID)
	log := h.cfg.Logger.With(zap.String("request_id", req.RequestID), zap.String("execution_id", executionID))
	c.Header("Location", fmt.Sprintf("/bookings/%s", executionID))

	if h.cfg.Queue != nil {
		criteria, err := json.Marshal(req.Criteria)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
			return
		}
		if err := h.cfg.Queue.Start(ctx, req.RequestID, criteria); err != nil {
			log.Error("enqueue booking failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
			return
		}
		log.Info("booking enqueued")
		c.JSON(http.StatusAccepted, saga.Outcome{ExecutionID: executionID, Status: saga.OutcomeInProgress})
		return
	}

	out, err := h.cfg.Saga.Start(ctx, req.Criteria, req.RequestID)
	if err != nil {
		log.Error("start booking failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start_failed"})
		return
	}
	c.JSON(outcomeStatus(out), out)
}

func (h *bookingsHandler) get(c *gin.Context) {
	exec, _, err := h.cfg.Saga.Describe(c.Request.Context(), c.Param("id"))
	if errors.Is(err, saga.ErrExecutionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "booking_not_found"})
		return
	}
	if err != nil {
		h.cfg.Logger.Error("describe booking failed", zap.String("execution_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	out := exec.Outcome()
	c.JSON(outcomeStatus(out), out)
}

func outcomeStatus(out saga.Outcome) int {
	if out.Status == saga.OutcomeInProgress {
		return http.StatusAccepted
	}
	return http.StatusOK
}
