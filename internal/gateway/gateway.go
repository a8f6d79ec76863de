// Package gateway receives provider webhooks and resumes the saga step
// waiting on them.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/callbacks"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/observability"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/validation"
)

// SignatureHeader carries "sha256=<hex HMAC-SHA256 of the raw body>".
const SignatureHeader = "X-Provider-Signature"

// RejectedCode is the task failure code for bookings the provider rejected.
const RejectedCode = "booking_rejected"

const maxBodyBytes = 1 << 20

// CallbackStore is the part of the pending callback store the gateway drives.
type CallbackStore interface {
	Complete(ctx context.Context, correlationID string) (*callbacks.PendingCallback, error)
	Release(ctx context.Context, correlationID string) error
}

// Config wires a Gateway.
type Config struct {
	Secret    []byte
	Callbacks CallbackStore
	Resumer   callbacks.TaskResumer
	Validator *validatorv10.Validate
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Gateway authenticates webhooks and resumes the matching suspended step.
// A callback is claimed (AWAITING -> COMPLETED) before the resume is
// submitted, so a duplicate delivery can never resume the step twice.
type Gateway struct {
	secret    []byte
	callbacks CallbackStore
	resumer   callbacks.TaskResumer
	validator *validatorv10.Validate
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// New returns a Gateway. An empty secret rejects every request.
func New(cfg Config) *Gateway {
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gateway{
		secret:    cfg.Secret,
		callbacks: cfg.Callbacks,
		resumer:   cfg.Resumer,
		validator: cfg.Validator,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against body in constant time.
func Verify(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Handle is the gin handler for POST /provider/webhook.
func (g *Gateway) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		g.respond(c, http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
		return
	}
	if !Verify(g.secret, body, c.GetHeader(SignatureHeader)) {
		g.logger.Warn("webhook signature rejected", zap.String("remote_addr", c.ClientIP()))
		g.respond(c, http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var req validation.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.respond(c, http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	if err := g.validator.Struct(req); err != nil {
		g.respond(c, http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": validation.Messages(err)})
		return
	}

	log := g.logger.With(zap.String("correlation_id", req.CorrelationID), zap.String("status", req.Status))

	cb, err := g.callbacks.Complete(ctx, req.CorrelationID)
	switch {
	case errors.Is(err, callbacks.ErrNotFound):
		g.respond(c, http.StatusNotFound, gin.H{"error": "unknown_correlation_id"})
		return
	case errors.Is(err, callbacks.ErrAlreadyCompleted):
		log.Info("duplicate webhook ignored")
		g.respond(c, http.StatusConflict, gin.H{"error": "already_completed"})
		return
	case errors.Is(err, callbacks.ErrExpired):
		g.respond(c, http.StatusGone, gin.H{"error": "callback_expired"})
		return
	case err != nil:
		log.Error("claim callback failed", zap.Error(err))
		g.respond(c, http.StatusInternalServerError, gin.H{"error": "callback_store_unavailable"})
		return
	}

	if req.Status == validation.WebhookConfirmed {
		err = g.resumer.SendTaskSuccess(ctx, cb.TaskToken, body)
	} else {
		reason := req.Reason
		if reason == "" {
			reason = "booking rejected by provider"
		}
		err = g.resumer.SendTaskFailure(ctx, cb.TaskToken, RejectedCode, reason)
	}
	switch {
	case errors.Is(err, saga.ErrTaskTimedOut), errors.Is(err, saga.ErrInvalidToken):
		// the step already left the waiting state; nothing can resume it
		log.Warn("webhook arrived for a step that no longer waits", zap.Error(err))
		g.respond(c, http.StatusGone, gin.H{"error": "callback_expired"})
		return
	case err != nil:
		log.Error("resume submission failed", zap.Error(err))
		if rerr := g.callbacks.Release(context.WithoutCancel(ctx), req.CorrelationID); rerr != nil {
			log.Error("release callback failed", zap.Error(rerr))
		}
		g.respond(c, http.StatusBadGateway, gin.H{"error": "resume_failed"})
		return
	}

	log.Info("saga step resumed", zap.String("execution_id", cb.ExecutionID))
	g.respond(c, http.StatusOK, gin.H{"status": "resumed", "correlationId": req.CorrelationID})
}

func (g *Gateway) respond(c *gin.Context, code int, body gin.H) {
	g.metrics.Webhook(code)
	c.JSON(code, body)
}
