package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
)

// TimeoutCode is the failure code submitted for callbacks that expired.
const TimeoutCode = saga.CallbackTimeoutCode

// TaskResumer resumes a suspended saga step through its task token.
type TaskResumer interface {
	SendTaskSuccess(ctx context.Context, taskToken string, output json.RawMessage) error
	SendTaskFailure(ctx context.Context, taskToken, code, cause string) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired int
	Skipped int
	Failed  int
}

// Sweeper expires AWAITING callbacks past their deadline and fails the
// suspended step, which sends the saga down its compensation path.
type Sweeper struct {
	store   *Store
	resumer TaskResumer
	logger  *zap.Logger
	batch   int32
	nowFunc func() time.Time
}

// NewSweeper builds a Sweeper that processes up to batch callbacks per sweep.
func NewSweeper(store *Store, resumer TaskResumer, logger *zap.Logger, batch int32) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:   store,
		resumer: resumer,
		logger:  logger,
		batch:   batch,
		nowFunc: time.Now,
	}
}

// Sweep runs one pass. Individual failures are counted and logged; the
// returned error is non-nil only when the expired set could not be listed.
func (sw *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	expired, err := sw.store.ListExpired(ctx, sw.nowFunc(), sw.batch)
	if err != nil {
		return res, err
	}
	for _, cb := range expired {
		log := sw.logger.With(
			zap.String("correlation_id", cb.CorrelationID),
			zap.String("execution_id", cb.ExecutionID),
		)
		if err := sw.store.Expire(ctx, cb.CorrelationID); err != nil {
			if errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrExpired) {
				res.Skipped++
				continue
			}
			log.Error("expire callback failed", zap.Error(err))
			res.Failed++
			continue
		}

		err := sw.resumer.SendTaskFailure(ctx, cb.TaskToken, TimeoutCode, "provider confirmation timed out")
		if errors.Is(err, saga.ErrTaskTimedOut) || errors.Is(err, saga.ErrInvalidToken) {
			// the execution already timed the step out on its own
			log.Debug("step no longer waiting", zap.Error(err))
			res.Skipped++
			continue
		}
		if err != nil {
			log.Error("submit callback timeout failed", zap.Error(err))
			if rerr := sw.store.Reopen(ctx, cb.CorrelationID); rerr != nil {
				log.Error("reopen callback failed", zap.Error(rerr))
			}
			res.Failed++
			continue
		}
		log.Info("callback expired", zap.Time("deadline", cb.Deadline()))
		res.Expired++
	}
	return res, nil
}
