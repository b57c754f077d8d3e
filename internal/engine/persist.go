package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

// InstanceWriter is the part of store.Store needed to persist progress.
type InstanceWriter interface {
	UpdateInstance(ctx context.Context, inst *store.SagaInstance) error
}

// persistWithRetry writes inst, retrying store errors up to retries extra
// times with exponential backoff starting at backoff. CONFLICT and
// NOT_FOUND are final.
func persistWithRetry(ctx context.Context, w InstanceWriter, inst *store.SagaInstance, retries uint64, backoff time.Duration, logger *slog.Logger) error {
	attempt := 0
	b := retry.WithMaxRetries(retries, retry.NewExponential(backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := w.UpdateInstance(ctx, inst)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, schema.ErrConflict), errors.Is(err, schema.ErrNotFound):
			return err
		}
		logger.WarnContext(ctx, "persist saga instance failed", "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}
