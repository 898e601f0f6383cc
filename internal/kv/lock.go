package kv

import (
	"context"
	"time"

	"trinity/internal/core"
	apperrors "trinity/pkg/errors"

	"github.com/google/uuid"
)

// WithLock runs fn while holding the named distributed lock. The lock
// is taken with SET NX EX so a crashed holder cannot wedge the system
// past the TTL. Release happens on every exit path, including panics
// inside fn; a release failure is harmless because the TTL bounds it.
//
// Contended locks return apperrors.ErrLockContended without waiting:
// opening the same symbol twice is exactly what the lock exists to
// prevent, so the loser drops the opportunity.
func WithLock(ctx context.Context, store core.IKVStore, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := store.SetNX(ctx, LockKey(name), token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrLockContended
	}

	defer func() {
		// Best effort: the key expires on its own if this fails.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = store.Delete(releaseCtx, LockKey(name))
	}()

	return fn(ctx)
}
