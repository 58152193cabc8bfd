package tracking

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrDuplicateRequest is returned when a mutation carries a request key that
// an earlier, committed mutation already used.
var ErrDuplicateRequest = errors.New("tracking: request already applied")

type requestKeyCtx struct{}

// WithRequestKey attaches a client supplied idempotency key to ctx. Status
// updates and tracking events made with the same key apply at most once.
func WithRequestKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKeyCtx{}, key)
}

// RequestKey returns the key attached by WithRequestKey, or "".
func RequestKey(ctx context.Context) string {
	key, _ := ctx.Value(requestKeyCtx{}).(string)
	return key
}

// reserveRequestKey claims the ctx request key inside tx. The claim commits or
// rolls back together with the mutation it guards.
func (s *Service) reserveRequestKey(ctx context.Context, tx pgx.Tx) error {
	key := RequestKey(ctx)
	if key == "" {
		return nil
	}
	return s.repo.ReserveRequestKey(ctx, tx, key)
}
