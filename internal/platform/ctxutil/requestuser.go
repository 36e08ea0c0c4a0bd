package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type requestUserKey struct{}

// RequestUser identifies the authenticated caller for the duration of a
// request.
type RequestUser struct {
	UserID uuid.UUID
}

func WithRequestUser(ctx context.Context, u *RequestUser) context.Context {
	return context.WithValue(ctx, requestUserKey{}, u)
}

func GetRequestUser(ctx context.Context) *RequestUser {
	val := ctx.Value(requestUserKey{})
	if u, ok := val.(*RequestUser); ok {
		return u
	}
	return nil
}
