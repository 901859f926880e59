package middleware

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/auth"
)

// DisplayNameHeader carries the name an anonymous caller wants to be shown as.
const DisplayNameHeader = "X-Display-Name"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const identityKey contextKey = "identity"

// Identity is the caller of an RPC. UserID is empty for anonymous callers.
type Identity struct {
	UserID string
	Name   string
}

// Anonymous reports whether the caller presented no token.
func (i Identity) Anonymous() bool { return i.UserID == "" }

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the caller identity. The zero Identity is anonymous.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

// GetUserID extracts the user ID from the context.
// Returns empty string for anonymous callers.
func GetUserID(ctx context.Context) string {
	return IdentityFrom(ctx).UserID
}

// resolveIdentity validates a Bearer token when one is sent. Without a token
// the caller is anonymous and named by DisplayNameHeader. A token that fails
// validation is rejected rather than downgraded.
func resolveIdentity(jwtManager *auth.JWTManager, header http.Header) (Identity, error) {
	authHeader := header.Get("Authorization")
	if authHeader == "" {
		return Identity{Name: strings.TrimSpace(header.Get(DisplayNameHeader))}, nil
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return Identity{}, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
	}
	claims, err := jwtManager.Validate(parts[1])
	if err != nil {
		return Identity{}, connect.NewError(connect.CodeUnauthenticated, err)
	}
	name := claims.Name
	if name == "" {
		name = strings.TrimSpace(header.Get(DisplayNameHeader))
	}
	return Identity{UserID: claims.UserID, Name: name}, nil
}

type identityInterceptor struct {
	jwtManager *auth.JWTManager
}

// IdentityInterceptor attaches the caller Identity to unary and streaming
// handlers. Anonymous calls pass through; handlers decide what they allow.
func IdentityInterceptor(jwtManager *auth.JWTManager) connect.Interceptor {
	return &identityInterceptor{jwtManager: jwtManager}
}

func (i *identityInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		id, err := resolveIdentity(i.jwtManager, req.Header())
		if err != nil {
			return nil, err
		}
		return next(WithIdentity(ctx, id), req)
	}
}

func (i *identityInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (i *identityInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		id, err := resolveIdentity(i.jwtManager, conn.RequestHeader())
		if err != nil {
			return err
		}
		return next(WithIdentity(ctx, id), conn)
	}
}

// RequireUser returns the identified caller or an Unauthenticated error.
func RequireUser(ctx context.Context) (Identity, error) {
	id := IdentityFrom(ctx)
	if id.Anonymous() {
		return Identity{}, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
	}
	return id, nil
}
