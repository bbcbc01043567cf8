package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-booking/internal/utils"

	"github.com/coreos/go-oidc/v3/oidc"
)

type contextKey string

const userIDKey contextKey = "user_id"

var ErrInvalidToken = errors.New("invalid token")

// Verifier turns a raw bearer token into the caller's subject.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

// OIDCVerifier checks tokens issued by an OpenID Connect provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers issuer. An empty clientID skips the audience check.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{
			ClientID:          clientID,
			SkipClientIDCheck: clientID == "",
		}),
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: failed to parse claims", ErrInvalidToken)
	}
	return claims.Sub, nil
}

// Middleware accepts a request when any verifier accepts its bearer token.
// With no verifiers every request passes through unauthenticated.
func Middleware(verifiers ...Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(verifiers) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
				return
			}

			var lastErr error
			for _, v := range verifiers {
				sub, err := v.Verify(r.Context(), rawToken)
				if err == nil {
					ctx := context.WithValue(r.Context(), userIDKey, sub)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				lastErr = err
			}
			utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", lastErr.Error()))
		})
	}
}

// UserID returns the authenticated subject, or "" on unauthenticated routes.
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}
