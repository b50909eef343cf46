package room

import (
	"context"
	"fmt"

	"github.com/labsync/server/pkg/identity"
)

// Authenticate resolves the presence key of a joining client. Without a
// configured secret the key is trusted as sent.
func (s *service) Authenticate(ctx context.Context, params *AuthenticateParams) (string, error) {
	if s.secret == "" {
		if params.Key == "" {
			return "", ErrUnauthorized
		}
		return params.Key, nil
	}

	claims, err := identity.Verify(s.secret, params.Token)
	if err != nil {
		s.logger.DebugContext(ctx, "token rejected", "error", err)
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	if params.Key != "" && params.Key != claims.Subject {
		return "", fmt.Errorf("%w: key does not match token subject", ErrUnauthorized)
	}

	return claims.Subject, nil
}
