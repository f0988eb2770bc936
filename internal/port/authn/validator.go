// Package authn defines the credential validation port used by the
// WebSocket handshake.
package authn

import "context"

// Validator resolves a short-lived credential to the user it was issued for.
// Implementations return an error wrapping domain.ErrAuthentication on rejection.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}
