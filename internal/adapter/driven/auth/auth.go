// Package auth resolves the identity behind relay connection requests.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Wyydra/yacall/internal/core/domain"
)

const maxIdentityLen = 128

// Dev trusts the identity named by the request. Only for local development.
type Dev struct{}

func (Dev) Authenticate(r *http.Request) (domain.UserID, error) {
	id := r.URL.Query().Get("identity")
	if id == "" {
		id = r.Header.Get("X-Identity")
	}
	if err := validIdentity(id); err != nil {
		return "", err
	}
	return domain.UserID(id), nil
}

// credential returns the bearer token of r. Browsers cannot set headers on
// websocket upgrades, so the token query parameter is accepted as well.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func validIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing identity", domain.ErrUnauthenticated)
	}
	if len(id) > maxIdentityLen {
		return fmt.Errorf("%w: identity too long", domain.ErrUnauthenticated)
	}
	for _, r := range id {
		if r < 0x21 || r == 0x7f {
			return fmt.Errorf("%w: identity contains control or space characters", domain.ErrUnauthenticated)
		}
	}
	return nil
}
