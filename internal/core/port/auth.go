package port

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Authenticator resolves the identity behind an incoming connection request.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.UserID, error)
}
