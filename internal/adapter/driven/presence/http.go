// Package presence asks the relay whether an identity is online.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// HTTP queries the relay's presence endpoint. It implements port.Presence.
type HTTP struct {
	base     *url.URL
	identity domain.UserID
	token    string
	client   *http.Client
}

// NewHTTP derives the presence endpoint from the relay's websocket URL.
func NewHTTP(relayURL string, identity domain.UserID, token string) (*HTTP, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return &HTTP{
		base:     u,
		identity: identity,
		token:    token,
		client:   &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (p *HTTP) IsReachable(ctx context.Context, id domain.UserID) (bool, error) {
	u := *p.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/presence/" + url.PathEscape(id.String())
	if p.token == "" {
		u.RawQuery = url.Values{"identity": {p.identity.String()}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return false, domain.ErrUnauthenticated
	default:
		return false, fmt.Errorf("presence: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("presence: decode response: %w", err)
	}
	return body.Online, nil
}
