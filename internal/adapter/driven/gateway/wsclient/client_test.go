package wsclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/auth"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
)

type inbox struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (in *inbox) handle(_ context.Context, env domain.Envelope) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.envs = append(in.envs, env)
}

func (in *inbox) wait(t *testing.T, n int) []domain.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		in.mu.Lock()
		if len(in.envs) >= n {
			out := append([]domain.Envelope(nil), in.envs...)
			in.mu.Unlock()
			return out
		}
		in.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("received fewer than %d envelopes", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startRelay(t *testing.T, a port.Authenticator) (*httptest.Server, *service.Relay, *ws.Hub) {
	t.Helper()
	hub := ws.NewHub()
	relay := service.NewRelay(hub)
	srv := httptest.NewServer(handler.NewHandler(relay, a, ws.DefaultOptions()).NewRouter())
	t.Cleanup(srv.Close)
	return srv, relay, hub
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func waitOnline(t *testing.T, relay *service.Relay, id domain.UserID) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !relay.IsOnline(id) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws", Identity: "alice"}, func(context.Context, domain.Envelope) {})
	err := c.Send(context.Background(), domain.NewCloseEnvelope(domain.KindEnd, "s1", "bob", domain.ReasonNone))
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	srv, relay, _ := startRelay(t, auth.Dev{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bobInbox inbox
	alice := New(Config{URL: wsURL(srv), Identity: "alice"}, func(context.Context, domain.Envelope) {})
	bob := New(Config{URL: wsURL(srv), Identity: "bob"}, bobInbox.handle)
	go alice.Run(ctx)
	go bob.Run(ctx)
	waitConnected(t, alice)
	waitOnline(t, relay, "bob")

	env, err := domain.NewDescriptionEnvelope("s1", "bob", domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := alice.Send(ctx, env); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := bobInbox.wait(t, 1)[0]
	if got.Kind != domain.KindOffer || got.SenderID != "alice" {
		t.Fatalf("bob received %#v", got)
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	srv, relay, hub := startRelay(t, auth.Dev{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	connects := 0
	c := New(Config{URL: wsURL(srv), Identity: "alice", MaxBackoff: 100 * time.Millisecond}, func(context.Context, domain.Envelope) {})
	c.OnConnect(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})
	go c.Run(ctx)
	waitOnline(t, relay, "alice")

	hub.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := connects
		mu.Unlock()
		if n >= 2 && relay.IsOnline("alice") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connects=%d, want a redial", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_RefusedCredentialsStopRun(t *testing.T) {
	tok, err := auth.NewToken("0123456789abcdef")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	srv, _, _ := startRelay(t, tok)

	c := New(Config{URL: wsURL(srv), Identity: "alice", Token: "not-a-token"}, func(context.Context, domain.Envelope) {})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("run err=%v, want ErrUnauthenticated", err)
	}
}
