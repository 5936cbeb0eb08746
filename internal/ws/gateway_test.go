package ws

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

func testGateway(t *testing.T, auth Authenticator) *Gateway {
	t.Helper()
	g, err := NewGateway(auth, zerolog.New(io.Discard), Hooks{}, GatewayConfig{})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func allowAll(r *http.Request) (Identity, error) {
	return Identity{UserID: 1, Username: "alice"}, nil
}

func TestGatewayRequiresAuthenticator(t *testing.T) {
	if _, err := NewGateway(nil, zerolog.New(io.Discard), Hooks{}, GatewayConfig{}); err == nil {
		t.Fatal("expected an error without an authenticator")
	}
}

func TestGatewayRejectsNonGet(t *testing.T) {
	g := testGateway(t, AuthFunc(allowAll))

	r := httptest.NewRequest(http.MethodPost, "/ws/event/conv-1", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestGatewayRejectsBadPaths(t *testing.T) {
	g := testGateway(t, AuthFunc(allowAll))

	for _, path := range []string{"/ws", "/ws/event", "/ws/channel/conv-1", "/ws/event/conv-1/extra", "/other/event/conv-1"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)
		if w.Code != http.StatusNotFound {
			t.Fatalf("path %s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestGatewayRejectsFailedAuthentication(t *testing.T) {
	g := testGateway(t, AuthFunc(func(r *http.Request) (Identity, error) {
		return Identity{}, errors.New("bad token")
	}))

	r := httptest.NewRequest(http.MethodGet, "/ws/event/conv-1", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestGatewayRejectsZeroIdentity(t *testing.T) {
	g := testGateway(t, AuthFunc(func(r *http.Request) (Identity, error) {
		return Identity{}, nil
	}))

	r := httptest.NewRequest(http.MethodGet, "/ws/event/conv-1", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestGatewayRequiresUpgradeHeaders(t *testing.T) {
	g := testGateway(t, AuthFunc(allowAll))

	r := httptest.NewRequest(http.MethodGet, "/ws/event/conv-1", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGatewayRejectsWrongVersion(t *testing.T) {
	g := testGateway(t, AuthFunc(allowAll))

	r := httptest.NewRequest(http.MethodGet, "/ws/event/conv-1", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Version", "8")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestParseConversationPath(t *testing.T) {
	kind, conv, ok := parseConversationPath("/ws/group/conv-9")
	if !ok || kind != types.KindGroup || conv != "conv-9" {
		t.Fatalf("parsed = %s %s %v", kind, conv, ok)
	}

	if _, _, ok := parseConversationPath("/ws/direct/conv-9"); ok {
		t.Fatal("unknown kinds must be rejected")
	}
}

func TestComputeAcceptKey(t *testing.T) {
	// Sample handshake from RFC 6455 section 1.3.
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("accept key = %s", got)
	}
}
