package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Authenticator resolves the caller-supplied credential to a participant
// identity before the connection is upgraded.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthFunc adapts an ordinary function into an Authenticator.
type AuthFunc func(r *http.Request) (Identity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (Identity, error) {
	return f(r)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
}

// Gateway upgrades HTTP requests on /ws/{kind}/{conversation_id} into
// WebSocket connections, validates the credential, and hands the connection
// to the session hooks.
type Gateway struct {
	auth   Authenticator
	logger zerolog.Logger
	hooks  Hooks
	cfg    GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{auth: auth, logger: logger, hooks: hooks, cfg: cfg}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	kind, conversation, ok := parseConversationPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if identity.UserID == 0 {
		http.Error(w, "missing participant identity", http.StatusUnauthorized)
		return
	}

	if err := g.performUpgrade(w, r, identity, kind, conversation); err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	upgradeLatency.WithLabelValues(string(conversation)).Observe(time.Since(started).Seconds())
}

func (g *Gateway) performUpgrade(w http.ResponseWriter, r *http.Request, identity Identity, kind types.ConversationKind, conversation types.ConversationID) error {
	if !headerContainsToken(r.Header.Get("Connection"), "Upgrade") || !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "upgrade headers required", http.StatusBadRequest)
		return errors.New("missing upgrade headers")
	}

	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return errors.New("invalid websocket version")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing websocket key", http.StatusBadRequest)
		return errors.New("missing websocket key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return errors.New("hijacking not supported")
	}

	conn, buf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("hijack: %w", err)
	}

	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", computeAcceptKey(key))
	if _, err := buf.WriteString(response); err != nil {
		conn.Close()
		return fmt.Errorf("write handshake response: %w", err)
	}
	if err := buf.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("flush handshake: %w", err)
	}

	childLogger := g.logger.With().
		Str("conversation", string(conversation)).
		Int64("user", int64(identity.UserID)).
		Logger()

	connection := newConnection(conn, identity, kind, conversation, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, nil)

	childLogger.Info().Msg("websocket connection established")

	go connection.Run(g.hooks)
	return nil
}

// parseConversationPath extracts (kind, id) from /ws/{kind}/{conversation_id}.
func parseConversationPath(path string) (types.ConversationKind, types.ConversationID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "ws" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	kind := types.ConversationKind(parts[1])
	if kind != types.KindEvent && kind != types.KindGroup {
		return "", "", false
	}
	return kind, types.ConversationID(parts[2]), true
}

func computeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(key) + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func headerContainsToken(value, token string) bool {
	if value == "" {
		return false
	}
	parts := strings.Split(value, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
