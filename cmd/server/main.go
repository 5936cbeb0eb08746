package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/eventchat/internal/archive"
	"github.com/example/eventchat/internal/auth"
	"github.com/example/eventchat/internal/causal"
	"github.com/example/eventchat/internal/config"
	"github.com/example/eventchat/internal/hub"
	"github.com/example/eventchat/internal/observability"
	"github.com/example/eventchat/internal/presence"
	"github.com/example/eventchat/internal/session"
	"github.com/example/eventchat/internal/storage"
	"github.com/example/eventchat/internal/types"
	"github.com/example/eventchat/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store := storage.NewStore(resources.Postgres)
	registry := causal.NewRegistry(logger)
	tracker := presence.NewRedisTracker(resources.Redis, presence.DefaultTimeout, logger)
	rooms := hub.New(tracker, logger)

	dispatcher := hub.NewDispatcher(rooms, 64, logger)
	dispatcher.Start(ctx)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        cfg.AuthIssuer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token verifier")
	}

	handler := session.NewHandler(store, registry, rooms, logger,
		session.WithHistoryLimit(cfg.HistoryReplayLimit))

	gateway, err := ws.NewGateway(verifier, logger, handler.Hooks(), ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure websocket gateway")
	}

	uploader := archive.NewObjectUploader(resources.Object, cfg.ObjectBucket)
	archiver := archive.NewWorker(registry, store, uploader, logger).
		WithInterval(cfg.ArchiveInterval).
		WithThreshold(cfg.ArchiveThreshold)
	archiver.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws/", gateway)
	mux.Handle("/conversations/", deleteMessageHandler(store, dispatcher, verifier, logger))

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// deleteMessageHandler tombstones a persisted message and fans the deletion
// out to every connected participant through the dispatcher. The route is
// DELETE /conversations/{kind}/{conversation_id}/messages/{message_id} and
// only the conversation owner may call it.
func deleteMessageHandler(store *storage.Store, dispatcher *hub.Dispatcher, verifier *auth.Verifier, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		kind, conv, msgID, ok := parseDeletePath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		identity, err := verifier.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conversation, err := store.GetConversation(r.Context(), kind, conv)
		if err != nil {
			if errors.Is(err, storage.ErrConversationNotFound) {
				http.NotFound(w, r)
				return
			}
			logger.Error().Err(err).Str("conversation", string(conv)).Msg("failed to resolve conversation for delete")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if conversation.OwnerID != identity.UserID {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if err := store.MarkMessageDeleted(r.Context(), conv, msgID); err != nil {
			logger.Error().Err(err).Str("message", string(msgID)).Msg("failed to tombstone message")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if err := dispatcher.Submit(conv, ws.MessageDeleted(msgID)); err != nil {
			logger.Warn().Err(err).Str("message", string(msgID)).Msg("delete broadcast dropped")
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func parseDeletePath(path string) (types.ConversationKind, types.ConversationID, types.MessageID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 5 || parts[0] != "conversations" || parts[3] != "messages" {
		return "", "", "", false
	}

	kind := types.ConversationKind(parts[1])
	if kind != types.KindEvent && kind != types.KindGroup {
		return "", "", "", false
	}
	if parts[2] == "" || parts[4] == "" {
		return "", "", "", false
	}
	return kind, types.ConversationID(parts[2]), types.MessageID(parts[4]), true
}
