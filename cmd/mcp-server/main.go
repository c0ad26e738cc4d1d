package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meridianhq/meridian-mcp/cmd/mcp-server/auth"
	"github.com/meridianhq/meridian-mcp/cmd/mcp-server/handlers"
	oauthsrv "github.com/meridianhq/meridian-mcp/cmd/mcp-server/oauth"
	"github.com/meridianhq/meridian-mcp/internal/clients"
	"github.com/meridianhq/meridian-mcp/internal/config"
	"github.com/meridianhq/meridian-mcp/internal/oauth"
	"github.com/meridianhq/meridian-mcp/internal/oauth/statecache"
	"github.com/meridianhq/meridian-mcp/internal/session"
	"github.com/meridianhq/meridian-mcp/internal/tokenstore"
	"github.com/meridianhq/meridian-mcp/pkg/mcp"
)

const (
	ServiceName    = "meridian-mcp"
	ServiceVersion = "v1.0.0"
)

func main() {
	config.LoadEnv("../../.env")

	appCfg, err := config.LoadAppConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load app config")
	}
	setupLogging(appCfg)

	oauthCfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load OAuth config")
	}

	provider := oauth.NewProviderClient(oauthCfg)

	tokens, err := tokenstore.NewFromEnv(provider, oauthCfg.RefreshWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token store")
	}
	defer tokens.Close()

	states := statecache.New(oauthCfg.PendingAuthTTL)
	defer states.Stop()

	sessions := session.NewRegistry(oauthCfg.SessionIdleTTL)
	defer sessions.Stop()

	clientRegistry, err := clients.NewRegistryFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize client registry")
	}
	defer clientRegistry.Close()

	oauthServer := oauthsrv.NewServer(oauthCfg, provider, states, tokens, clientRegistry)

	managementHandler := handlers.NewManagementHandler(tokens)

	server := mcp.NewServer(ServiceName, ServiceVersion)
	for _, tool := range managementHandler.ListTools() {
		server.RegisterTool(tool)
	}

	handler := func(ctx context.Context, call mcp.ToolCall, sess *session.Session) (mcp.ToolResult, error) {
		switch call.Name {
		case "auth_status", "whoami":
			return managementHandler.HandleTool(ctx, call, sess)
		}
		return mcp.ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name)), fmt.Errorf("unknown tool: %s", call.Name)
	}

	sseServer := mcp.NewSSEServer(server, sessions, handler, auth.AuthSessionFromContext)
	authMiddleware := auth.RequireAuth(tokens, oauthCfg.Issuer)

	mux := http.NewServeMux()

	// OAuth proxy endpoints
	mux.HandleFunc("/.well-known/oauth-authorization-server", oauthServer.HandleWellKnown)
	mux.HandleFunc("/oauth/authorize", oauthServer.HandleAuthorize)
	mux.HandleFunc(oauthCfg.CallbackPath, oauthServer.HandleCallback)
	mux.HandleFunc("/oauth/token", oauthServer.HandleToken)
	mux.HandleFunc("/oauth/register", oauthServer.HandleRegister)

	// MCP transport, bearer-authenticated
	mux.Handle("/sse", authMiddleware.HandlerFunc(sseServer.HandleSSE))
	mux.Handle("/message", authMiddleware.HandlerFunc(sseServer.HandleMessage))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]interface{}{
			"status":   "ok",
			"service":  ServiceName,
			"version":  ServiceVersion,
			"sessions": sessions.Count(),
		}
		code := http.StatusOK
		if err := tokens.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["token_store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := clientRegistry.Ping(); err != nil {
			status["status"] = "degraded"
			status["client_registry"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{
		Addr:        ":" + appCfg.Server.Port,
		Handler:     corsMiddleware(mux),
		ReadTimeout: appCfg.Server.ReadTimeout,
		// WriteTimeout stays zero so SSE streams are not cut off
		WriteTimeout: appCfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("issuer", oauthCfg.Issuer).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupLogging(cfg *config.AppConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
