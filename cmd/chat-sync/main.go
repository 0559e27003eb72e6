package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const logoutTimeout = 5 * time.Second

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashKey() {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "API key (give this to the MCP client):")
	fmt.Println(key)
	fmt.Fprintln(os.Stderr, "Hash (add to MCP_API_KEYS as <user>:<hash>):")
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.Bool("outbox", cfg.OutboxDir != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := chat.NewClient(cfg.APIURL, nil)

	self, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	conn := chat.NewConnManager(chat.ConnConfig{
		URL:                  cfg.WSURL,
		Header:               client.SessionHeader(),
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
	}, logger.With(slog.String("component", "conn")))

	session := chat.NewSession(conn, client, chat.SessionConfig{
		Self:            self,
		HistoryLimit:    cfg.HistoryLimit,
		RefreshInterval: cfg.RefreshMinInterval,
		OnActiveChange: func(key models.ConversationKey) {
			if err := appState.SetActiveConversation(key); err != nil {
				logger.Warn("failed to save active conversation", slog.String("error", err.Error()))
			}
		},
	}, logger.With(slog.String("component", "session")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gctx)
	})

	g.Go(func() error {
		return startSession(gctx, conn, session, appState, logger)
	})

	g.Go(func() error {
		return newPrompt(session, os.Stdin, os.Stdout, logger).run(gctx)
	})

	if cfg.OutboxDir != "" {
		outbox := chat.NewOutbox(cfg.OutboxDir, session, logger.With(slog.String("component", "outbox")))
		g.Go(func() error {
			return outbox.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, session, logger)
		})
	}

	err = g.Wait()

	if derr := conn.Disconnect(); derr != nil {
		logger.Debug("disconnect", slog.String("error", derr.Error()))
	}

	switch {
	case errors.Is(err, errLogout):
		return logout(client, appState, logger)
	case errors.Is(err, errQuit), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// startSession reopens the last conversation and opens the connection.
// A failed first dial is not fatal: the manager keeps retrying.
func startSession(ctx context.Context, conn *chat.ConnManager, session *chat.Session, appState *state.State, logger *slog.Logger) error {
	key, err := appState.ActiveConversation()
	if err != nil {
		logger.Warn("ignoring saved conversation", slog.String("error", err.Error()))
	}

	if !key.IsZero() {
		logger.Info("reopening conversation", slog.String("conversation", key.String()))

		if err := session.SetActive(ctx, key); err != nil {
			return fmt.Errorf("reopening conversation: %w", err)
		}
	}

	if err := conn.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in background", slog.String("error", err.Error()))
	}

	return nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, session *chat.Session, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
	})

	httpServer := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// authenticate reuses the cached session cookie when the backend still
// accepts it and signs in with the configured credentials otherwise.
func authenticate(ctx context.Context, client *chat.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (models.User, error) {
	if id := appState.Session(); id != "" {
		logger.Debug("trying cached session")
		client.SetSession(id)

		user, err := client.Me(ctx)
		if err == nil {
			logger.Info("authenticated with cached session", slog.String("name", user.Name))
			return user, nil
		}

		logger.Debug("cached session rejected, signing in fresh", slog.String("error", err.Error()))
		client.SetSession("")
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	user, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("signing in: %w", err)
	}

	logger.Info("signed in", slog.String("name", user.Name), slog.Int64("user_id", user.ID))

	if err := appState.SetSession(client.SessionID(), user); err != nil {
		logger.Warn("failed to save session", slog.String("error", err.Error()))
	}

	return user, nil
}

func logout(client *chat.Client, appState *state.State, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	if err := client.Logout(ctx); err != nil {
		logger.Warn("logout request failed", slog.String("error", err.Error()))
	}

	if err := appState.ClearSession(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	logger.Info("signed out")

	return nil
}
