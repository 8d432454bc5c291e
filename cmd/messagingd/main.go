package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gkeferstein/messaging-server/internal/api"
	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/bus"
	"github.com/gkeferstein/messaging-server/internal/chat"
	"github.com/gkeferstein/messaging-server/internal/config"
	"github.com/gkeferstein/messaging-server/internal/contact"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/gateway"
	"github.com/gkeferstein/messaging-server/internal/httputil"
	"github.com/gkeferstein/messaging-server/internal/identity"
	"github.com/gkeferstein/messaging-server/internal/message"
	"github.com/gkeferstein/messaging-server/internal/permission"
	"github.com/gkeferstein/messaging-server/internal/postgres"
	"github.com/gkeferstein/messaging-server/internal/presence"
	"github.com/gkeferstein/messaging-server/internal/user"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zerolog.SetGlobalLevel(cfg.ZerologLevel())
	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("env", cfg.ServerEnv).
		Msg("Starting messaging server")

	if cfg.CORSOrigins == "*" {
		log.Warn().Msg("CORS_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	// Connect PostgreSQL and migrate.
	db, err := postgres.Connect(ctx, cfg.StoreDSN, cfg.StoreMaxConns, cfg.StoreMinConns)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer db.Close()
	log.Info().Msg("Store connected")

	if err := postgres.Migrate(cfg.StoreDSN, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Store migrations complete")

	// Connect the shared bus. An unreachable bus does not abort the process:
	// the service runs in single-node mode on a process-local bus and logs
	// the degraded status.
	var sharedBus bus.Bus
	var busPinger api.Pinger
	redisBus, err := bus.ConnectRedis(ctx, cfg.BusDSN, cfg.BusDialTimeout)
	if err != nil {
		log.Warn().Err(err).
			Msg("Bus unreachable, running in single-node mode: no cross-node fanout, presence limited to this process")
		sharedBus = bus.NewMemory()
	} else {
		log.Info().Msg("Bus connected")
		sharedBus = redisBus
		busPinger = redisBus
	}
	defer func() { _ = sharedBus.Close() }()

	// Seed the default messaging rules on an empty rule table.
	if err := permission.SeedDefaultRules(ctx, db, log.Logger); err != nil {
		return fmt.Errorf("seed messaging rules: %w", err)
	}

	// Identity verifier.
	verifier, err := identity.NewVerifier(cfg.IdentityVerifierSecret, cfg.IdentityIssuer)
	if err != nil {
		return fmt.Errorf("create identity verifier: %w", err)
	}

	// Repositories and services.
	userRepo := user.NewPGRepository(db, log.Logger)
	convRepo := conversation.NewPGRepository(db, log.Logger)
	msgRepo := message.NewPGRepository(db, log.Logger)
	contactRepo := contact.NewPGRepository(db, log.Logger)

	permStore := permission.NewPGStore(db, log.Logger)
	resolver := permission.NewResolver(permStore, cfg.RuleWindowMode, log.Logger)

	presenceSvc := presence.NewService(sharedBus)
	chatSvc := chat.NewService(convRepo, msgRepo, userRepo, contactRepo, resolver, presenceSvc,
		cfg.ContactRequestTTL, log.Logger)

	fanout := gateway.NewFanout(sharedBus, convRepo, log.Logger)
	hub := gateway.NewHub(sharedBus, cfg, verifier, chatSvc, presenceSvc, convRepo, fanout, log.Logger)

	// Background services share one cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go runWithBackoff(subCtx, "gateway-hub", hub.Run)

	// Periodically persist the EXPIRED state for overdue contact requests.
	go func() {
		ticker := time.NewTicker(cfg.ContactExpirySweep)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				expired, err := chatSvc.ExpireContactRequests(subCtx)
				if err != nil {
					log.Warn().Err(err).Msg("Contact request expiry sweep failed")
				} else if expired > 0 {
					log.Info().Int64("expired", expired).Msg("Expired overdue contact requests")
				}
			}
		}
	}()

	// HTTP surface.
	app := fiber.New(fiber.Config{
		AppName:      "messaging-server",
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "An internal error occurred"
			code := apperrors.InternalError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				msg = fe.Message
				code = fiberStatusToKind(fe.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: msg},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger, "/api/v1/health", "/api/v1/ready", "/api/v1/live"))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Tenant-ID", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: time.Duration(cfg.RateLimitWindowMS) * time.Millisecond,
	}))

	registerRoutes(app, db, busPinger, verifier, chatSvc, convRepo, fanout, hub)

	// Graceful shutdown: drain the gateway, stop background services, then
	// let in-flight requests finish.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := cfg.Addr()
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func registerRoutes(
	app *fiber.App,
	db api.Pinger,
	busPinger api.Pinger,
	verifier *identity.Verifier,
	chatSvc *chat.Service,
	convRepo conversation.Repository,
	fanout *gateway.Fanout,
	hub *gateway.Hub,
) {
	requireAuth := api.RequireAuth(verifier)

	health := api.NewHealthHandler(db, busPinger)
	app.Get("/api/v1/health", health.Health)
	app.Get("/api/v1/health/detailed", health.Detailed)
	app.Get("/api/v1/ready", health.Ready)
	app.Get("/api/v1/live", health.Live)

	conversationHandler := api.NewConversationHandler(chatSvc, log.Logger)
	conversations := app.Group("/api/v1/conversations", requireAuth)
	conversations.Get("/", conversationHandler.List)
	conversations.Post("/", conversationHandler.Create)
	conversations.Get("/:id", conversationHandler.Get)
	conversations.Get("/:id/participants", conversationHandler.Participants)
	conversations.Post("/:id/read", conversationHandler.MarkRead)

	messageHandler := api.NewMessageHandler(chatSvc, fanout, log.Logger)
	conversations.Get("/:cid/messages", messageHandler.List)
	conversations.Post("/:cid/messages", messageHandler.Create)
	conversations.Get("/:cid/messages/:mid", messageHandler.Get)
	conversations.Patch("/:cid/messages/:mid", messageHandler.Edit)
	conversations.Delete("/:cid/messages/:mid", messageHandler.Delete)
	app.Get("/api/v1/messages/unread", requireAuth, messageHandler.Unread)

	contactHandler := api.NewContactHandler(chatSvc, log.Logger)
	contacts := app.Group("/api/v1/contacts", requireAuth)
	contacts.Get("/requests", contactHandler.Received)
	contacts.Get("/requests/sent", contactHandler.Sent)
	contacts.Post("/requests", contactHandler.Create)
	contacts.Post("/requests/:id/respond", contactHandler.Respond)
	contacts.Post("/block", contactHandler.Block)
	contacts.Delete("/block/:userId", contactHandler.Unblock)
	contacts.Get("/blocked", contactHandler.Blocked)
	contacts.Get("/can-message/:userId", contactHandler.CanMessage)

	gatewayHandler := api.NewGatewayHandler(hub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	// Terminal handler: unmatched requests 404 instead of falling through
	// the middleware chain with an empty 200.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when
// it returns a non-nil, non-cancelled error. The delay starts at one second
// and doubles up to a two-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToKind maps Fiber's built-in error statuses (404, 405, ...) to
// the closest wire error code.
func fiberStatusToKind(status int) apperrors.Kind {
	switch status {
	case fiber.StatusNotFound:
		return apperrors.NotFound
	case fiber.StatusUnauthorized:
		return apperrors.Unauthorized
	case fiber.StatusTooManyRequests:
		return apperrors.RateLimited
	case fiber.StatusServiceUnavailable:
		return apperrors.ServiceUnavailable
	default:
		if status >= 400 && status < 500 {
			return apperrors.ValidationError
		}
		return apperrors.InternalError
	}
}

