package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/anganicrm/clientmanager/internal/database"
	"github.com/anganicrm/clientmanager/internal/handlers"
	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/internal/storage"
	"github.com/anganicrm/clientmanager/pkg/invitetoken"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("ignoring .env: %v", err)
	}
	logger.Init()

	cfg := config.Load()
	utils.ConfigureSealing(cfg.Security.SecretKey)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	if err := database.SeedAdmin(db, cfg.Bootstrap); err != nil {
		log.Fatalf("admin bootstrap failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessionStorage, csrfStorage fiber.Storage
	if cfg.Redis.URL != "" {
		redisStorage, err := session.NewRedisStorageFromURL(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStorage.Close()
		sessionStorage = redisStorage
		csrfStorage = redisStorage.WithPrefix("crm:csrf:")
	}
	sessions := session.NewManager(cfg.Session, sessionStorage)

	var auditUploader services.AuditUploader
	if cfg.MinIO.Enabled() {
		storageClient, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
		auditUploader = storageClient
	}
	auditService := services.NewAuditService(db, auditUploader, cfg.Audit.QueueSize)
	defer auditService.Close()
	auditService.StartExporter(ctx, cfg.Audit.ExportInterval)

	backends := []services.Backend{&services.EmailBackend{DB: db}}
	if cfg.LDAP.Enabled {
		backends = append(backends, services.NewLDAPBackend(db, cfg.LDAP))
	}

	mailer := services.NewMailer(cfg.Mail)
	notifier := services.NewNotifier(cfg.Mattermost)
	totpService := services.NewTOTPService(db, cfg.TOTP.Issuer)
	authService := services.NewAuthService(db, totpService, cfg.Security.MaxTwoFactorAttempts, cfg.TOTP.Window, backends...)
	tokens := invitetoken.New(cfg.Security.SecretKey, cfg.InvitationMaxAge())
	invitations := services.NewInvitationService(db, tokens, mailer, cfg.Server.SiteURL)

	authMiddleware := middleware.NewAuthMiddleware(db, sessions)

	app := fiber.New(fiber.Config{BodyLimit: 4 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.CORSOrigins()))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	app.Use(sessions.Middleware())
	app.Use(authMiddleware.LoadUser)
	app.Use(middleware.CSRF(middleware.CSRFConfig{
		Storage:        csrfStorage,
		Secure:         cfg.Session.Secure,
		Expiration:     cfg.Session.Expiration,
		ExemptPaths:    []string{"/health"},
		TrustedOrigins: cfg.CORSOrigins(),
	}))
	app.Use(middleware.Enforce2FA(middleware.DefaultEnforce2FAConfig(cfg.Server.StaticPrefix, cfg.Server.MediaPrefix)))

	handlers.Routes{
		Auth:     authMiddleware,
		Accounts: handlers.NewAccountsHandler(db, sessions, authService, totpService, invitations, auditService, cfg.Server.LandingPath),
		Clients:  handlers.NewClientsHandler(db, sessions, auditService, notifier, mailer),
		Users:    handlers.NewUsersHandler(db, sessions, invitations, auditService),
		Home:     handlers.NewHomeHandler(sessions),
	}.Register(app)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":           cfg.Server.Port,
		"address":        listenAddr,
		"db_driver":      cfg.DB.Driver,
		"redis_sessions": sessionStorage != nil,
		"ldap":           cfg.LDAP.Enabled,
		"audit_export":   auditUploader != nil,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		cancel()
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
