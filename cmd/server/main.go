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

	_ "github.com/joho/godotenv/autoload"

	"repairpos/backend/internal/buyback"
	"repairpos/backend/internal/cache"
	"repairpos/backend/internal/catalog"
	"repairpos/backend/internal/config"
	"repairpos/backend/internal/httpapi"
	"repairpos/backend/internal/intake"
	"repairpos/backend/internal/ledger"
	"repairpos/backend/internal/logging"
	"repairpos/backend/internal/photo"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/store/memory"
	pgstore "repairpos/backend/internal/store/postgres"
	"repairpos/backend/internal/valuation"
)

const sessionJanitorInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("invalid security configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	params := valuation.Defaults()
	if cfg.ValuationParamsPath != "" {
		loaded, err := valuation.Load(cfg.ValuationParamsPath)
		if err != nil {
			return fmt.Errorf("valuation parameters: %w", err)
		}
		params = loaded
		logger.Info("valuation parameters loaded", "path", cfg.ValuationParamsPath)
	}

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pgstore.Migrate(ctx, pg.DB()); err != nil {
			_ = pg.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		repo = pg
		logger.Info("repository: postgres")
	} else if cfg.SeedDemoData {
		seeded, err := memory.NewSeeded(cfg.SeedAdminPassword, cfg.SeedOperatorPassword)
		if err != nil {
			return fmt.Errorf("seed memory store: %w", err)
		}
		repo = seeded
		logger.Warn("repository: in-memory with demo data")
	} else {
		repo = memory.New()
		logger.Info("repository: in-memory, empty")
	}

	catalogCache := cache.CatalogCache(cache.NoopCatalogCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", "addr", cfg.RedisAddr, "error", err)
			_ = redisCache.Close()
		} else {
			catalogCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", "addr", cfg.RedisAddr)
		}
	} else {
		logger.Info("cache: noop")
	}

	photos, err := photo.NewDiskStore(cfg.PhotoDir)
	if err != nil {
		return fmt.Errorf("photo store: %w", err)
	}

	flags := cfg.FeatureFlags()
	auditor := service.NewAuditor(repo, logger, cfg.StoreID)
	catalogSvc := catalog.NewService(repo, catalogCache, cfg.CatalogCacheTTL(), auditor, logger)
	ledgerSvc := ledger.NewService(repo, cfg, auditor, logger, ledger.Options{
		Prefix:   cfg.LedgerPrefix,
		Location: cfg.Location(),
	})
	manager := buyback.NewManager(repo, ledgerSvc, catalogSvc, auditor, logger, buyback.Options{Parameters: params})
	controller := intake.NewController(intake.Options{
		Devices:    repo,
		Catalog:    catalogSvc,
		Photos:     photos,
		Parameters: params,
		Auditor:    auditor,
		Logger:     logger,
		SessionTTL: cfg.SessionTTL(),
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo, logger)

	api := httpapi.New(httpapi.Deps{
		Intake:        controller,
		Buyback:       manager,
		Ledger:        ledgerSvc,
		Catalog:       catalogSvc,
		Auditor:       auditor,
		Auth:          auth,
		Flags:         cfg,
		Logger:        logger,
		AllowedOrigin: cfg.AllowedOrigin,
	})

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go controller.RunJanitor(janitorCtx, sessionJanitorInterval)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("buyback backend listening",
			"addr", cfg.Address(),
			"buyback_enabled", flags.BuybackEnabled,
			"logbook_enabled", flags.LogbookEnabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	stopJanitor()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", "error", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
