package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ilyakaznacheev/cleanenv"

	"repairpos/backend/internal/domain"
)

type Config struct {
	Port          string `yaml:"port"           env:"PORT"           env-default:"8080"`
	AllowedOrigin string `yaml:"allowed_origin" env:"ALLOWED_ORIGIN" env-default:"http://127.0.0.1:3000"`
	DatabaseURL   string `yaml:"database_url"   env:"DATABASE_URL"`
	RedisAddr     string `yaml:"redis_addr"     env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"       env:"REDIS_DB"       env-default:"0"`
	StoreID       string `yaml:"store_id"       env:"DEFAULT_STORE_ID" env-default:"main-store"`

	AuthSecret            string `yaml:"auth_secret"              env:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes" env:"ACCESS_TOKEN_TTL_MINUTES" env-default:"480"`
	ManagerPIN            string `yaml:"manager_pin"              env:"MANAGER_PIN"`

	LogLevel  string `yaml:"log_level"  env:"LOG_LEVEL"  env-default:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" env-default:"json"`

	BuybackEnabled bool `yaml:"feature_buyback_enabled" env:"FEATURE_BUYBACK_ENABLED" env-default:"true"`
	LogbookEnabled bool `yaml:"feature_logbook_enabled" env:"FEATURE_LOGBOOK_ENABLED" env-default:"true"`

	LedgerPrefix   string `yaml:"ledger_prefix"   env:"LEDGER_PREFIX"   env-default:"RP"`
	LedgerTimezone string `yaml:"ledger_timezone" env:"LEDGER_TIMEZONE" env-default:"Europe/Paris"`

	IntakeSessionTTLMinutes int    `yaml:"intake_session_ttl_minutes" env:"INTAKE_SESSION_TTL_MINUTES" env-default:"120"`
	PhotoDir                string `yaml:"photo_dir"                  env:"PHOTO_DIR"                  env-default:"./data/photos"`
	CatalogCacheTTLSeconds  int    `yaml:"catalog_cache_ttl_seconds"  env:"CATALOG_CACHE_TTL_SECONDS"  env-default:"300"`
	ValuationParamsPath     string `yaml:"valuation_params_path"      env:"VALUATION_PARAMS_PATH"`

	// Demo data is only ever loaded into the in-memory store, and only on request.
	SeedDemoData         bool   `yaml:"seed_demo_data"         env:"SEED_DEMO_DATA" env-default:"false"`
	SeedAdminPassword    string `yaml:"seed_admin_password"    env:"SEED_ADMIN_PASSWORD"`
	SeedOperatorPassword string `yaml:"seed_operator_password" env:"SEED_OPERATOR_PASSWORD"`
}

// Load reads configuration from the YAML file named by CONFIG_PATH, when set,
// and from the environment. Environment values win over the file.
func Load() (Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: read env: %w", err)
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.LedgerPrefix = strings.TrimSpace(cfg.LedgerPrefix)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.AccessTokenTTLMinutes < 1 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL_MINUTES must be positive"))
	}
	if c.IntakeSessionTTLMinutes < 1 {
		errs = append(errs, errors.New("INTAKE_SESSION_TTL_MINUTES must be positive"))
	}
	if c.CatalogCacheTTLSeconds < 1 {
		errs = append(errs, errors.New("CATALOG_CACHE_TTL_SECONDS must be positive"))
	}
	if c.LedgerPrefix == "" {
		errs = append(errs, errors.New("LEDGER_PREFIX must not be empty"))
	}
	if _, err := time.LoadLocation(c.LedgerTimezone); err != nil {
		errs = append(errs, fmt.Errorf("LEDGER_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location returns the ledger time zone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LedgerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FeatureFlags reports which shop modules are enabled. It backs the ledger
// access check.
func (c Config) FeatureFlags() domain.FeatureFlags {
	return domain.FeatureFlags{BuybackEnabled: c.BuybackEnabled, LogbookEnabled: c.LogbookEnabled}
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.IntakeSessionTTLMinutes) * time.Minute
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}
