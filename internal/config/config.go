package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/muenzbox/muenzbox/adapters/control"
	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/usecase"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// StoreConfig selects and locates the persistent store.
type StoreConfig struct {
	Driver        string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

// AuthConfig holds token and PIN settings.
type AuthConfig struct {
	Secret   string
	AdminPIN string
	ChildTTL time.Duration
	AdminTTL time.Duration
}

// ScheduleConfig holds the cron specs of the background jobs.
type ScheduleConfig struct {
	Refill string
	Expiry string
}

// Config is the full process configuration.
type Config struct {
	Env           string
	Port          string
	Store         StoreConfig
	Auth          AuthConfig
	Location      *time.Location
	HolidayRegion string
	Schedule      ScheduleConfig
	Control       control.Config
	Routes        map[entities.Category]usecase.DeviceRoute
}

// Development reports whether MUENZBOX_ENV selects development mode.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return NewConfigFromEnv()
}

// NewConfigFromEnv creates a Config from environment variables
func NewConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Env:  getenv("MUENZBOX_ENV", "production"),
		Port: getenv("PORT", "8080"),
		Store: StoreConfig{
			Driver:        strings.ToLower(getenv("STORE_DRIVER", DriverSQLite)),
			SQLitePath:    getenv("DATABASE_PATH", "data/muenzbox.db"),
			MongoURI:      os.Getenv("MONGODB_URI"),
			MongoDatabase: getenv("MONGODB_DATABASE", "muenzbox"),
		},
		Auth: AuthConfig{
			Secret:   getenv("SECRET_KEY", "changeme-in-production"),
			AdminPIN: getenv("ADMIN_PIN", "1234"),
			ChildTTL: 8 * time.Hour,
			AdminTTL: time.Hour,
		},
		HolidayRegion: strings.ToUpper(getenv("HOLIDAY_REGION", "DE")),
		Schedule: ScheduleConfig{
			Refill: getenv("REFILL_SCHEDULE", "0 0 * * 6"),
			Expiry: getenv("EXPIRY_SCHEDULE", "* * * * *"),
		},
		Control: control.Config{
			Timeout: control.DefaultTimeout,
			FritzBox: entities.ConnectionConfig{
				Host:           getenv("FRITZBOX_HOST", "fritz.box"),
				User:           os.Getenv("FRITZBOX_USER"),
				Password:       os.Getenv("FRITZBOX_PASS"),
				AllowedProfile: getenv("FRITZBOX_ALLOWED_PROFILE", "Standard"),
				BlockedProfile: getenv("FRITZBOX_BLOCKED_PROFILE", "Gesperrt"),
			},
			MikroTik: entities.ConnectionConfig{
				Host:     os.Getenv("MIKROTIK_HOST"),
				User:     getenv("MIKROTIK_USER", os.Getenv("MIKROTIK_USERNAME")),
				Password: os.Getenv("MIKROTIK_PASS"),
			},
			Nintendo: entities.ConnectionConfig{
				Token: os.Getenv("NINTENDO_TOKEN"),
			},
			NintendoOptions: control.NintendoOptions{
				ClientID: os.Getenv("NINTENDO_CLIENT_ID"),
				Timezone: os.Getenv("NINTENDO_TIMEZONE"),
				Language: os.Getenv("NINTENDO_LANGUAGE"),
			},
		},
	}

	var err error
	if cfg.Control.Mock, err = getbool("USE_MOCK_ADAPTERS", false); err != nil {
		return nil, err
	}
	if cfg.Control.Timeout, err = getduration("HARDWARE_TIMEOUT", control.DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.Auth.ChildTTL, err = getduration("CHILD_TOKEN_TTL", cfg.Auth.ChildTTL); err != nil {
		return nil, err
	}
	if cfg.Auth.AdminTTL, err = getduration("ADMIN_TOKEN_TTL", cfg.Auth.AdminTTL); err != nil {
		return nil, err
	}

	tz := getenv("TIMEZONE", "Europe/Berlin")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}

	switch cfg.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverMongo:
		if cfg.Store.MongoURI == "" {
			return nil, errors.New("MONGODB_URI is required for the mongo store")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}

	// The console is driven by the cloud account unless configured
	// otherwise; the television needs a stored device.
	consoleDefault := entities.ControlNone
	if cfg.Control.Nintendo.Token != "" {
		consoleDefault = entities.ControlNintendo
	}
	cfg.Routes = make(map[entities.Category]usecase.DeviceRoute)
	if cfg.Routes[entities.CategoryTV], err = route("TV", entities.ControlNone); err != nil {
		return nil, err
	}
	if cfg.Routes[entities.CategoryConsole], err = route("CONSOLE", consoleDefault); err != nil {
		return nil, err
	}

	return cfg, nil
}

func route(prefix string, fallback entities.ControlMethod) (usecase.DeviceRoute, error) {
	method := fallback
	if v := os.Getenv(prefix + "_CONTROL_METHOD"); v != "" {
		m, err := entities.ParseControlMethod(strings.ToLower(v))
		if err != nil {
			return usecase.DeviceRoute{}, fmt.Errorf("invalid %s_CONTROL_METHOD: %w", prefix, err)
		}
		method = m
	}
	return usecase.DeviceRoute{Method: method, Identifier: os.Getenv(prefix + "_DEVICE")}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}
