package config

import (
	"os"
	"path/filepath"
	"time"
)

// Settings is the typed view of a revreg configuration document.
type Settings struct {
	// Profiles are opened, and recovered, when the service starts.
	Profiles []string

	Bus        BusSettings
	Storage    StorageSettings
	Tails      TailsSettings
	Registry   RegistrySettings
	Saga       SagaSettings
	Issuance   IssuanceSettings
	Revocation RevocationSettings
	Recovery   RecoverySettings
}

// BusSettings configures the event bus.
type BusSettings struct {
	MaxConcurrentTasks int
	ShutdownTimeout    time.Duration
}

// StorageSettings selects how profile record stores are opened.
type StorageSettings struct {
	// Driver is one of "memory", "sqlite" or "bolt".
	Driver string
	// Dir holds one database file per profile.
	Dir string
}

// TailsSettings configures the tails client.
type TailsSettings struct {
	BaseURL           string
	Dir               string
	UploadMaxAttempts int
	UploadInterval    time.Duration
	UploadMaxInterval time.Duration
}

// RegistrySettings holds registry creation defaults.
type RegistrySettings struct {
	Type       string
	MaxCredNum int
}

// SagaSettings bounds and times saga step retries.
type SagaSettings struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	ExpiryBase  time.Duration
}

// IssuanceSettings bounds the issuer's allocate-then-create loop.
type IssuanceSettings struct {
	MaxAttempts int
	RetryPause  time.Duration
}

// RevocationSettings bounds optimistic revocation attempts.
type RevocationSettings struct {
	MaxConflictRetries int
}

// RecoverySettings configures the recovery middleware.
type RecoverySettings struct {
	Enabled     bool
	Timeout     time.Duration
	HealthPaths []string
}

// DefaultHealthPaths are the paths the recovery middleware never acts on.
var DefaultHealthPaths = []string{"/status/live", "/status/ready", "/status"}

// DefaultSettings returns the settings used for every key a document leaves
// out.
func DefaultSettings() Settings {
	return Settings{
		Profiles: []string{"default"},
		Bus: BusSettings{
			MaxConcurrentTasks: 50,
			ShutdownTimeout:    5 * time.Second,
		},
		Storage: StorageSettings{
			Driver: "sqlite",
			Dir:    "data",
		},
		Tails: TailsSettings{
			Dir:               filepath.Join(os.TempDir(), "revreg", "tails"),
			UploadMaxAttempts: 5,
			UploadInterval:    time.Second,
			UploadMaxInterval: 10 * time.Second,
		},
		Registry: RegistrySettings{
			Type:       "CL_ACCUM",
			MaxCredNum: 1000,
		},
		Saga: SagaSettings{
			MaxAttempts: 5,
			BackoffBase: 2 * time.Second,
			BackoffMax:  60 * time.Second,
			ExpiryBase:  60 * time.Second,
		},
		Issuance: IssuanceSettings{
			MaxAttempts: 5,
			RetryPause:  2 * time.Second,
		},
		Revocation: RevocationSettings{
			MaxConflictRetries: 5,
		},
		Recovery: RecoverySettings{
			Enabled:     true,
			Timeout:     30 * time.Second,
			HealthPaths: append([]string(nil), DefaultHealthPaths...),
		},
	}
}

// SettingsFrom reads Settings out of c, falling back to DefaultSettings.
func SettingsFrom(c Config) Settings {
	d := DefaultSettings()
	return Settings{
		Profiles: c.StringSlice("profiles", d.Profiles),
		Bus: BusSettings{
			MaxConcurrentTasks: c.Int("bus.max_concurrent_tasks", d.Bus.MaxConcurrentTasks),
			ShutdownTimeout:    c.Duration("bus.shutdown_timeout", d.Bus.ShutdownTimeout),
		},
		Storage: StorageSettings{
			Driver: c.String("storage.driver", d.Storage.Driver),
			Dir:    c.String("storage.dir", d.Storage.Dir),
		},
		Tails: TailsSettings{
			BaseURL:           c.String("tails.base_url", d.Tails.BaseURL),
			Dir:               c.String("tails.dir", d.Tails.Dir),
			UploadMaxAttempts: c.Int("tails.upload_max_attempts", d.Tails.UploadMaxAttempts),
			UploadInterval:    c.Duration("tails.upload_interval", d.Tails.UploadInterval),
			UploadMaxInterval: c.Duration("tails.upload_max_interval", d.Tails.UploadMaxInterval),
		},
		Registry: RegistrySettings{
			Type:       c.String("registry.type", d.Registry.Type),
			MaxCredNum: c.Int("registry.max_cred_num", d.Registry.MaxCredNum),
		},
		Saga: SagaSettings{
			MaxAttempts: c.Int("saga.max_attempts", d.Saga.MaxAttempts),
			BackoffBase: c.Duration("saga.backoff_base", d.Saga.BackoffBase),
			BackoffMax:  c.Duration("saga.backoff_max", d.Saga.BackoffMax),
			ExpiryBase:  c.Duration("saga.expiry_base", d.Saga.ExpiryBase),
		},
		Issuance: IssuanceSettings{
			MaxAttempts: c.Int("issuance.max_attempts", d.Issuance.MaxAttempts),
			RetryPause:  c.Duration("issuance.retry_pause", d.Issuance.RetryPause),
		},
		Revocation: RevocationSettings{
			MaxConflictRetries: c.Int("revocation.max_conflict_retries", d.Revocation.MaxConflictRetries),
		},
		Recovery: RecoverySettings{
			Enabled:     c.Bool("recovery.enabled", d.Recovery.Enabled),
			Timeout:     c.Duration("recovery.timeout", d.Recovery.Timeout),
			HealthPaths: c.StringSlice("recovery.health_paths", d.Recovery.HealthPaths),
		},
	}
}

// LoadSettings reads Settings from a YAML, JSON or TOML file.
func LoadSettings(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return SettingsFrom(c), nil
}
