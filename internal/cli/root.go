// Package cli implements the revregctl command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/revreg/pkg/revreg/config"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
)

var (
	configPath  string
	dbPath      string
	profileName string
)

// cmdContext holds the profile a command works on.
type cmdContext struct {
	Settings config.Settings
	Profile  *profile.Profile
}

// Close releases the profile's record store.
func (c *cmdContext) Close() {
	if c.Profile != nil && c.Profile.Store != nil {
		c.Profile.Store.Close()
	}
}

// initContext loads settings and opens the selected profile's store.
func initContext() *cmdContext {
	settings := config.DefaultSettings()
	if configPath != "" {
		s, err := config.LoadSettings(configPath)
		if err != nil {
			exitError("%v", err)
		}
		settings = s
	}

	st, err := openStore(settings, dbPath, profileName)
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	return &cmdContext{
		Settings: settings,
		Profile:  &profile.Profile{Name: profileName, Store: st},
	}
}

// openStore opens db as a SQLite file when given, otherwise the profile's
// store under the configured driver and directory.
func openStore(settings config.Settings, db, name string) (storage.Store, error) {
	if db != "" {
		return storage.NewSQLiteStore(db)
	}
	if settings.Storage.Driver == storage.DriverMemory {
		return nil, fmt.Errorf("storage driver %q keeps nothing to inspect", storage.DriverMemory)
	}
	return storage.Open(settings.Storage.Driver, settings.Storage.Dir, name)
}

var rootCmd = &cobra.Command{
	Use:   "revregctl",
	Short: "Inspect revocation registries and saga events",
	Long: `revregctl reads a profile's record store to show revocation registries
and the saga events recorded for them. It lists pending and failed steps
and removes old completed ones.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database to open instead of the configured store")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "default", "Profile to inspect")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(registriesCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns the last 12 characters of an id, where ledger ids differ.
func shortID(id string) string {
	if len(id) > 12 {
		return "…" + id[len(id)-12:]
	}
	return id
}
