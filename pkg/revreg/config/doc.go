/*
Package config loads revreg configuration.

# Documents

A configuration document is YAML, JSON or TOML. Config wraps the decoded
document and reads values by dotted key with a default:

	cfg, err := config.FromFile("revreg.toml")
	if err != nil {
	    log.Fatal(err)
	}
	attempts := cfg.Int("saga.max_attempts", 5)
	timeout := cfg.Duration("recovery.timeout", 30*time.Second)

Durations are strings ("30s", "1m30s") or a number of seconds. Integers may
arrive as int (YAML), int64 (TOML) or float64 (JSON); all three convert.

# Settings

Settings is the typed view used to build a service. SettingsFrom fills every
key the document leaves out from DefaultSettings:

	[saga]
	max_attempts = 3
	backoff_base = "500ms"

	[recovery]
	enabled = false
*/
package config
