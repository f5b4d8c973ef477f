package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (store DSN, vector dimensions, provider selection) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SyncChanged is set when any batch-size or scheduler knob changed.
	SyncChanged bool
	NewSync     SyncConfig

	// PatternsDirChanged signals the narrative-pattern catalog must be
	// re-pointed and its cache invalidated.
	PatternsDirChanged bool
	NewPatternsDir     string
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Sync != new.Sync {
		d.SyncChanged = true
		d.NewSync = new.Sync
	}

	if old.Patterns.Dir != new.Patterns.Dir {
		d.PatternsDirChanged = true
		d.NewPatternsDir = new.Patterns.Dir
	}

	return d
}
