// Package config holds typed runtime configuration for the executive,
// following the NewDefault-plus-env-override shape used throughout the
// retrieval corpus's client configuration packages.
package config

import (
	"os"
	"strconv"
	"time"
)

// Profile selects the fixed-size resource limits applied to the mailbox
// manager and value/command registry (§4.3, §4.4).
type Profile string

const (
	// ProfileDesktop caps descriptors/handles/registry entries generously.
	ProfileDesktop Profile = "desktop"
	// ProfileEmbedded applies the tighter embedded caps.
	ProfileEmbedded Profile = "embedded"
)

// Config is the full set of knobs for one hsxd process.
type Config struct {
	// ListenAddr is the control-plane TCP listen address.
	ListenAddr string

	// Profile selects mailbox/registry sizing.
	Profile Profile

	// MemorySize is a MiniVM linear memory size in bytes (default 64 KiB).
	// The executive does not read it: every task gets a fixed 128 KiB
	// arena.
	MemorySize int

	// HeartbeatDefault, HeartbeatMin, HeartbeatMax bound session keepalive
	// intervals negotiated at session.open.
	HeartbeatDefault time.Duration
	HeartbeatMin     time.Duration
	HeartbeatMax     time.Duration

	// EventRingDefault, EventRingMax bound a subscription's bounded queue.
	EventRingDefault int
	EventRingMax     int

	// EventRetention is how long an event stays replayable after delivery.
	EventRetention time.Duration

	// MaxSessions, MaxBreakpointsPerPID, MaxWatchesPerPID hold §5's
	// resource limits. Only MaxSessions is passed on (to the session
	// registry); the executive enforces its own fixed breakpoint and
	// watch limits of the same values.
	MaxSessions          int
	MaxBreakpointsPerPID int
	MaxWatchesPerPID     int

	// FRAMPath is the optional persisted value store file; empty disables
	// persistence.
	FRAMPath string

	// SymbolMaxBytes, MetadataMaxBytes, StringPoolMaxBytes record the
	// loader's size caps (§4.1). The loader and symbol adapter use their
	// own constants and do not read these fields.
	SymbolMaxBytes     int64
	MetadataMaxBytes   int
	StringPoolMaxBytes int
}

// NewDefault returns the baseline configuration. Every field except
// SymbolMaxBytes, MetadataMaxBytes and StringPoolMaxBytes is
// overridable by an HSX_* environment variable.
func NewDefault() *Config {
	return &Config{
		ListenAddr:           getEnvOrDefault("HSX_LISTEN_ADDR", "127.0.0.1:7777"),
		Profile:              Profile(getEnvOrDefault("HSX_PROFILE", string(ProfileDesktop))),
		MemorySize:           getEnvIntOrDefault("HSX_MEMORY_SIZE", 64*1024),
		HeartbeatDefault:     getEnvDurationOrDefault("HSX_HEARTBEAT_DEFAULT", 10*time.Second),
		HeartbeatMin:         getEnvDurationOrDefault("HSX_HEARTBEAT_MIN", 2*time.Second),
		HeartbeatMax:         getEnvDurationOrDefault("HSX_HEARTBEAT_MAX", 5*time.Minute),
		EventRingDefault:     getEnvIntOrDefault("HSX_EVENT_RING_DEFAULT", 512),
		EventRingMax:         getEnvIntOrDefault("HSX_EVENT_RING_MAX", 8192),
		EventRetention:       getEnvDurationOrDefault("HSX_EVENT_RETENTION", 5*time.Second),
		MaxSessions:          getEnvIntOrDefault("HSX_MAX_SESSIONS", 20),
		MaxBreakpointsPerPID: getEnvIntOrDefault("HSX_MAX_BREAKPOINTS", 100),
		MaxWatchesPerPID:     getEnvIntOrDefault("HSX_MAX_WATCHES", 50),
		FRAMPath:             os.Getenv("HSX_FRAM_PATH"),
		SymbolMaxBytes:       10 * 1024 * 1024,
		MetadataMaxBytes:     256 * 1024,
		StringPoolMaxBytes:   64 * 1024,
	}
}

// MailboxLimits returns the (max descriptors, max handles per PID) pair
// for the configured profile (§4.3).
func (c *Config) MailboxLimits() (maxDescriptors, maxHandlesPerPID int) {
	if c.Profile == ProfileEmbedded {
		return 16, 8
	}
	return 256, 64
}

// RegistryLimits returns the (max values, max commands, max string pool
// bytes) triple for the configured profile (§4.4).
func (c *Config) RegistryLimits() (maxValues, maxCommands, maxStringPool int) {
	if c.Profile == ProfileEmbedded {
		return 64, 16, 2 * 1024
	}
	return 256, 128, 16 * 1024
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
