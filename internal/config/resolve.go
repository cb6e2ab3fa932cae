package config

import (
	"strings"
	"time"
)

// Resolved views. Callers are expected to have run Validate; bad values
// fall back to the defaults below.

const (
	defaultHTTPAddr     = "127.0.0.1:8080"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultStalledAfter = 2 * time.Minute
)

func (h HTTPConfig) Address() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return defaultHTTPAddr
}

func (h HTTPConfig) Timeouts() (read, write, idle time.Duration) {
	return mustDuration(h.ReadTimeout, defaultReadTimeout),
		mustDuration(h.WriteTimeout, defaultWriteTimeout),
		mustDuration(h.IdleTimeout, defaultIdleTimeout)
}

// BusyTimeoutDuration is 0 when unset, leaving the driver default.
func (s StorageConfig) BusyTimeoutDuration() time.Duration {
	return mustDuration(s.BusyTimeout, 0)
}

// Delays returns the raw hold bounds; zero means the queue default.
func (n NotifierConfig) Delays() (min, max time.Duration) {
	return mustDuration(n.MinDelay, 0), mustDuration(n.MaxDelay, 0)
}

func (n NotifierConfig) IdlePollDuration() time.Duration {
	return mustDuration(n.IdlePoll, 0)
}

func (n NotifierConfig) StalledAfterDuration() time.Duration {
	return mustDuration(n.StalledAfter, defaultStalledAfter)
}
