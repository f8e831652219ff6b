package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

var providerTypes = map[string]bool{"claude": true, "codex": true, "goose": true, "cli": true}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, name := range slices.Sorted(maps.Keys(c.Providers)) {
		p := c.Providers[name]
		switch {
		case !providerTypes[p.Type]:
			addf("provider %q: unknown type %q", name, p.Type)
		case p.Type == "cli" && p.Command == "":
			addf("provider %q: command is required for type cli", name)
		}
	}

	if len(c.Workers) == 0 {
		addf("at least one worker is required")
	}
	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			addf("workers[%d]: id is required", i)
			continue
		}
		if seen[w.ID] {
			addf("workers[%d]: duplicate id %q", i, w.ID)
		}
		seen[w.ID] = true
		if _, ok := c.Providers[w.Provider]; !ok {
			addf("worker %q: unknown provider %q", w.ID, w.Provider)
		}
	}

	s := c.Scheduler
	if s.MaxConcurrentTasks < 1 {
		addf("scheduler.max_concurrent_tasks must be at least 1")
	}
	if s.PollIntervalSeconds < 1 {
		addf("scheduler.poll_interval_seconds must be at least 1")
	}
	if s.HealthCheckSeconds < 1 {
		addf("scheduler.health_check_seconds must be at least 1")
	}
	if s.StuckTaskMinutes < 1 {
		addf("scheduler.stuck_task_minutes must be at least 1")
	}
	if s.SessionTimeoutMinutes < 0 {
		addf("scheduler.session_timeout_minutes must not be negative")
	}

	r := c.Retry
	if r.MaxAttempts < 1 {
		addf("retry.max_attempts must be at least 1")
	}
	if r.InitialSeconds < 0 || r.MaxSeconds < 0 {
		addf("retry intervals must not be negative")
	}
	if r.Multiplier < 1 {
		addf("retry.multiplier must be at least 1")
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor >= 1 {
		addf("retry.randomization_factor must be in [0, 1)")
	}

	m := c.Monitor
	if m.HistorySize < 1 || m.DegradationWindow < 1 {
		addf("monitor.history_size and monitor.degradation_window must be positive")
	}
	if !(0 < m.ThinkingMinutes && m.ThinkingMinutes < m.SlowMinutes && m.SlowMinutes < m.HungMinutes) {
		addf("monitor thresholds must satisfy 0 < thinking < slow < hung minutes")
	}
	if m.RepetitionThreshold <= 0 || m.RepetitionThreshold > 1 {
		addf("monitor.repetition_threshold must be in (0, 1]")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			addf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			addf("store.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		addf("store.driver: unknown driver %q", c.Store.Driver)
	}

	if c.Events.BufferSize < 1 {
		addf("events.buffer_size must be at least 1")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}
