package config

// DefaultConfig returns the default configuration with built-in providers
// and two workers on the claude provider.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {Type: "claude", Command: "claude"},
			"codex":  {Type: "codex", Command: "codex"},
			"goose":  {Type: "goose", Command: "goose"},
		},
		Workers: []WorkerConfig{
			{ID: "worker-1", Provider: "claude"},
			{ID: "worker-2", Provider: "claude"},
		},
		Models: ModelsConfig{
			Fast:     "haiku",
			Balanced: "sonnet",
			Powerful: "opus",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks:     2,
			PollIntervalSeconds:    2,
			HealthCheckSeconds:     30,
			StuckTaskMinutes:       120,
			SessionTimeoutMinutes:  60,
			ShutdownTimeoutSeconds: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:         3,
			InitialSeconds:      30,
			MaxSeconds:          600,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Monitor: MonitorConfig{
			HistorySize:         500,
			DegradationWindow:   100,
			ThinkingMinutes:     2,
			SlowMinutes:         10,
			HungMinutes:         20,
			RepetitionThreshold: 0.3,
			ApologyLimit:        5,
			RetryLimit:          3,
			ContradictionLimit:  2,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".beadwork/beadwork.db",
		},
		Worktrees: WorktreeConfig{
			Dir: ".worktrees",
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}
