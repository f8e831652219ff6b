// Package monitor tracks liveness and output quality of running worker
// sessions. It only observes; acting on a recommendation is left to the
// operator.
package monitor

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Liveness classifies how long a session has been silent.
type Liveness string

const (
	Active     Liveness = "ACTIVE"
	Thinking   Liveness = "THINKING"
	Slow       Liveness = "SLOW"
	LikelyHung Liveness = "LIKELY_HUNG"
)

// Config tunes the thresholds. Zero values are replaced by defaults.
type Config struct {
	HistorySize       int
	DegradationWindow int

	ThinkingAfter time.Duration
	SlowAfter     time.Duration
	HungAfter     time.Duration

	RepetitionThreshold float64
	ApologyLimit        int
	RetryLimit          int
	ContradictionLimit  int

	Now func() time.Time
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		HistorySize:         500,
		DegradationWindow:   100,
		ThinkingAfter:       2 * time.Minute,
		SlowAfter:           10 * time.Minute,
		HungAfter:           20 * time.Minute,
		RepetitionThreshold: 0.3,
		ApologyLimit:        5,
		RetryLimit:          3,
		ContradictionLimit:  2,
		Now:                 time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.DegradationWindow <= 0 {
		c.DegradationWindow = d.DegradationWindow
	}
	if c.ThinkingAfter <= 0 {
		c.ThinkingAfter = d.ThinkingAfter
	}
	if c.SlowAfter <= 0 {
		c.SlowAfter = d.SlowAfter
	}
	if c.HungAfter <= 0 {
		c.HungAfter = d.HungAfter
	}
	if c.RepetitionThreshold <= 0 {
		c.RepetitionThreshold = d.RepetitionThreshold
	}
	if c.ApologyLimit <= 0 {
		c.ApologyLimit = d.ApologyLimit
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
	if c.ContradictionLimit <= 0 {
		c.ContradictionLimit = d.ContradictionLimit
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

var (
	apologyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bI apologi[sz]e\b`),
		regexp.MustCompile(`(?i)\b(?:I'm|I am) sorry\b`),
		regexp.MustCompile(`(?i)\bmy (?:apologies|mistake)\b`),
		regexp.MustCompile(`(?i)\bsorry (?:about|for) (?:that|the confusion)\b`),
	}
	retryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\blet me try again\b`),
		regexp.MustCompile(`(?i)\blet me try (?:a different|another) approach\b`),
		regexp.MustCompile(`(?i)\btrying again\b`),
		regexp.MustCompile(`(?i)\blet me retry\b`),
		regexp.MustCompile(`(?i)\bone more attempt\b`),
	}
	contradictionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bactually,? (?:that's|that is) (?:wrong|incorrect|not right)\b`),
		regexp.MustCompile(`(?i)\bI was wrong\b`),
		regexp.MustCompile(`(?i)\bthat contradicts\b`),
		regexp.MustCompile(`(?i)\bignore (?:my|the) previous\b`),
		regexp.MustCompile(`(?i)\bviolat(?:es|ing) the constraint\b`),
	}
)

// Degradation summarizes quality signals over the recent window.
type Degradation struct {
	Degraded           bool
	RepetitionScore    float64
	ApologyCount       int
	RetryCount         int
	ContradictionCount int
	Reasons            []string
}

// Monitor is the state of one running session. Safe for concurrent use.
type Monitor struct {
	WorkerID string

	cfg Config

	mu         sync.Mutex
	taskID     string
	startedAt  time.Time
	lastOutput time.Time
	history    []string // ring buffer of cfg.HistorySize lines
	head       int      // next write position
	count      int
	total      int
}

// New creates a monitor for a session that starts now.
func New(workerID, taskID string, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	now := cfg.Now()
	return &Monitor{
		WorkerID:   workerID,
		cfg:        cfg,
		taskID:     taskID,
		startedAt:  now,
		lastOutput: now,
		history:    make([]string, cfg.HistorySize),
	}
}

// TaskID returns the task the monitor is currently tracking.
func (m *Monitor) TaskID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskID
}

// RecordOutput refreshes the heartbeat and appends line to the history.
func (m *Monitor) RecordOutput(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastOutput = m.cfg.Now()
	m.history[m.head] = line
	m.head = (m.head + 1) % len(m.history)
	if m.count < len(m.history) {
		m.count++
	}
	m.total++
}

// Reset clears all state for a new task on the same worker.
func (m *Monitor) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	m.taskID = taskID
	m.startedAt = now
	m.lastOutput = now
	clear(m.history)
	m.head, m.count, m.total = 0, 0, 0
}

// CheckLiveness classifies the time since the last output line.
func (m *Monitor) CheckLiveness() Liveness {
	m.mu.Lock()
	idle := m.cfg.Now().Sub(m.lastOutput)
	m.mu.Unlock()

	switch {
	case idle < m.cfg.ThinkingAfter:
		return Active
	case idle < m.cfg.SlowAfter:
		return Thinking
	case idle < m.cfg.HungAfter:
		return Slow
	default:
		return LikelyHung
	}
}

// CheckDegradation scans the most recent lines for quality decay.
func (m *Monitor) CheckDegradation() Degradation {
	lines := m.recent(m.cfg.DegradationWindow)

	var d Degradation
	for _, line := range lines {
		d.ApologyCount += countMatches(apologyPatterns, line)
		d.RetryCount += countMatches(retryPatterns, line)
		d.ContradictionCount += countMatches(contradictionPatterns, line)
	}
	d.RepetitionScore = repetitionScore(lines)

	if d.RepetitionScore >= m.cfg.RepetitionThreshold {
		d.Reasons = append(d.Reasons, "repetitive output")
	}
	if d.ApologyCount >= m.cfg.ApologyLimit {
		d.Reasons = append(d.Reasons, "excessive apologies")
	}
	if d.RetryCount >= m.cfg.RetryLimit {
		d.Reasons = append(d.Reasons, "repeated retries")
	}
	if d.ContradictionCount >= m.cfg.ContradictionLimit {
		d.Reasons = append(d.Reasons, "self-contradiction")
	}
	d.Degraded = len(d.Reasons) > 0
	return d
}

// Snapshot is a point-in-time copy of the monitor for display.
type Snapshot struct {
	WorkerID   string
	TaskID     string
	StartedAt  time.Time
	LastOutput time.Time
	Lines      int
	Liveness   Liveness
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	live := m.CheckLiveness()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		WorkerID:   m.WorkerID,
		TaskID:     m.taskID,
		StartedAt:  m.startedAt,
		LastOutput: m.lastOutput,
		Lines:      m.total,
		Liveness:   live,
	}
}

// Tail returns up to n of the most recent lines, oldest first.
func (m *Monitor) Tail(n int) []string {
	return m.recent(n)
}

func (m *Monitor) recent(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	n = min(n, m.count)
	out := make([]string, n)
	start := m.head - n
	if start < 0 {
		start += len(m.history)
	}
	for i := range n {
		out[i] = m.history[(start+i)%len(m.history)]
	}
	return out
}

func countMatches(res []*regexp.Regexp, line string) int {
	n := 0
	for _, re := range res {
		n += len(re.FindAllStringIndex(line, -1))
	}
	return n
}

// repetitionScore weighs duplicated lines at 0.6 and trigrams seen more
// than twice at 0.4. Blank lines are ignored.
func repetitionScore(lines []string) float64 {
	var nonEmpty []string
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	if len(nonEmpty) < 2 {
		return 0
	}

	distinct := make(map[string]struct{}, len(nonEmpty))
	trigrams := make(map[string]int)
	for _, l := range nonEmpty {
		distinct[l] = struct{}{}
		words := strings.Fields(strings.ToLower(l))
		for i := 0; i+3 <= len(words); i++ {
			trigrams[strings.Join(words[i:i+3], " ")]++
		}
	}

	lineScore := 1 - float64(len(distinct))/float64(len(nonEmpty))

	var trigramScore float64
	if len(trigrams) > 0 {
		repeated := 0
		for _, c := range trigrams {
			if c > 2 {
				repeated++
			}
		}
		trigramScore = float64(repeated) / float64(len(trigrams))
	}

	return 0.6*lineScore + 0.4*trigramScore
}
