// Package outcome classifies the free-text output of a coding-agent CLI.
// Workers have no structured protocol, so classification is heuristic and
// ordered from the most to the least specific signal.
package outcome

import (
	"regexp"
	"strconv"
	"strings"
)

// Outcome is the classified result of a worker session.
type Outcome string

const (
	Success       Outcome = "SUCCESS"
	LikelySuccess Outcome = "LIKELY_SUCCESS"
	Failed        Outcome = "FAILED"
	LikelyFailed  Outcome = "LIKELY_FAILED"
	NeedsDecision Outcome = "NEEDS_DECISION"
	Unknown       Outcome = "UNKNOWN"
)

// IsSuccess reports whether the task should be marked done.
func (o Outcome) IsSuccess() bool {
	return o == Success || o == LikelySuccess
}

// Result is the detector's verdict plus the signals that produced it.
type Result struct {
	Outcome          Outcome
	Confidence       float64
	Reason           string
	DecisionQuestion string

	HasCompletionSignal bool
	HasSuccessMarker    bool
	HasFailureMarker    bool
	HasDecisionMarker   bool
	TestsPassed         bool
	TestsFailed         bool
}

// DefaultCompletionSignal is the sentinel a worker prints to declare success.
const DefaultCompletionSignal = "<promise>COMPLETE</promise>"

// Config lists the marker phrases the detector looks for.
type Config struct {
	CompletionSignal string
	SuccessMarkers   []string
	FailureMarkers   []string
	DecisionMarkers  []string
}

// DefaultConfig returns the built-in marker sets.
func DefaultConfig() Config {
	return Config{
		CompletionSignal: DefaultCompletionSignal,
		SuccessMarkers: []string{
			"TASK_COMPLETE",
			"<promise>DONE</promise>",
			"All tasks completed",
			"Successfully completed",
			"Implementation complete",
		},
		FailureMarkers: []string{
			"FAILED",
			"TASK_FAILED",
			"<promise>FAILED</promise>",
			"Fatal error",
			"Unable to complete",
		},
		DecisionMarkers: []string{
			"NEEDS_DECISION",
			"<decision>",
			"Decision needed",
			"BLOCKED:",
			"Need human input",
			"Waiting for input",
		},
	}
}

var (
	questionTemplates = []*regexp.Regexp{
		regexp.MustCompile(`(?i)decision needed:\s*(.+)`),
		regexp.MustCompile(`BLOCKED:\s*(.+)`),
		regexp.MustCompile(`(?s)<decision>\s*(.+?)\s*</decision>`),
		regexp.MustCompile(`(?i)\b(should I .+\?)`),
	}
	trivialQuestion = regexp.MustCompile(`(?i)^\W*\d+\s+tests?\?`)

	testsFailedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b([1-9]\d*)\s+(?:tests?\s+)?failed\b`),
		regexp.MustCompile(`(?i)\bfailures?:\s*([1-9]\d*)`),
		regexp.MustCompile(`(?m)^--- FAIL:`),
		regexp.MustCompile(`(?m)^FAIL\s`),
	}
	testsPassedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b([1-9]\d*)\s+(?:tests?\s+)?passed\b`),
		regexp.MustCompile(`(?i)\ball tests pass(?:ed)?\b`),
		regexp.MustCompile(`(?m)^ok\s+\S+`),
		regexp.MustCompile(`(?m)^PASS$`),
	}
)

// Detector holds compiled matchers for one Config. Safe for concurrent use.
type Detector struct {
	completion string
	success    []matcher
	failure    []matcher
	decision   []matcher
}

// New compiles cfg. An empty completion signal falls back to the default.
func New(cfg Config) *Detector {
	if cfg.CompletionSignal == "" {
		cfg.CompletionSignal = DefaultCompletionSignal
	}
	return &Detector{
		completion: cfg.CompletionSignal,
		success:    compile(cfg.SuccessMarkers),
		failure:    compile(cfg.FailureMarkers),
		decision:   compile(cfg.DecisionMarkers),
	}
}

var defaultDetector = New(DefaultConfig())

// Detect classifies output with the default marker sets.
func Detect(output string, exitCode *int) Result {
	return defaultDetector.Detect(output, exitCode)
}

// Detect classifies output. A nil exitCode means the exit status is unknown.
func (d *Detector) Detect(output string, exitCode *int) Result {
	r := Result{
		HasCompletionSignal: strings.Contains(output, d.completion),
		HasSuccessMarker:    anyMatch(d.success, output),
		HasFailureMarker:    anyMatch(d.failure, output),
		HasDecisionMarker:   anyMatch(d.decision, output),
		TestsFailed:         anyRegexp(testsFailedPatterns, output),
	}
	r.TestsPassed = anyRegexp(testsPassedPatterns, output)
	exitZero := exitCode != nil && *exitCode == 0

	switch {
	case r.HasDecisionMarker:
		r.Outcome, r.Confidence = NeedsDecision, 0.9
		r.DecisionQuestion = extractQuestion(output)
		r.Reason = "decision marker found"

	case r.HasFailureMarker || r.TestsFailed:
		r.Outcome = Failed
		if r.HasFailureMarker {
			r.Confidence, r.Reason = 0.95, "failure marker found"
		} else {
			r.Confidence, r.Reason = 0.85, "test failures detected"
		}

	case r.HasCompletionSignal:
		r.Outcome, r.Confidence, r.Reason = Success, 0.95, "completion signal found"

	case r.HasSuccessMarker && exitZero:
		r.Outcome, r.Confidence, r.Reason = Success, 0.9, "success marker with exit code 0"

	case r.TestsPassed:
		if exitZero {
			r.Outcome, r.Confidence, r.Reason = Success, 0.85, "tests passed with exit code 0"
		} else {
			r.Outcome, r.Confidence, r.Reason = LikelySuccess, 0.7, "tests passed"
		}

	case exitCode != nil:
		r.Confidence = 0.6
		if exitZero {
			r.Outcome, r.Reason = LikelySuccess, "exit code 0, no markers"
		} else {
			r.Outcome, r.Reason = LikelyFailed, "exit code "+strconv.Itoa(*exitCode)+", no markers"
		}

	default:
		r.Outcome, r.Confidence, r.Reason = Unknown, 0, "no signal"
	}
	return r
}

// extractQuestion pulls the question out of a decision request. It tries the
// known templates first, then the last question-like line near the end.
func extractQuestion(output string) string {
	for _, re := range questionTemplates {
		if m := re.FindStringSubmatch(output); m != nil {
			if q := firstLine(m[1]); q != "" {
				return q
			}
		}
	}

	lines := strings.Split(output, "\n")
	start := max(0, len(lines)-20)
	for i := len(lines) - 1; i >= start; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.Contains(line, "?") || trivialQuestion.MatchString(line) {
			continue
		}
		return line
	}
	return ""
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	return strings.TrimSpace(s)
}

// matcher applies the case rule: markers that are all uppercase or wrapped
// in <...> must match exactly, everything else ignores case. Uppercase
// single-word markers must also stand alone as a word and not be a zero
// count such as "0 FAILED".
type matcher struct {
	text      string
	sensitive bool
	word      *regexp.Regexp
}

var (
	bareWord  = regexp.MustCompile(`^\w+$`)
	zeroCount = regexp.MustCompile(`(?:^|[^\d.])0\s+(?:tests?\s+)?$`)
)

func compile(markers []string) []matcher {
	out := make([]matcher, 0, len(markers))
	for _, m := range markers {
		if m == "" {
			continue
		}
		if caseSensitive(m) {
			mt := matcher{text: m, sensitive: true}
			if bareWord.MatchString(m) {
				mt.word = regexp.MustCompile(`\b` + regexp.QuoteMeta(m) + `\b`)
			}
			out = append(out, mt)
		} else {
			out = append(out, matcher{text: strings.ToLower(m)})
		}
	}
	return out
}

func caseSensitive(marker string) bool {
	if strings.HasPrefix(marker, "<") && strings.HasSuffix(marker, ">") {
		return true
	}
	return marker == strings.ToUpper(marker) && marker != strings.ToLower(marker)
}

func anyMatch(ms []matcher, output string) bool {
	var lower string
	for _, m := range ms {
		if m.word != nil {
			if wordMatch(m.word, output) {
				return true
			}
			continue
		}
		if m.sensitive {
			if strings.Contains(output, m.text) {
				return true
			}
			continue
		}
		if lower == "" {
			lower = strings.ToLower(output)
		}
		if strings.Contains(lower, m.text) {
			return true
		}
	}
	return false
}

func wordMatch(re *regexp.Regexp, output string) bool {
	for _, loc := range re.FindAllStringIndex(output, -1) {
		if !zeroCount.MatchString(output[max(0, loc[0]-32):loc[0]]) {
			return true
		}
	}
	return false
}

func anyRegexp(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
