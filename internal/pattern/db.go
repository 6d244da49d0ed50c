// Package pattern learns from errors across sessions. Error messages are
// normalized into stable signatures, counted, decayed over time, and fed
// back into prompts so later sessions avoid known failure modes.
package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/storage"
)

// DefaultDecayFactor is the geometric daily decay applied to relevance.
const DefaultDecayFactor = 0.9

// initialRelevance is the relevance of a freshly learned pattern: it
// just happened, so it must clear the prompter's injection floor.
const initialRelevance = 1.0

// relevanceBoost is added on each successful resolution, capped at 1.0.
const relevanceBoost = 0.1

// StateFileName is the pattern store inside the intelligence directory.
const StateFileName = "patterns.json"

// ErrorPattern is one learned failure mode.
type ErrorPattern struct {
	PatternID       string    `json:"pattern_id"`
	ErrorType       string    `json:"error_type"`
	Signature       string    `json:"signature"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int       `json:"occurrence_count"`
	ResolutionCount int       `json:"resolution_count"`
	SuccessRate     float64   `json:"success_rate"`
	SuccessfulFixes []string  `json:"successful_fixes,omitempty"`
	FailedFixes     []string  `json:"failed_fixes,omitempty"`
	FilePatterns    []string  `json:"file_patterns,omitempty"`
	RelevanceScore  float64   `json:"relevance_score"`
}

// Stats is a read-only summary of the store.
type Stats struct {
	TotalPatterns    int     `json:"total_patterns"`
	TotalOccurrences int     `json:"total_occurrences"`
	TotalResolutions int     `json:"total_resolutions"`
	AvgSuccessRate   float64 `json:"avg_success_rate"`
}

// DB is the persistent pattern store. It is safe for concurrent use.
type DB struct {
	mu       sync.Mutex
	path     string
	decay    float64
	now      func() time.Time
	patterns map[string]*ErrorPattern
}

// Open loads the pattern store at path, creating empty state if the file
// does not exist. decayFactor <= 0 selects DefaultDecayFactor.
func Open(path string, decayFactor float64) (*DB, error) {
	if decayFactor <= 0 {
		decayFactor = DefaultDecayFactor
	}

	patterns := make(map[string]*ErrorPattern)
	if err := storage.LoadJSON(path, &patterns); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading pattern store")
	}

	return &DB{
		path:     path,
		decay:    decayFactor,
		now:      time.Now,
		patterns: patterns,
	}, nil
}

// SetClock overrides the time source. This is primarily useful for testing.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// RecordError records an occurrence of an error. Recurrences of the same
// normalized signature update the existing pattern and refresh its
// last-seen time, which halts further decay. Returns the pattern ID.
func (db *DB) RecordError(errorType, message, file string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	sig := Normalize(message)
	id := patternID(errorType, sig)
	now := db.now().UTC()

	p, ok := db.patterns[id]
	if !ok {
		p = &ErrorPattern{
			PatternID:      id,
			ErrorType:      errorType,
			Signature:      sig,
			FirstSeen:      now,
			RelevanceScore: initialRelevance,
		}
		db.patterns[id] = p
	} else {
		// Materialize pending decay before LastSeen moves forward, so
		// the recurrence stops the clock without restoring relevance.
		p.RelevanceScore = db.decayed(p, now)
	}

	p.LastSeen = now
	p.OccurrenceCount++
	if file != "" && !containsString(p.FilePatterns, file) {
		p.FilePatterns = append(p.FilePatterns, file)
	}
	p.SuccessRate = successRate(p)

	return id, db.save()
}

// RecordResolution records a fix attempt against a pattern.
func (db *DB) RecordResolution(id, fix string, success bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	p, ok := db.patterns[id]
	if !ok {
		return errors.NewNotFoundError("pattern", id)
	}

	if success {
		p.ResolutionCount++
		if fix != "" && !containsString(p.SuccessfulFixes, fix) {
			p.SuccessfulFixes = append(p.SuccessfulFixes, fix)
		}
		// A proven fix makes the pattern more worth injecting.
		p.RelevanceScore = math.Min(1.0, p.RelevanceScore+relevanceBoost)
	} else if fix != "" && !containsString(p.FailedFixes, fix) {
		p.FailedFixes = append(p.FailedFixes, fix)
	}
	p.SuccessRate = successRate(p)

	return db.save()
}

// Pattern returns a copy of the pattern with the given ID, with its
// relevance decayed to the present.
func (db *DB) Pattern(id string) (*ErrorPattern, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	p, ok := db.patterns[id]
	if !ok {
		return nil, errors.NewNotFoundError("pattern", id)
	}
	copied := *p
	copied.RelevanceScore = db.decayed(p, db.now().UTC())
	return &copied, nil
}

// Relevant returns up to max patterns with decayed relevance of at least
// minRelevance, optionally filtered by error type, ranked by
// relevance * (1 + success rate) so proven fixes rank above raw recency.
func (db *DB) Relevant(max int, minRelevance float64, types ...string) []*ErrorPattern {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := db.now().UTC()
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	var out []*ErrorPattern
	for _, p := range db.patterns {
		if len(typeSet) > 0 && !typeSet[p.ErrorType] {
			continue
		}
		relevance := db.decayed(p, now)
		if relevance < minRelevance {
			continue
		}
		copied := *p
		copied.RelevanceScore = relevance
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool {
		ri := out[i].RelevanceScore * (1 + out[i].SuccessRate)
		rj := out[j].RelevanceScore * (1 + out[j].SuccessRate)
		if ri != rj {
			return ri > rj
		}
		return out[i].PatternID < out[j].PatternID
	})

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Stats summarizes the store.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()

	s := Stats{TotalPatterns: len(db.patterns)}
	var rateSum float64
	for _, p := range db.patterns {
		s.TotalOccurrences += p.OccurrenceCount
		s.TotalResolutions += p.ResolutionCount
		rateSum += p.SuccessRate
	}
	if s.TotalPatterns > 0 {
		s.AvgSuccessRate = rateSum / float64(s.TotalPatterns)
	}
	return s
}

// decayed returns the pattern's relevance decayed geometrically per full
// day since it was last seen.
func (db *DB) decayed(p *ErrorPattern, now time.Time) float64 {
	days := int(now.Sub(p.LastSeen).Hours() / 24)
	if days <= 0 {
		return p.RelevanceScore
	}
	return p.RelevanceScore * math.Pow(db.decay, float64(days))
}

func successRate(p *ErrorPattern) float64 {
	if p.OccurrenceCount == 0 {
		return 0
	}
	rate := float64(p.ResolutionCount) / float64(p.OccurrenceCount)
	return math.Min(1.0, rate)
}

// save writes state to disk. The caller must hold the mutex.
func (db *DB) save() error {
	if err := storage.SaveJSON(db.path, db.patterns); err != nil {
		return errors.Wrap(err, "saving pattern store")
	}
	return nil
}

func patternID(errorType, signature string) string {
	sum := sha256.Sum256([]byte(errorType + "\x00" + signature))
	return hex.EncodeToString(sum[:6])
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Normalization
// -----------------------------------------------------------------------------

var (
	timestampRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	lineNumberRe = regexp.MustCompile(`\bline \d+`)
	colonLineRe  = regexp.MustCompile(`:\d+(:\d+)?`)
	hexAddrRe    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	pathRe       = regexp.MustCompile(`(/[\w.\-]+)+/([\w\-]+\.\w+)`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Normalize reduces an error message to a stable signature: timestamps,
// line numbers, addresses, and path prefixes vary between occurrences of
// the same underlying failure and are masked out.
func Normalize(message string) string {
	s := strings.TrimSpace(message)
	s = timestampRe.ReplaceAllString(s, "TIMESTAMP")
	s = pathRe.ReplaceAllString(s, "$2")
	s = lineNumberRe.ReplaceAllString(s, "line X")
	s = colonLineRe.ReplaceAllString(s, ":X")
	s = hexAddrRe.ReplaceAllString(s, "0xADDR")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(s)
}
