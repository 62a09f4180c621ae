package experiment

import (
	"encoding/hex"
	"regexp"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// RunIDLayout formats run ids: millisecond UTC timestamps with dots so they
// are safe in paths.
const RunIDLayout = "2006-01-02T15.04.05.000Z"

var runIDPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}\.\d{2}\.\d{2}\.\d{3}Z$`)

var (
	runIDMu   sync.Mutex
	lastRunAt time.Time
)

// NewRunID returns the run id for now. Ids handed out by one process are
// strictly increasing even when the clock stalls or steps back.
func NewRunID(now time.Time) string {
	runIDMu.Lock()
	defer runIDMu.Unlock()

	t := now.UTC().Truncate(time.Millisecond)
	if !t.After(lastRunAt) {
		t = lastRunAt.Add(time.Millisecond)
	}
	lastRunAt = t
	return t.Format(RunIDLayout)
}

// ShortID derives the 4 character short id of a run id.
func ShortID(runID string) string {
	sum := blake3.Sum256([]byte(runID))
	return hex.EncodeToString(sum[:2])
}

// ValidRunID reports whether s has the run id format.
func ValidRunID(s string) bool {
	return runIDPattern.MatchString(s)
}

// ParseRunID returns the instant encoded in a run id.
func ParseRunID(s string) (time.Time, error) {
	return time.Parse(RunIDLayout, s)
}
