package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"slotwatch/pkg/logx"
)

// TokenPrefix is the site's naming convention for bookable dates: every
// booking button is named "BS_Termin_<yyyy-mm-dd>".
const TokenPrefix = "BS_Termin_"

const tokenDateLayout = "2006-01-02"

// Ledger is the durable record of booking tokens already registered per
// course. Entries only grow; removing a token is not supported.
//
// Every mutation rewrites the whole file (tmp + rename), so all access is
// serialized behind one mutex.
type Ledger struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
	log  logx.Logger

	booked map[int][]string
}

type entry struct {
	CourseNumber int      `json:"course_number"`
	BookedDates  []string `json:"booked_dates"`
}

// Open loads the ledger file. A missing file is an empty ledger; an
// existing file that fails to decode is an error (the caller treats it as
// fatal at startup rather than silently booking twice).
func Open(path string, loc *time.Location, log logx.Logger) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is required")
	}
	if loc == nil {
		return nil, errors.New("ledger location is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	l := &Ledger{path: path, loc: loc, log: log, booked: map[int][]string{}}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	var entries []entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("ledger %s is malformed: %w", path, err)
	}
	for _, e := range entries {
		l.booked[e.CourseNumber] = append(l.booked[e.CourseNumber], e.BookedDates...)
	}
	return l, nil
}

// IsClaimed reports whether token is already recorded for the course.
func (l *Ledger) IsClaimed(courseNumber int, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.containsLocked(courseNumber, token)
}

func (l *Ledger) containsLocked(courseNumber int, token string) bool {
	for _, t := range l.booked[courseNumber] {
		if t == token {
			return true
		}
	}
	return false
}

// Record adds token to the course's set and persists before returning.
// Recording an already-present token is a no-op.
func (l *Ledger) Record(courseNumber int, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.containsLocked(courseNumber, token) {
		return nil
	}
	l.booked[courseNumber] = append(l.booked[courseNumber], token)
	if err := l.persistLocked(); err != nil {
		// Roll back the in-memory insert so a later retry re-persists.
		dates := l.booked[courseNumber]
		l.booked[courseNumber] = dates[:len(dates)-1]
		return err
	}
	return nil
}

// MostRecent returns the latest date embedded in the course's tokens, or
// false when the course has no parseable token. Malformed tokens are
// skipped, not fatal.
func (l *Ledger) MostRecent(courseNumber int) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var best time.Time
	found := false
	for _, token := range l.booked[courseNumber] {
		d, err := l.tokenDate(token)
		if err != nil {
			l.log.Debug("skipping malformed booking token",
				logx.Int("course", courseNumber), logx.String("token", token), logx.Err(err))
			continue
		}
		if !found || d.After(best) {
			best = d
			found = true
		}
	}
	return best, found
}

func (l *Ledger) tokenDate(token string) (time.Time, error) {
	raw, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("token %q lacks prefix %q", token, TokenPrefix)
	}
	d, err := time.ParseInLocation(tokenDateLayout, raw, l.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("token %q: %w", token, err)
	}
	return d, nil
}

func (l *Ledger) persistLocked() error {
	courses := make([]int, 0, len(l.booked))
	for c := range l.booked {
		courses = append(courses, c)
	}
	sort.Ints(courses)

	entries := make([]entry, 0, len(courses))
	for _, c := range courses {
		entries = append(entries, entry{CourseNumber: c, BookedDates: l.booked[c]})
	}

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	// Whole-file rewrite via tmp + rename so a crash mid-write never
	// leaves a truncated ledger behind.
	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
