package automation

import "context"

// Snapshot is the live state of one course row as currently rendered on
// the site. It is recomputed on every check and never persisted.
type Snapshot struct {
	CourseNumber int
	Detail       string
	Day          string // site weekday label, e.g. "Mi"
	TimeRange    string // "HH:MM-HH:MM"
	Location     string
	Duration     string
	Guidance     string
	// Bookable is whether the row currently shows a booking button.
	Bookable bool
}

// ClaimOutcome classifies one claim attempt. The site confirms a booking
// either as new or as one this account already holds; both leave the slot
// claimed and are recorded identically by the caller.
type ClaimOutcome int

const (
	OutcomeFailed ClaimOutcome = iota
	OutcomeClaimed
	OutcomeAlreadyClaimed
)

func (o ClaimOutcome) String() string {
	switch o {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeAlreadyClaimed:
		return "already-claimed"
	default:
		return "failed"
	}
}

// Credentials is the site login used during the claim flow.
type Credentials struct {
	Mail     string
	Password string
}

// Session drives one browser session against the course page. A session
// belongs to exactly one check cycle for one course; callers close it
// before the cycle returns.
type Session interface {
	// Exists reports whether the course row is still present on the page.
	Exists(ctx context.Context, courseNumber int) (bool, error)
	// Snapshot extracts the course row's current attributes.
	Snapshot(ctx context.Context, courseNumber int) (Snapshot, error)
	// OpenClaimView navigates to the course's booking view.
	OpenClaimView(ctx context.Context, snap Snapshot) error
	// ListOpenTokens lists the booking tokens currently offered in the
	// claim view. Order carries no meaning.
	ListOpenTokens(ctx context.Context) ([]string, error)
	// Claim runs the multi-step booking flow for one token.
	Claim(ctx context.Context, token string, creds Credentials) (ClaimOutcome, error)
	Close() error
}

// Factory opens fresh sessions. Each tracked item gets its own session
// per cycle so automation state never leaks between items.
type Factory interface {
	NewSession(ctx context.Context, pageURL string) (Session, error)
}
