package workflow

import (
	"context"
	"fmt"
	"time"

	"slotwatch/internal/automation"
	"slotwatch/internal/config"
	"slotwatch/internal/ledger"
	"slotwatch/internal/recurrence"
	"slotwatch/pkg/logx"
)

// Outcome is how one check cycle ended.
type Outcome int

const (
	// OutcomeFutureClaim: the ledger already holds a booking on a future
	// day, so no session was started at all.
	OutcomeFutureClaim Outcome = iota
	// OutcomeRetired: the course is gone from the site; drop it for good.
	OutcomeRetired
	// OutcomeNothingOpen: the course exists but shows no booking button.
	OutcomeNothingOpen
	// OutcomePolicyDisabled: open slots were found but booking is switched
	// off; checked, not claimed.
	OutcomePolicyDisabled
	// OutcomeClaimed: at least one new token was booked this cycle.
	OutcomeClaimed
	// OutcomeAlreadyCurrent: every open token was already in the ledger.
	OutcomeAlreadyCurrent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFutureClaim:
		return "future-claim"
	case OutcomeRetired:
		return "retired"
	case OutcomeNothingOpen:
		return "nothing-open"
	case OutcomePolicyDisabled:
		return "policy-disabled"
	case OutcomeClaimed:
		return "claimed"
	case OutcomeAlreadyCurrent:
		return "already-current"
	default:
		return "unknown"
	}
}

// Result of one cycle. Next is zero when the item retired or when the
// cycle exited before fetching a snapshot (the safety-net pass covers
// those items).
type Result struct {
	Outcome Outcome
	Claimed []string
	Next    recurrence.Occurrence
}

// Runner executes one check-and-claim cycle per call. It owns no
// long-lived automation state: every Check opens and closes its own
// session.
type Runner struct {
	Ledger  *ledger.Ledger
	Calc    *recurrence.Calculator
	Factory automation.Factory
	Creds   automation.Credentials
	Loc     *time.Location
	Log     logx.Logger

	// BookingEnabled is consulted right before claiming so a live policy
	// toggle takes effect without a restart.
	BookingEnabled func() bool

	// Now is overridable in tests; nil means time.Now.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Check runs one full cycle for the item.
func (r *Runner) Check(ctx context.Context, item config.TrackedItem) (Result, error) {
	log := r.Log.With(logx.String("course", item.Name), logx.Int("number", item.CourseNumber))

	// A booking on a future day means there is nothing this cycle could
	// add; skip the whole browser session.
	if last, ok := r.Ledger.MostRecent(item.CourseNumber); ok {
		local := r.now().In(r.Loc)
		today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.Loc)
		if last.After(today) {
			log.Debug("next occurrence already booked", logx.Time("booked_for", last))
			return Result{Outcome: OutcomeFutureClaim}, nil
		}
	}

	session, err := r.Factory.NewSession(ctx, item.URL)
	if err != nil {
		return Result{}, fmt.Errorf("open session for %s: %w", item.Name, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Debug("session close", logx.Err(cerr))
		}
	}()

	exists, err := session.Exists(ctx, item.CourseNumber)
	if err != nil {
		return Result{}, fmt.Errorf("existence check for %s: %w", item.Name, err)
	}
	if !exists {
		log.Info("course no longer listed; retiring")
		return Result{Outcome: OutcomeRetired}, nil
	}

	snap, err := session.Snapshot(ctx, item.CourseNumber)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot for %s: %w", item.Name, err)
	}

	next, err := r.Calc.Next(snap.Day, snap.TimeRange, r.now())
	if err != nil {
		return Result{}, fmt.Errorf("next occurrence for %s: %w", item.Name, err)
	}

	if !snap.Bookable {
		log.Debug("nothing open", logx.String("day", snap.Day), logx.String("time", snap.TimeRange))
		return Result{Outcome: OutcomeNothingOpen, Next: next}, nil
	}

	if r.BookingEnabled != nil && !r.BookingEnabled() {
		log.Info("open slots found but booking is disabled")
		return Result{Outcome: OutcomePolicyDisabled, Next: next}, nil
	}

	claimed, err := r.claimOpen(ctx, session, item, snap, log)
	if err != nil {
		return Result{}, err
	}

	outcome := OutcomeAlreadyCurrent
	if len(claimed) > 0 {
		outcome = OutcomeClaimed
	}
	return Result{Outcome: outcome, Claimed: claimed, Next: next}, nil
}

func (r *Runner) claimOpen(ctx context.Context, session automation.Session, item config.TrackedItem, snap automation.Snapshot, log logx.Logger) ([]string, error) {
	if err := session.OpenClaimView(ctx, snap); err != nil {
		return nil, fmt.Errorf("open claim view for %s: %w", item.Name, err)
	}
	tokens, err := session.ListOpenTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open dates for %s: %w", item.Name, err)
	}

	var claimed []string
	for _, token := range tokens {
		if r.Ledger.IsClaimed(item.CourseNumber, token) {
			continue
		}
		outcome, err := session.Claim(ctx, token, r.Creds)
		if err != nil {
			return claimed, fmt.Errorf("claim %s for %s: %w", token, item.Name, err)
		}
		switch outcome {
		case automation.OutcomeClaimed, automation.OutcomeAlreadyClaimed:
			// "Already booked" still means the slot is ours; record both
			// the same way so a restart never re-claims it.
			if err := r.Ledger.Record(item.CourseNumber, token); err != nil {
				return claimed, fmt.Errorf("record %s for %s: %w", token, item.Name, err)
			}
			log.Info("booking recorded",
				logx.String("token", token), logx.String("result", outcome.String()))
			claimed = append(claimed, token)
		default:
			return claimed, fmt.Errorf("claim %s for %s failed", token, item.Name)
		}
	}
	return claimed, nil
}
