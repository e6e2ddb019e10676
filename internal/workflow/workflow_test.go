package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"slotwatch/internal/automation"
	"slotwatch/internal/config"
	"slotwatch/internal/ledger"
	"slotwatch/internal/recurrence"
	"slotwatch/pkg/logx"
)

type fakeSession struct {
	exists    bool
	snap      automation.Snapshot
	tokens    []string
	outcome   automation.ClaimOutcome
	claimErr  error
	claimed   []string
	closed    bool
	viewOpens int
}

func (f *fakeSession) Exists(ctx context.Context, courseNumber int) (bool, error) {
	return f.exists, nil
}

func (f *fakeSession) Snapshot(ctx context.Context, courseNumber int) (automation.Snapshot, error) {
	return f.snap, nil
}

func (f *fakeSession) OpenClaimView(ctx context.Context, snap automation.Snapshot) error {
	f.viewOpens++
	return nil
}

func (f *fakeSession) ListOpenTokens(ctx context.Context) ([]string, error) {
	return f.tokens, nil
}

func (f *fakeSession) Claim(ctx context.Context, token string, creds automation.Credentials) (automation.ClaimOutcome, error) {
	if f.claimErr != nil {
		return automation.OutcomeFailed, f.claimErr
	}
	f.claimed = append(f.claimed, token)
	return f.outcome, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeFactory struct {
	session  *fakeSession
	sessions int
}

func (f *fakeFactory) NewSession(ctx context.Context, pageURL string) (automation.Session, error) {
	f.sessions++
	return f.session, nil
}

func newRunner(t *testing.T, factory automation.Factory, enabled bool) (*Runner, *ledger.Ledger) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	led, err := ledger.Open(filepath.Join(t.TempDir(), "bookings.json"), loc, logx.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	calc, err := recurrence.New(loc, 5*time.Minute)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	return &Runner{
		Ledger:         led,
		Calc:           calc,
		Factory:        factory,
		Loc:            loc,
		Log:            logx.Nop(),
		BookingEnabled: func() bool { return enabled },
		// A Monday morning; the test course meets Wednesday evenings.
		Now: func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, loc) },
	}, led
}

var testItem = config.TrackedItem{Name: "Badminton", URL: "https://sport.example.org/kurse", CourseNumber: 4711}

func bookableSnap() automation.Snapshot {
	return automation.Snapshot{
		CourseNumber: 4711,
		Day:          "Mi",
		TimeRange:    "18:00-19:00",
		Bookable:     true,
	}
}

func TestCheckFutureClaimSkipsSession(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{session: &fakeSession{}}
	r, led := newRunner(t, factory, true)

	// Booked for a day strictly after "now" (Monday 2024-01-01).
	if err := led.Record(4711, "BS_Termin_2024-01-03"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	res, err := r.Check(context.Background(), testItem)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomeFutureClaim {
		t.Fatalf("Outcome = %s, want future-claim", res.Outcome)
	}
	if factory.sessions != 0 {
		t.Fatalf("a session was opened despite a future booking")
	}
}

func TestCheckRetiresMissingCourse(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{exists: false}
	r, _ := newRunner(t, &fakeFactory{session: sess}, true)

	res, err := r.Check(context.Background(), testItem)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomeRetired {
		t.Fatalf("Outcome = %s, want retired", res.Outcome)
	}
	if !res.Next.Start.IsZero() {
		t.Fatal("retired result must not carry a next occurrence")
	}
	if !sess.closed {
		t.Fatal("session not closed")
	}
}

func TestCheckNothingOpenStillSchedules(t *testing.T) {
	t.Parallel()
	snap := bookableSnap()
	snap.Bookable = false
	sess := &fakeSession{exists: true, snap: snap}
	r, _ := newRunner(t, &fakeFactory{session: sess}, true)

	res, err := r.Check(context.Background(), testItem)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomeNothingOpen {
		t.Fatalf("Outcome = %s, want nothing-open", res.Outcome)
	}
	wantStart := time.Date(2024, 1, 3, 18, 0, 0, 0, r.Loc)
	if !res.Next.Start.Equal(wantStart) {
		t.Fatalf("Next.Start = %s, want %s", res.Next.Start, wantStart)
	}
	if sess.viewOpens != 0 {
		t.Fatal("claim view opened for a non-bookable course")
	}
}

func TestCheckPolicyDisabled(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{exists: true, snap: bookableSnap(), tokens: []string{"BS_Termin_2024-01-03"}}
	r, led := newRunner(t, &fakeFactory{session: sess}, false)

	res, err := r.Check(context.Background(), testItem)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomePolicyDisabled {
		t.Fatalf("Outcome = %s, want policy-disabled", res.Outcome)
	}
	if res.Next.Start.IsZero() {
		t.Fatal("policy-disabled result must still carry a next occurrence")
	}
	if len(sess.claimed) != 0 || led.IsClaimed(4711, "BS_Termin_2024-01-03") {
		t.Fatal("claim happened despite disabled policy")
	}
}

func TestCheckClaimsAndRecords(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{
		exists:  true,
		snap:    bookableSnap(),
		tokens:  []string{"BS_Termin_2024-01-03", "BS_Termin_2024-01-10"},
		outcome: automation.OutcomeClaimed,
	}
	r, led := newRunner(t, &fakeFactory{session: sess}, true)

	res, err := r.Check(context.Background(), testItem)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("Outcome = %s, want claimed", res.Outcome)
	}
	if len(res.Claimed) != 2 {
		t.Fatalf("claimed %d tokens, want 2", len(res.Claimed))
	}
	for _, tok := range sess.tokens {
		if !led.IsClaimed(4711, tok) {
			t.Fatalf("token %s not in ledger", tok)
		}
	}
}

func TestCheckSecondCycleIsQuiet(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{
		exists:  true,
		snap:    bookableSnap(),
		tokens:  []string{"BS_Termin_2024-01-03"},
		outcome: automation.OutcomeClaimed,
	}
	r, _ := newRunner(t, &fakeFactory{session: sess}, true)

	// Look back from before the booked date so the future-claim shortcut
	// doesn't kick in and the cycle really re-lists the open tokens.
	if _, err := r.Check(context.Background(), testItem); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	r.Now = func() time.Time { return time.Date(2024, 1, 4, 10, 0, 0, 0, r.Loc) }

	sess.claimed = nil
	res, err := r.Check(context.Background(), testItem)
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if res.Outcome != OutcomeAlreadyCurrent {
		t.Fatalf("Outcome = %s, want already-current", res.Outcome)
	}
	if len(sess.claimed) != 0 {
		t.Fatalf("second cycle re-claimed tokens: %v", sess.claimed)
	}
}

func TestCheckRecordsAlreadyClaimedOutcome(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{
		exists:  true,
		snap:    bookableSnap(),
		tokens:  []string{"BS_Termin_2024-01-03"},
		outcome: automation.OutcomeAlreadyClaimed,
	}
	r, led := newRunner(t, &fakeFactory{session: sess}, true)

	res, err := r.Check(context.Background(), testItem)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("Outcome = %s, want claimed", res.Outcome)
	}
	if !led.IsClaimed(4711, "BS_Termin_2024-01-03") {
		t.Fatal("already-claimed outcome was not recorded")
	}
}

func TestCheckClaimFailureAborts(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{
		exists:   true,
		snap:     bookableSnap(),
		tokens:   []string{"BS_Termin_2024-01-03"},
		claimErr: errors.New("network down"),
	}
	r, led := newRunner(t, &fakeFactory{session: sess}, true)

	if _, err := r.Check(context.Background(), testItem); err == nil {
		t.Fatal("expected error from failed claim")
	}
	if led.IsClaimed(4711, "BS_Termin_2024-01-03") {
		t.Fatal("failed claim must not be recorded")
	}
	if !sess.closed {
		t.Fatal("session not closed after failure")
	}
}
