package recurrence

import (
	"testing"
	"time"
)

func calc(t *testing.T) (*Calculator, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	c, err := New(loc, 5*time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, loc
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	c, loc := calc(t)

	tests := []struct {
		name      string
		weekday   string
		timeRange string
		now       time.Time
		wantStart time.Time
	}{
		{
			name:      "upcoming weekday this week",
			weekday:   "Wednesday",
			timeRange: "18:00-19:00",
			now:       time.Date(2024, 1, 1, 10, 0, 0, 0, loc), // Monday
			wantStart: time.Date(2024, 1, 3, 18, 0, 0, 0, loc),
		},
		{
			name:      "same day already past wraps a week",
			weekday:   "Wednesday",
			timeRange: "18:00-19:00",
			now:       time.Date(2024, 1, 3, 19, 30, 0, 0, loc), // Wednesday evening
			wantStart: time.Date(2024, 1, 10, 18, 0, 0, 0, loc),
		},
		{
			name:      "same day before start stays today",
			weekday:   "Mi",
			timeRange: "18:00-19:00",
			now:       time.Date(2024, 1, 3, 9, 0, 0, 0, loc),
			wantStart: time.Date(2024, 1, 3, 18, 0, 0, 0, loc),
		},
		{
			name:      "exact start instant is not strictly after now",
			weekday:   "Mi",
			timeRange: "18:00-19:00",
			now:       time.Date(2024, 1, 3, 18, 0, 0, 0, loc),
			wantStart: time.Date(2024, 1, 10, 18, 0, 0, 0, loc),
		},
		{
			name:      "short german label, weekend",
			weekday:   "So",
			timeRange: "09:15-10:45",
			now:       time.Date(2024, 1, 1, 10, 0, 0, 0, loc),
			wantStart: time.Date(2024, 1, 7, 9, 15, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.Next(tt.weekday, tt.timeRange, tt.now)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Start.Equal(tt.wantStart) {
				t.Fatalf("Start = %s, want %s", got.Start, tt.wantStart)
			}
			if want := tt.wantStart.Add(5 * time.Minute); !got.ActionAt.Equal(want) {
				t.Fatalf("ActionAt = %s, want %s", got.ActionAt, want)
			}
			if !got.Start.After(tt.now) {
				t.Fatalf("Start %s is not after now %s", got.Start, tt.now)
			}
		})
	}
}

func TestNextRejectsBadInput(t *testing.T) {
	t.Parallel()
	c, loc := calc(t)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)

	if _, err := c.Next("Funday", "18:00-19:00", now); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
	if _, err := c.Next("Mi", "18:00", now); err == nil {
		t.Fatal("expected error for missing range separator")
	}
	if _, err := c.Next("Mi", "25:00-26:00", now); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}
