package scheduler

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, layout, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

func TestCronMatchesWildcard(t *testing.T) {
	at := mustTime(t, time.RFC3339, "2026-08-01T06:00:00Z")
	match, err := Matches("0 6 * * *", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match {
		t.Fatalf("expected match at 06:00")
	}

	at = at.Add(time.Minute)
	match, err = Matches("0 6 * * *", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match {
		t.Fatalf("expected no match at 06:01")
	}
}

func TestCronMatchesStep(t *testing.T) {
	spec := "*/15 * * * *"
	cases := map[string]bool{
		"2026-08-01T00:00:00Z": true,
		"2026-08-01T00:15:00Z": true,
		"2026-08-01T00:07:00Z": false,
	}
	for ts, want := range cases {
		at := mustTime(t, time.RFC3339, ts)
		got, err := Matches(spec, at)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", ts, err)
		}
		if got != want {
			t.Fatalf("%s: expected match=%v, got %v", ts, want, got)
		}
	}
}

func TestCronMatchesList(t *testing.T) {
	at := mustTime(t, time.RFC3339, "2026-08-03T09:00:00Z") // a Monday
	match, err := Matches("0 9 * * 1,3,5", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match {
		t.Fatalf("expected monday to match")
	}

	at = mustTime(t, time.RFC3339, "2026-08-04T09:00:00Z") // a Tuesday
	match, err = Matches("0 9 * * 1,3,5", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match {
		t.Fatalf("expected tuesday not to match")
	}
}

func TestCronMatchesRange(t *testing.T) {
	at := mustTime(t, time.RFC3339, "2026-08-01T14:30:00Z")
	match, err := Matches("30 9-17 * * *", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match {
		t.Fatalf("expected 14:30 to fall in range 9-17")
	}

	at = mustTime(t, time.RFC3339, "2026-08-01T18:30:00Z")
	match, err = Matches("30 9-17 * * *", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match {
		t.Fatalf("expected 18:30 to fall outside range 9-17")
	}
}

func TestCronDomOrDowSemantics(t *testing.T) {
	// "1st of the month OR a Sunday" -- classic cron dom-OR-dow behavior
	// when both fields are restricted.
	spec := "0 0 1 * 0"

	firstOfMonth := mustTime(t, time.RFC3339, "2026-08-01T00:00:00Z") // a Saturday
	match, err := Matches(spec, firstOfMonth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match {
		t.Fatalf("expected day-of-month match to fire even though it's not a Sunday")
	}

	aSunday := mustTime(t, time.RFC3339, "2026-08-02T00:00:00Z")
	match, err = Matches(spec, aSunday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match {
		t.Fatalf("expected day-of-week match to fire even though it's not the 1st")
	}

	neither := mustTime(t, time.RFC3339, "2026-08-04T00:00:00Z")
	match, err = Matches(spec, neither)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match {
		t.Fatalf("expected no match when neither dom nor dow matches")
	}
}

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	cases := []string{
		"* * * *",       // too few fields
		"60 * * * *",    // minute out of bounds
		"* * * * 8",     // dow out of bounds
		"a * * * *",     // non-numeric
		"5-2 * * * */0", // irrelevant, but exercise the step-zero guard below
	}
	for _, expr := range cases {
		if _, err := ParseCron(expr); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}
