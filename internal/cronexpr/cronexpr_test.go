package cronexpr_test

import (
	"testing"
	"time"

	"github.com/distjob/scheduler/internal/cronexpr"
)

func TestParse_Invalid(t *testing.T) {
	if _, err := cronexpr.Parse("not a cron expr"); err == nil {
		t.Fatal("expected an error for an invalid expression")
	}
}

func TestNext_EveryMinute(t *testing.T) {
	sched, err := cronexpr.Parse("* * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	now := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next := sched.Next(now)

	want := time.Date(2026, 1, 1, 10, 31, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestMinInterval_EveryMinute(t *testing.T) {
	sched, err := cronexpr.Parse("* * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := sched.MinInterval(16)
	if got != time.Minute {
		t.Fatalf("expected 1m minimum interval, got %v", got)
	}
}

func TestMinInterval_Hourly(t *testing.T) {
	sched, err := cronexpr.Parse("0 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := sched.MinInterval(8)
	if got != time.Hour {
		t.Fatalf("expected 1h minimum interval, got %v", got)
	}
}

func TestString_ReturnsOriginalExpr(t *testing.T) {
	sched, err := cronexpr.Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.String() != "*/5 * * * *" {
		t.Fatalf("expected original expression preserved, got %q", sched.String())
	}
}
