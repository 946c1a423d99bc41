package parley

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	if _, err := ParseSchedule("cron", "0 9 * * *"); err != nil {
		t.Error(err)
	}
	// optional leading seconds field
	if _, err := ParseSchedule("cron", "30 0 9 * * *"); err != nil {
		t.Error(err)
	}
	if _, err := ParseSchedule("cron", "@hourly"); err != nil {
		t.Error(err)
	}
	if _, err := ParseSchedule("interval", "30m"); err != nil {
		t.Error(err)
	}
	// bare seconds
	if _, err := ParseSchedule("interval", "300"); err != nil {
		t.Error(err)
	}

	bad := [][2]string{
		{"cron", "not a cron"},
		{"interval", "soon"},
		{"interval", "-5m"},
		{"interval", "0"},
		{"daily", "9am"},
	}
	for _, tc := range bad {
		if _, err := ParseSchedule(tc[0], tc[1]); err == nil {
			t.Errorf("ParseSchedule(%q, %q) accepted", tc[0], tc[1])
		}
	}
}

func TestScheduleRerunGuard(t *testing.T) {
	s, err := ParseSchedule("interval", "1m")
	if err != nil {
		t.Fatal(err)
	}
	now := testEpoch
	// The interval has elapsed but the five-minute guard has not.
	if s.Due(now.Add(-2*time.Minute), now) {
		t.Error("task fired inside the re-run guard")
	}
	if !s.Due(now.Add(-6*time.Minute), now) {
		t.Error("task did not fire after the guard elapsed")
	}
}

func TestIntervalDue(t *testing.T) {
	s, err := ParseSchedule("interval", "30m")
	if err != nil {
		t.Fatal(err)
	}
	now := testEpoch
	if !s.Due(time.Time{}, now) {
		t.Error("a never-run interval task should fire immediately")
	}
	if s.Due(now.Add(-10*time.Minute), now) {
		t.Error("fired before the interval elapsed")
	}
	if !s.Due(now.Add(-30*time.Minute), now) {
		t.Error("did not fire at the interval boundary")
	}
}

func TestCronDue(t *testing.T) {
	s, err := ParseSchedule("cron", "0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	nineAM := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	// Never run: fires on its first eligible tick, not retroactively.
	if !s.Due(time.Time{}, nineAM) {
		t.Error("did not fire on the tick itself")
	}
	if s.Due(time.Time{}, nineAM.Add(2*time.Hour)) {
		t.Error("fired hours past the tick with no run history")
	}

	// Ran yesterday: today's tick is due once reached.
	yesterday := nineAM.Add(-24 * time.Hour)
	if s.Due(yesterday, nineAM.Add(-time.Minute)) {
		t.Error("fired before the tick")
	}
	if !s.Due(yesterday, nineAM) {
		t.Error("did not fire at the tick")
	}
}

func TestScheduleNext(t *testing.T) {
	iv, err := ParseSchedule("interval", "2m")
	if err != nil {
		t.Fatal(err)
	}
	now := testEpoch
	if got := iv.Next(time.Time{}, now); !got.Equal(now) {
		t.Errorf("never-run interval Next = %v, want now", got)
	}
	// A 2m interval is stretched to the 5m guard.
	last := now.Add(-time.Minute)
	if got := iv.Next(last, now); !got.Equal(last.Add(5 * time.Minute)) {
		t.Errorf("Next = %v, want the guard boundary", got)
	}

	cr, err := ParseSchedule("cron", "0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	onTheHour := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	got := cr.Next(time.Time{}, onTheHour.Add(time.Minute))
	if !got.Equal(onTheHour.Add(time.Hour)) {
		t.Errorf("cron Next = %v, want the next hourly tick", got)
	}
}

func TestScheduleTextRoundTrip(t *testing.T) {
	s, err := ParseSchedule("interval", "45m")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var back Schedule
	if err := back.UnmarshalText(b); err != nil {
		t.Fatal(err)
	}
	if back.Type != ScheduleInterval || back.Value != "45m" {
		t.Errorf("round trip = %+v", back)
	}
	if !back.Due(time.Time{}, testEpoch) {
		t.Error("unmarshalled schedule lost its parsed interval")
	}

	if err := back.UnmarshalText([]byte("garbage")); err == nil {
		t.Error("malformed text accepted")
	}
}
