package reports

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/utils"
)

func TestParseReportPeriod(t *testing.T) {
	start, end, err := ParseReportPeriod("2026-01-01", "2026-01-31")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !start.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %s", start)
	}
	// the end bound is exclusive and covers the whole last day
	if !end.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %s", end)
	}
}

func TestParseReportPeriodMalformed(t *testing.T) {
	_, _, err := ParseReportPeriod("01/02/2026", "")
	if err == nil {
		t.Fatal("expected error for malformed date")
	}
	if utils.KindOf(err) != utils.ErrorKindValidation {
		t.Fatalf("kind = %s, want validation", utils.KindOf(err))
	}

	_, _, err = ParseReportPeriod("2026-02-01", "2026-01-01")
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestParseReportPeriodOpenEnded(t *testing.T) {
	start, end, err := ParseReportPeriod("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !end.After(start) {
		t.Fatalf("open-ended period must be non-empty: %s .. %s", start, end)
	}
}
