package scheduler

import (
	"testing"
	"time"
)

func TestDailyAt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		at       string
		excluded []time.Weekday
		want     string
		wantErr  bool
	}{
		{name: "every day", at: "06:30", want: "30 6 * * *"},
		{name: "skip sunday", at: "5:00", excluded: []time.Weekday{time.Sunday}, want: "0 5 * * 1,2,3,4,5,6"},
		{name: "weekdays", at: "21:05", excluded: []time.Weekday{time.Saturday, time.Sunday}, want: "5 21 * * 1,2,3,4,5"},
		{name: "bad time", at: "24:00", wantErr: true},
		{name: "all excluded", at: "06:00", excluded: []time.Weekday{0, 1, 2, 3, 4, 5, 6}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := DailyAt(tt.at, tt.excluded)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DailyAt(%q) expected error, got %q", tt.at, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DailyAt(%q) error: %v", tt.at, err)
			}
			if got != tt.want {
				t.Fatalf("DailyAt(%q) = %q, want %q", tt.at, got, tt.want)
			}
		})
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	got, err := ParseWeekdays([]string{"Sun", "6", "saturday", " "})
	if err != nil {
		t.Fatalf("ParseWeekdays error: %v", err)
	}
	if len(got) != 2 || got[0] != time.Sunday || got[1] != time.Saturday {
		t.Fatalf("unexpected weekdays: %v", got)
	}
	if _, err := ParseWeekdays([]string{"funday"}); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
	if _, err := ParseWeekdays([]string{"7"}); err == nil {
		t.Fatal("expected error for out of range weekday")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
	if err := ValidHHMM("7"); err == nil {
		t.Fatal("expected error for missing minutes")
	}
}
