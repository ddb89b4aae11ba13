package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		def     Def
		want    Kind
		wantErr bool
	}{
		{"daily", Def{Daily: "08:00"}, KindDaily, false},
		{"interval", Def{Interval: 5}, KindInterval, false},
		{"cron", Def{Cron: "*/5 * * * *"}, KindCron, false},
		{"descriptor", Def{Cron: "@hourly"}, KindCron, false},
		{"daily bad hour", Def{Daily: "24:00"}, "", true},
		{"daily bad format", Def{Daily: "8am"}, "", true},
		{"negative interval", Def{Interval: -1}, "", true},
		{"six field cron", Def{Cron: "0 */5 * * * *"}, "", true},
		{"garbage cron", Def{Cron: "every day"}, "", true},
		{"two kinds", Def{Daily: "08:00", Interval: 5}, "", true},
		{"bad tz", Def{Daily: "08:00", Timezone: "Mars/Olympus"}, "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec, err := Parse(tt.def, time.UTC)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%+v) err = nil, want error", tt.def)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%+v) err = %v", tt.def, err)
			}
			if spec.Kind() != tt.want {
				t.Fatalf("Kind = %v, want %v", spec.Kind(), tt.want)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	if _, err := Parse(Def{}, nil); !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("Parse(empty) = %v, want ErrNoSchedule", err)
	}
}

func TestDailyNext(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	spec, err := Parse(Def{Daily: "08:00"}, loc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"just after", time.Date(2026, 3, 10, 8, 0, 1, 0, loc), time.Date(2026, 3, 11, 8, 0, 0, 0, loc)},
		{"just before", time.Date(2026, 3, 10, 7, 59, 59, 0, loc), time.Date(2026, 3, 10, 8, 0, 0, 0, loc)},
		{"exactly at", time.Date(2026, 3, 10, 8, 0, 0, 0, loc), time.Date(2026, 3, 11, 8, 0, 0, 0, loc)},
		{"other zone input", time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC), time.Date(2026, 3, 10, 8, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := spec.Next(tt.now); !got.Equal(tt.want) {
			t.Fatalf("%s: Next(%v) = %v, want %v", tt.name, tt.now, got, tt.want)
		}
	}
}

func TestDailyUsesOwnTimezone(t *testing.T) {
	t.Parallel()

	spec, err := Parse(Def{Daily: "08:00", Timezone: "UTC"}, time.FixedZone("X", 3*3600))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	now := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if got := spec.Next(now); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestIntervalDriftFree(t *testing.T) {
	t.Parallel()

	spec, err := Parse(Def{Interval: 10}, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dispatch := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for k := 0; k < 3; k++ {
		// Dispatch happens a little late each time; the next run follows the real dispatch.
		dispatch = dispatch.Add(1500 * time.Millisecond)
		next := spec.Next(dispatch)
		if want := dispatch.Add(10 * time.Minute); !next.Equal(want) {
			t.Fatalf("Next(%v) = %v, want %v", dispatch, next, want)
		}
		dispatch = next
	}
}

func TestCronNext(t *testing.T) {
	t.Parallel()

	spec, err := Parse(Def{Cron: "30 2 * * 1"}, time.UTC)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// 2026-03-10 is a Tuesday; next Monday is 2026-03-16.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 16, 2, 30, 0, 0, time.UTC)
	if got := spec.Next(now); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestDefString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		def  Def
		want string
	}{
		{Def{Daily: "08:00", Timezone: "Asia/Jakarta"}, "daily 08:00 (Asia/Jakarta)"},
		{Def{Interval: 15}, "every 15m"},
		{Def{Cron: "0 * * * *"}, "cron 0 * * * *"},
		{Def{}, ""},
	}
	for _, tt := range tests {
		if got := tt.def.String(); got != tt.want {
			t.Fatalf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestUsesDefaultLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		def  Def
		want bool
	}{
		{Def{Daily: "08:00"}, true},
		{Def{Cron: "*/5 * * * *"}, true},
		{Def{Daily: "08:00", Timezone: "UTC"}, false},
		{Def{Interval: 5}, false},
	}
	for _, tt := range tests {
		if got := tt.def.UsesDefaultLocation(); got != tt.want {
			t.Fatalf("%+v.UsesDefaultLocation() = %v, want %v", tt.def, got, tt.want)
		}
	}
}
