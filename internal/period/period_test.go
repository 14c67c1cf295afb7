package period

import (
	"errors"
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		elapsed time.Duration
		current time.Duration
		retry   RetryState
		want    bool
	}{
		{name: "before period", elapsed: 4 * time.Second, current: 5 * time.Second, want: false},
		{name: "exactly period", elapsed: 5 * time.Second, current: 5 * time.Second, want: false},
		{name: "past period", elapsed: 6 * time.Second, current: 5 * time.Second, want: true},
		{name: "forced immediate", elapsed: time.Millisecond, current: time.Hour, retry: RetryState{Forced: true}, want: true},
		{name: "forced first query", elapsed: 0, current: time.Hour, retry: RetryState{Forced: true}, want: false},
		{name: "forced waits for retry", elapsed: 10 * time.Second, current: time.Second, retry: RetryState{Forced: true, RetryAt: 30 * time.Second}, want: false},
		{name: "forced past retry", elapsed: 31 * time.Second, current: time.Hour, retry: RetryState{Forced: true, RetryAt: 30 * time.Second}, want: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsDue(tc.elapsed, tc.current, tc.retry); got != tc.want {
				t.Fatalf("IsDue(%v, %v, %+v) = %v, want %v", tc.elapsed, tc.current, tc.retry, got, tc.want)
			}
		})
	}
}

func TestFixedNeverChanges(t *testing.T) {
	t.Parallel()

	p, err := NewFixed(time.Minute)
	if err != nil {
		t.Fatalf("NewFixed: %v", err)
	}
	now := time.Now()
	for i := 0; i < 10; i++ {
		p.Next(now.Add(time.Duration(i) * time.Hour))
		if p.Current() != time.Minute {
			t.Fatalf("Fixed period changed to %v", p.Current())
		}
	}
}

func TestRandomizedStaysInRange(t *testing.T) {
	t.Parallel()

	minD, maxD := 10*time.Second, 20*time.Second
	p, err := NewRandomized(minD, maxD, WithSeed(42))
	if err != nil {
		t.Fatalf("NewRandomized: %v", err)
	}
	seen := map[time.Duration]bool{}
	for i := 0; i < 500; i++ {
		cur := p.Current()
		if cur < minD || cur >= maxD {
			t.Fatalf("draw %d = %v outside [%v, %v)", i, cur, minD, maxD)
		}
		seen[cur] = true
		p.Next(time.Time{})
	}
	if p.Draws() != 500 {
		t.Fatalf("Draws() = %d, want 500", p.Draws())
	}
	if len(seen) < 2 {
		t.Fatalf("randomized policy never varied")
	}
}

func TestRandomizedDegenerateRange(t *testing.T) {
	t.Parallel()

	p, err := NewRandomized(time.Second, time.Second)
	if err != nil {
		t.Fatalf("NewRandomized: %v", err)
	}
	p.Next(time.Time{})
	if p.Current() != time.Second {
		t.Fatalf("Current() = %v, want 1s", p.Current())
	}
}

func TestRandomizedRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	if _, err := NewRandomized(2*time.Second, time.Second); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
}

func TestCronPeriodUntilNextFire(t *testing.T) {
	t.Parallel()

	p, err := NewCron("0 9 * * *")
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	now := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	Anchor(p, now)
	if p.Current() != 30*time.Minute {
		t.Fatalf("Current() = %v, want 30m", p.Current())
	}
	p.Next(now.Add(31 * time.Minute))
	if want := 24*time.Hour - time.Minute; p.Current() != want {
		t.Fatalf("Current() after fire = %v, want %v", p.Current(), want)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "30m", want: "every 30m0s"},
		{raw: "every:1h", want: "every 1h0m0s"},
		{raw: "interval:02:30", want: "every 2h30m0s"},
		{raw: "random:10m-20m", want: "random 10m0s-20m0s"},
		{raw: "cron:*/5 * * * *", want: "cron */5 * * * *"},
		{raw: "@hourly", want: "cron @hourly"},
		{raw: "daily:09:30", want: "cron 30 9 * * *"},
		{raw: "", wantErr: true},
		{raw: "0s", wantErr: true},
		{raw: "random:20m-10m", wantErr: true},
		{raw: "random:10m", wantErr: true},
		{raw: "daily:25:00", wantErr: true},
		{raw: "cron:not a cron", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.raw, func(t *testing.T) {
			t.Parallel()
			p, err := Parse(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded with %v, want error", tc.raw, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.raw, err)
			}
			if p.String() != tc.want {
				t.Fatalf("Parse(%q) = %q, want %q", tc.raw, p.String(), tc.want)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	p, _ := NewRandomized(time.Second, time.Minute, WithSeed(1))
	c := p.Clone().(*Randomized)
	c.Next(time.Time{})
	if p.Draws() != 0 || c.Draws() != 1 {
		t.Fatalf("clone shares state: original draws %d, clone draws %d", p.Draws(), c.Draws())
	}
}
