package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"readbot/internal/eventbus"
	logx "readbot/pkg/logx"
)

func newTestService(t *testing.T, loc *time.Location) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(Config{Location: loc}, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func noop(context.Context) error { return nil }

func TestAddCronValidatesSpec(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, time.UTC)
	if err := s.AddCron("", "* * * * *", 0, noop); !errors.Is(err, ErrNameEmpty) {
		t.Fatalf("empty name err = %v", err)
	}
	if err := s.AddCron("x", "not a spec", 0, noop); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if err := s.Reschedule("missing", "0 6 * * *"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Reschedule(missing) err = %v", err)
	}
}

func TestStateTransitionsAndNext(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+9", 9*3600)
	s, _ := newTestService(t, time.UTC)
	if err := s.AddDaily("delivery", "06:00", 0, noop); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	if j, _ := s.Job("delivery"); j.State != StateRegistered {
		t.Fatalf("state before start = %s", j.State)
	}
	s.Start(context.Background())
	j, ok := s.Job("delivery")
	if !ok || j.State != StateScheduled {
		t.Fatalf("state after start = %+v", j)
	}
	if got := j.Next.In(time.UTC); got.Hour() != 6 || got.Minute() != 0 {
		t.Fatalf("Next = %s, want 06:00 UTC", got)
	}

	s.ApplyTimezone(loc)
	j, _ = s.Job("delivery")
	if got := j.Next.In(loc); got.Hour() != 6 {
		t.Fatalf("Next after tz change = %s, want 06:00 in UTC+9", got)
	}
	if snap := s.Snapshot(); snap.Timezone != "UTC+9" || !snap.Running {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	t.Parallel()
	s, bus := newTestService(t, time.UTC)
	events, unsub := bus.Subscribe(4)
	defer unsub()

	var calls atomic.Int32
	if err := s.AddCron("daily-report", "0 20 * * *", 0, func(context.Context) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	d := s.jobs["daily-report"]
	d.mu.Lock()
	d.state = StateFiring
	d.mu.Unlock()

	s.fire(d)
	if calls.Load() != 0 {
		t.Fatal("job ran while previous run was firing")
	}
	j, _ := s.Job("daily-report")
	if j.Skips != 1 {
		t.Fatalf("Skips = %d, want 1", j.Skips)
	}
	if e := <-events; e.Type != eventbus.JobSkipped {
		t.Fatalf("event = %s, want %s", e.Type, eventbus.JobSkipped)
	}
}

func TestFailureAndPanicReturnToScheduled(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, time.UTC)
	s.Start(context.Background())
	if err := s.AddCron("monthly-report", "0 21 * * *", 0, func(context.Context) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	s.fire(s.jobs["monthly-report"])
	j, _ := s.Job("monthly-report")
	if j.State != StateScheduled || j.Failures != 1 || j.LastError == "" || j.LastRunID == "" {
		t.Fatalf("unexpected job info: %+v", j)
	}
}

func TestRescheduleKeepsFiringRun(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, time.UTC)
	s.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	if err := s.AddCron("delivery", "* * * * * *", 0, func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if err := s.AddDaily("daily-report", "20:00", 0, noop); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	before, _ := s.Job("daily-report")

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never fired")
	}
	if err := s.Reschedule("delivery", "30 6 * * *"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if j, _ := s.Job("delivery"); j.State != StateFiring || j.Spec != "30 6 * * *" {
		t.Fatalf("during run: %+v", j)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		j, _ := s.Job("delivery")
		return j.Runs == 1 && j.State == StateScheduled
	})
	j, _ := s.Job("delivery")
	if got := j.Next.In(time.UTC); got.Hour() != 6 || got.Minute() != 30 {
		t.Fatalf("Next = %s, want 06:30", got)
	}
	after, _ := s.Job("daily-report")
	if after.Spec != before.Spec || !after.Next.Equal(before.Next) {
		t.Fatalf("daily-report changed: %+v -> %+v", before, after)
	}
}

func TestAddOnceFiresOnce(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, time.UTC)
	s.Start(context.Background())

	done := make(chan struct{}, 2)
	if err := s.AddOnce("overall-report", time.Now().Add(20*time.Millisecond), time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("timeout not applied")
		}
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot job never fired")
	}
	waitFor(t, time.Second, func() bool {
		_, ok := s.Job("overall-report")
		return !ok
	})
	select {
	case <-done:
		t.Fatal("one-shot job fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, time.UTC)
	if err := s.AddOnce("later", time.Now().Add(time.Hour), 0, noop); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	if !s.Remove("later") {
		t.Fatal("Remove should report removal")
	}
	if s.Remove("later") {
		t.Fatal("second Remove should report nothing")
	}
}
