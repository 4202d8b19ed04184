package scheduler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nostrmood/market-engine/internal/scheduler"
	"github.com/nostrmood/market-engine/internal/settlement"
)

type fakeSettler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSettler) CheckAndSettleExpired(context.Context) (*settlement.ScanReport, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &settlement.ScanReport{Scanned: 1}, nil
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestRun_FirstCycleImmediate(t *testing.T) {
	st := &fakeSettler{}
	sw := &fakeSweeper{}
	s := scheduler.New(st, sw, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for st.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if st.calls.Load() != 1 || sw.calls.Load() != 1 {
		t.Errorf("settle calls=%d sweep calls=%d, want 1/1", st.calls.Load(), sw.calls.Load())
	}
}

func TestRun_KeepsTickingAfterErrors(t *testing.T) {
	st := &fakeSettler{err: errors.New("db down")}
	s := scheduler.New(st, nil, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if got := st.calls.Load(); got < 3 {
		t.Errorf("settle calls = %d, want several despite errors", got)
	}
}

func TestRunOnce_SkipsSweepOnCancelledContext(t *testing.T) {
	st := &fakeSettler{}
	sw := &fakeSweeper{}
	s := scheduler.New(st, sw, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)

	if sw.calls.Load() != 0 {
		t.Error("sweep ran after cancellation")
	}
}

type failingSweeper struct{}

func (failingSweeper) Sweep(context.Context) (int, error) {
	return 0, errors.New("store unavailable")
}

func TestRunOnce_LogsFailuresUnderErrKey(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	s := scheduler.New(&fakeSettler{err: errors.New("db down")}, failingSweeper{}, time.Minute)
	s.RunOnce(context.Background())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("decode log line %s: %v", line, err)
		}
		if _, ok := rec["err"]; !ok {
			t.Errorf("log line missing err attribute: %s", line)
		}
		if _, ok := rec["error"]; ok {
			t.Errorf("log line uses error key: %s", line)
		}
	}
}
