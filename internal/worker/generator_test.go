package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"slotbook/internal/domain"
)

type fakeGenerator struct {
	generateAheadFn func(ctx context.Context) ([]domain.Slot, error)
}

func (f *fakeGenerator) GenerateAhead(ctx context.Context) ([]domain.Slot, error) {
	if f.generateAheadFn == nil {
		panic("GenerateAhead not configured")
	}
	return f.generateAheadFn(ctx)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateJob_RunsWithDeadline(t *testing.T) {
	var calls atomic.Int32
	job := NewGenerateJob(&fakeGenerator{
		generateAheadFn: func(ctx context.Context) ([]domain.Slot, error) {
			calls.Add(1)
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("job context has no deadline")
			}
			return nil, errors.New("store down")
		},
	}, discard(), time.Second)

	job.Run()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	job := NewGenerateJob(&fakeGenerator{}, discard(), 0)
	if _, err := NewScheduler("every tuesday", job, false, discard()); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	var calls atomic.Int32
	job := NewGenerateJob(&fakeGenerator{
		generateAheadFn: func(ctx context.Context) ([]domain.Slot, error) {
			calls.Add(1)
			return []domain.Slot{{Key: "2024-01-15_0900"}}, nil
		},
	}, discard(), time.Second)

	s, err := NewScheduler("0 2 * * *", job, true, discard())
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("job did not run on start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
