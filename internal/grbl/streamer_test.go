package grbl_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"engraver/internal/grbl"
	"engraver/internal/services"
	"engraver/internal/testsupport"
)

func newStreamer(t *testing.T, fake *testsupport.FakeGRBL) *grbl.Streamer {
	t.Helper()
	s := grbl.NewStreamer(fake.Port, grbl.Options{
		CommandTimeout: 200 * time.Millisecond,
		StatusPoll:     5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStreamSendsEveryLineAndReportsProgress(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t)
	s := newStreamer(t, fake)
	ctx := context.Background()

	if err := s.Wake(ctx); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	var last, total int
	err := s.Stream(ctx, testsupport.SampleProgram, func(sent, n int) {
		last, total = sent, n
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if last != len(testsupport.SampleProgram) || total != len(testsupport.SampleProgram) {
		t.Fatalf("unexpected progress %d/%d", last, total)
	}
	received := fake.Received()
	if len(received) != len(testsupport.SampleProgram) {
		t.Fatalf("expected %d commands, got %v", len(testsupport.SampleProgram), received)
	}
	for i, line := range testsupport.SampleProgram {
		if received[i] != line {
			t.Fatalf("command %d = %q, want %q", i, received[i], line)
		}
	}
}

func TestSendReturnsCommandError(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t, testsupport.WithReply("G99", "error:20"))
	s := newStreamer(t, fake)

	err := s.Send(context.Background(), "G99")
	var cmdErr *grbl.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != 20 {
		t.Fatalf("expected CommandError 20, got %v", err)
	}
	if !services.IsPermanent(err) {
		t.Fatalf("unsupported command should be permanent: %v", err)
	}
}

func TestSendReturnsAlarm(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t, testsupport.WithReply("G1 X500", "ALARM:2"))
	s := newStreamer(t, fake)

	err := s.Send(context.Background(), "G1 X500")
	var alarm *grbl.AlarmError
	if !errors.As(err, &alarm) || alarm.Code != 2 {
		t.Fatalf("expected AlarmError 2, got %v", err)
	}
	if !errors.Is(err, services.ErrDevice) || services.IsPermanent(err) {
		t.Fatalf("alarm should be a retryable device error: %v", err)
	}
}

func TestSendTimesOutWithoutAck(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t, testsupport.WithSilence())
	s := newStreamer(t, fake)

	start := time.Now()
	err := s.Send(context.Background(), "G0 X1")
	if !errors.Is(err, grbl.ErrCommandTimeout) || !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected command timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
}

func TestSendHonoursContext(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t, testsupport.WithSilence())
	s := newStreamer(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "G0 X1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitForSentinelPollsUntilIdle(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t, testsupport.WithBusyPolls(3))
	s := newStreamer(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitForSentinel(ctx); err != nil {
		t.Fatalf("WaitForSentinel failed: %v", err)
	}
}

func TestWaitForSentinelRespectsDeadline(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t, testsupport.WithBusyPolls(1_000_000))
	s := newStreamer(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WaitForSentinel(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAbortSendsSoftReset(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t)
	s := newStreamer(t, fake)

	if err := s.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for fake.Resets() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fake.Resets() != 1 {
		t.Fatalf("expected one soft reset, got %d", fake.Resets())
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	fake := testsupport.NewFakeGRBL(t)
	s := grbl.NewStreamer(fake.Port, grbl.Options{CommandTimeout: 100 * time.Millisecond})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Send(context.Background(), "G0 X0"); err == nil {
		t.Fatal("expected error after close")
	}
}
