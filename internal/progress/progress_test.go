package progress

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompleteOnce(t *testing.T) {
	p := New("power up", 3)
	first := errors.New("first")

	p.Complete(first)
	p.Complete(nil)

	if !errors.Is(p.Err(), first) {
		t.Errorf("Err() = %v, want the first result", p.Err())
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed")
	}
	if err := p.Wait(context.Background()); !errors.Is(err, first) {
		t.Errorf("Wait = %v, want first", err)
	}
}

func TestPercent(t *testing.T) {
	p := New("power up", 4)
	p.SetOperation("create")
	if got := p.Percent(); got != 0 {
		t.Errorf("Percent after first op = %d, want 0", got)
	}
	p.SetOperation("attach")
	p.SetOperation("boot")
	if got := p.Percent(); got != 50 {
		t.Errorf("Percent after third op = %d, want 50", got)
	}
	if n, name := p.Operation(); n != 3 || name != "boot" {
		t.Errorf("Operation() = (%d, %q), want (3, boot)", n, name)
	}
	p.Complete(nil)
	if got := p.Percent(); got != 100 {
		t.Errorf("Percent after Complete = %d, want 100", got)
	}
}

func TestCancelCheckpoint(t *testing.T) {
	p := New("power up", 1)
	if err := p.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint before Cancel = %v", err)
	}
	if !p.Cancel() {
		t.Fatal("Cancel should be accepted")
	}
	if err := p.Checkpoint(); !errors.Is(err, ErrCanceled) {
		t.Errorf("Checkpoint after Cancel = %v, want ErrCanceled", err)
	}
}

func TestNotCancelable(t *testing.T) {
	p := New("power up", 1)
	p.SetNotCancelable()
	if p.Cancel() {
		t.Error("Cancel after SetNotCancelable should be refused")
	}
	if err := p.Checkpoint(); err != nil {
		t.Errorf("Checkpoint = %v, want nil", err)
	}
}

func TestWaitContext(t *testing.T) {
	p := New("power down", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
	if p.ID() == New("other", 1).ID() {
		t.Error("ids should be unique")
	}
}
