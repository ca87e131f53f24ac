package console

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/javanstorm/vmconsole/internal/progress"
	"github.com/javanstorm/vmconsole/internal/timing"
)

// powerTask is handed to exactly one worker goroutine.
type powerTask struct {
	s     *Session
	name  string
	prog  *progress.Progress
	timer *timing.Timer
	span  trace.Span
}

// step records the start of the next operation.
func (t *powerTask) step(name string) {
	t.prog.SetOperation(name)
	t.span.AddEvent(name)
}

// mark closes a timed phase.
func (t *powerTask) mark(phase string) {
	t.timer.Mark(phase)
}

// startTask runs work on its own goroutine and completes p with its result.
// The caller's cancellation does not reach the worker; p.Cancel does.
func (s *Session) startTask(ctx context.Context, name string, p *progress.Progress, work func(context.Context, *powerTask) error) {
	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "console."+name,
		trace.WithAttributes(
			attribute.String("vm", s.name),
			attribute.String("progress.id", p.ID()),
		))
	t := &powerTask{
		s:     s,
		name:  name,
		prog:  p,
		timer: timing.New(s.log.WithField("task", name)),
		span:  span,
	}
	go func() {
		start := time.Now()
		err := work(ctx, t)
		s.metrics.observeTask(name, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.WithError(err).WithField("task", name).Error("power task failed")
		} else {
			t.timer.Report(name + " complete")
		}
		span.End()
		p.Complete(err)
	}()
}

func bootAttr(k bootKind) attribute.KeyValue {
	return attribute.String("boot", k.String())
}
