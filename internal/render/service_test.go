package render

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/talecast-labs/talecast-core/internal/config"
	"github.com/talecast-labs/talecast-core/internal/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService(context.Background(), config.RenderConfig{}, nil, nil, nil, newLogger())
	t.Cleanup(s.Close)
	return s
}

func TestRegisterJobRejectsInFlightID(t *testing.T) {
	s := newTestService(t)

	if _, ok := s.registerJob("job-1"); !ok {
		t.Fatal("expected first registration to succeed")
	}
	if _, ok := s.registerJob("job-1"); ok {
		t.Fatal("expected duplicate job id to be rejected while in flight")
	}

	// Once the run finishes, the id is free again.
	s.releaseJob("job-1")
	if _, ok := s.registerJob("job-1"); !ok {
		t.Fatal("expected released job id to be reusable")
	}
}

func TestReleaseJobCancelsRunContext(t *testing.T) {
	s := newTestService(t)

	ctx, ok := s.registerJob("job-1")
	if !ok {
		t.Fatal("register failed")
	}
	s.releaseJob("job-1")
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected job context canceled on release")
	}
}

func TestCancelSubjectCancelsActiveJob(t *testing.T) {
	s := newTestService(t)

	ctx, ok := s.registerJob("job-9")
	if !ok {
		t.Fatal("register failed")
	}

	// Unknown ids are ignored; the active job stays alive.
	s.handleCancel(&nats.Msg{Subject: protocol.SubjectRenderCancelPrefix + ".other"})
	select {
	case <-ctx.Done():
		t.Fatal("cancel for another job must not touch this one")
	default:
	}

	s.handleCancel(&nats.Msg{Subject: protocol.SubjectRenderCancelPrefix + ".job-9"})
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected cancel subject to cancel the job context")
	}
}
