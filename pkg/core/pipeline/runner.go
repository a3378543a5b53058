package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// DefaultRunTimeout bounds a detached run.
const DefaultRunTimeout = 2 * time.Minute

var errAlreadyStarted = errors.New("pipeline already started")

// Runner admits pipeline runs. It guarantees at most one run per session in
// this process and gives background runs a detached context with their own
// logging boundary.
type Runner struct {
	Orchestrator *Orchestrator
	Logger       *slog.Logger
	Timeout      time.Duration

	mu       sync.Mutex
	inflight map[string]*run
	wg       sync.WaitGroup
}

type run struct {
	done chan struct{}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultRunTimeout
}

func (r *Runner) reserve(id string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight == nil {
		r.inflight = make(map[string]*run)
	}
	if existing, ok := r.inflight[id]; ok {
		return existing, false
	}
	rn := &run{done: make(chan struct{})}
	r.inflight[id] = rn
	return rn, true
}

func (r *Runner) release(id string, rn *run) {
	r.mu.Lock()
	if r.inflight[id] == rn {
		delete(r.inflight, id)
	}
	r.mu.Unlock()
	close(rn.done)
}

// InFlight reports whether a run for id is active in this process.
func (r *Runner) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

// markBuilding flips evidenceBuilding on. It fails with errAlreadyStarted
// when a run is recorded as building or cards already exist.
func (r *Runner) markBuilding(ctx context.Context, id string, force bool) error {
	o := r.Orchestrator
	_, err := store.Mutate(ctx, o.Store, o.Publisher, id, func(s *types.Session) error {
		if !force && (s.Pipeline.EvidenceBuilding || len(s.EvidenceCards) > 0) {
			return errAlreadyStarted
		}
		s.Pipeline.EvidenceBuilding = true
		return nil
	})
	return err
}

// Trigger starts a background run for id. It reports started=false, with no
// error, when the session is already built, building, or has a run in
// flight. store.ErrNotFound is returned for unknown sessions.
func (r *Runner) Trigger(ctx context.Context, id, focus string) (bool, error) {
	rn, ok := r.reserve(id)
	if !ok {
		return false, nil
	}
	if err := r.markBuilding(ctx, id, false); err != nil {
		r.release(id, rn)
		if errors.Is(err, errAlreadyStarted) {
			return false, nil
		}
		return false, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(id, rn)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout())
		defer cancel()
		r.execute(ctx, id, focus)
	}()
	return true, nil
}

func (r *Runner) execute(ctx context.Context, id, focus string) (s *types.Session, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger().Error("pipeline panic", "session_id", id, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline panic: %v", p)
		}
	}()
	s, err = r.Orchestrator.Run(ctx, id, focus)
	if err != nil {
		r.logger().Error("pipeline failed", "session_id", id, "error", err)
	}
	return s, err
}

// Ensure returns a session with evidence. A finished session is returned
// as is; an in-flight run is joined; otherwise the pipeline runs on the
// caller's goroutine.
func (r *Runner) Ensure(ctx context.Context, id, focus string) (*types.Session, error) {
	o := r.Orchestrator
	for {
		if rn, ok := r.peek(id); ok {
			select {
			case <-rn.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		s, err := o.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(s.EvidenceCards) > 0 && !s.Pipeline.EvidenceBuilding {
			return s, nil
		}

		rn, ok := r.reserve(id)
		if !ok {
			continue
		}
		if err := r.markBuilding(ctx, id, true); err != nil {
			r.release(id, rn)
			return nil, err
		}
		s, err = r.execute(ctx, id, focus)
		r.release(id, rn)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, store.ErrNotFound
		}
		return s, nil
	}
}

func (r *Runner) peek(id string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.inflight[id]
	return rn, ok
}

// Wait blocks until every background run has returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
