// Package admission enforces the per-tenant concurrent-run limit at
// submission time.
package admission

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"render-orchestrator/internal/models"
	"render-orchestrator/internal/store"
)

// Store is the slice of the run store admission needs.
type Store interface {
	CountIncomplete(ctx context.Context, owner string) (int64, error)
	CurrentRun(ctx context.Context, owner string) (models.Run, error)
}

// Decision is the admission outcome. When Allowed is false, Existing holds
// the owner's current run for the conflict response.
type Decision struct {
	Allowed  bool
	Existing *models.Run
}

// Check admits or rejects a submission for the owner. A limit of zero or
// less always admits. The incomplete count and current-run lookup run in
// parallel; if the count hits the limit but no current run remains, the
// owner's runs all completed between the two reads and the submission is
// admitted.
//
// The check-then-create sequence is not transactional: concurrent
// submissions from one owner can briefly exceed the limit. Accepted;
// closing the window would need distributed locking.
func Check(ctx context.Context, st Store, owner string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	var incomplete int64
	var current models.Run
	var haveCurrent bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := st.CountIncomplete(gctx, owner)
		incomplete = n
		return err
	})
	g.Go(func() error {
		run, err := st.CurrentRun(gctx, owner)
		if errors.Is(err, store.ErrRunNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current = run
		haveCurrent = true
		return nil
	})
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}

	if incomplete >= int64(limit) && haveCurrent {
		return Decision{Allowed: false, Existing: &current}, nil
	}
	return Decision{Allowed: true}, nil
}
