package directory

import (
	"context"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/metrics"
)

// DefaultAttempts bounds the compare-and-reconcile loop
const DefaultAttempts = 3

// Reconcile runs fn until it succeeds, fails with something other than a
// conflict, or attempts run out. fn must re-read the backend state it depends
// on every time it is called.
func Reconcile(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn(ctx)
		if err == nil || !IsConflict(err) {
			return err
		}
		metrics.Conflicts.Inc()
		log.G(ctx).WithError(err).WithField("attempt", i+1).Debug("conflict, reconciling")
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
