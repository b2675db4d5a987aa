// Package schema wraps the SchemaRegistry collaborator with the
// cooperative-sleep polling loop the delegator's pre-flight needs
// (spec §4.E, §5 "wait_until_schema_available").
package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/KaiSernLim/venice/internal/spi"
)

// ErrSchemaTimeout is returned when a schema id never becomes known within
// the configured polling timeout (spec §7 error #4).
var ErrSchemaTimeout = fmt.Errorf("schema did not become available within timeout")

// WaitUntilAvailable polls registry.IsSchemaKnown(id) at the given delay
// until it returns true, the timeout elapses, or ctx is cancelled. This is
// a suspension point (spec §5): it sleeps, it does not spin.
func WaitUntilAvailable(ctx context.Context, registry spi.SchemaRegistry, id int32, timeout, delay time.Duration) error {
	if registry.IsSchemaKnown(id) {
		return nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if registry.IsSchemaKnown(id) {
				return nil
			}
			if now.After(deadline) {
				return ErrSchemaTimeout
			}
		}
	}
}
