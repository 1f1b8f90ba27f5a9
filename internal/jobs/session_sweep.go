package jobs

import (
	"context"
	"log"
	"time"

	"rollcall/internal/config"
	"rollcall/internal/db"
)

// StartSessionSweep periodically deactivates sessions whose precomputed
// end time has elapsed. A session's duration never deactivates it by
// itself; this sweep (or an explicit end) does.
func StartSessionSweep(ctx context.Context, cfg config.Config, store *db.Store) {
	if !cfg.SessionSweepEnabled {
		return
	}
	interval := cfg.SessionSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.SessionSweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				closed, err := store.Queries.CloseExpiredSessions(tickCtx, time.Now().UTC())
				cancel()
				if err != nil {
					log.Printf("session sweep error: %v", err)
					continue
				}
				if closed > 0 {
					log.Printf("session sweep closed %d sessions", closed)
				}
			}
		}
	}()
}
