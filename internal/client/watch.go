package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/atinyakov/GophPass/internal/models"
)

// WatchSync polls the sync state every interval and prints it whenever the
// status changes, until ctx is cancelled.
func WatchSync(ctx context.Context, c *Client, interval time.Duration, out io.Writer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last models.SyncStatus
	for {
		st, err := c.SyncStatus(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			fmt.Fprintln(out, "sync status error:", err)
		case err == nil && st.Status != last:
			last = st.Status
			fmt.Fprintln(out, FormatSyncState(st))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// FormatSyncState renders a one-line summary.
func FormatSyncState(st models.SyncState) string {
	s := "sync: " + string(st.Status)
	if st.Reason != "" {
		s += " (" + st.Reason + ")"
	}
	if st.LastCommitID != "" {
		id := st.LastCommitID
		if len(id) > 8 {
			id = id[:8]
		}
		s += " at " + id
	}
	if st.NextAttemptAt != nil {
		s += ", retry at " + st.NextAttemptAt.Format(time.RFC3339)
	}
	return s
}
