package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartCeremonyCleaner deletes expired passkey ceremonies every interval
// until ctx is done.
func StartCeremonyCleaner(
	ctx context.Context,
	db *sql.DB,
	dialect Dialect,
	interval time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	query := Rebind(dialect, `DELETE FROM passkey_ceremonies WHERE expires_at < ?`)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := db.ExecContext(ctx, query, time.Now().UnixMilli())
				if err != nil {
					log.Error("failed to clean expired passkey ceremonies", zap.Error(err))
					continue
				}
				if rows, _ := res.RowsAffected(); rows > 0 {
					log.Info("cleaned expired passkey ceremonies", zap.Int64("removed", rows))
				}
			}
		}
	}()
}
