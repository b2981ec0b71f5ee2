package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) LastSynced(ctx context.Context, tenantID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		select last_synced_at from tenant_sync_marks where tenant_id = $1
	`, tenantID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return at, err
}

// MarkSynced never moves a mark backwards.
func (s *Store) MarkSynced(ctx context.Context, tenantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_sync_marks (tenant_id, last_synced_at, updated_at)
		values ($1, $2, now())
		on conflict (tenant_id) do update
		set last_synced_at = greatest(tenant_sync_marks.last_synced_at, excluded.last_synced_at),
			updated_at = now()
	`, tenantID, at)
	return mapError(err)
}
