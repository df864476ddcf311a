package repo

import (
	"context"

	"karmaline/internal/domain"
)

func scanEvents(ctx context.Context, r Repo, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Account, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventCols = `id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(account,''),COALESCE(payload_json,'')`

// LatestEvents returns up to limit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	return scanEvents(ctx, r, `SELECT `+eventCols+` FROM events ORDER BY id DESC LIMIT ?`, limit)
}

// EventsAfter returns up to limit events with id greater than after, oldest
// first. Callers page by passing the last id they saw.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	return scanEvents(ctx, r, `SELECT `+eventCols+` FROM events WHERE id>? ORDER BY id LIMIT ?`, after, limit)
}

// EntityEvents returns the full history for one entity, oldest first.
func (r Repo) EntityEvents(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	return scanEvents(ctx, r, `SELECT `+eventCols+` FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id`, entityKind, entityID)
}
