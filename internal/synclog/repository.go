package synclog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists log entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append implements Store. The insert either lands or the caller sees a
// PersistenceError; there is no partial write.
func (r *Repository) Append(ctx context.Context, entry Entry) error {
	if r == nil {
		return &PersistenceError{Err: errors.New("repository not initialised")}
	}
	if entry.Action == "" || entry.Status == "" {
		return &PersistenceError{Err: errors.New("entry requires action and status")}
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO sync_log (access_key, action, status, detail, request, response, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, entry.AccessKey, entry.Action, entry.Status, entry.Detail, entry.Request, entry.Response, at)
	if err != nil {
		return &PersistenceError{Err: err}
	}
	return nil
}

// ByAccessKey implements Store.
func (r *Repository) ByAccessKey(ctx context.Context, accessKey string, limit int) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("synclog repository not initialised")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, access_key, action, status, detail, request, response, occurred_at
FROM sync_log
WHERE access_key = $1
ORDER BY occurred_at ASC, id ASC
LIMIT $2`, accessKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AccessKey, &e.Action, &e.Status, &e.Detail, &e.Request, &e.Response, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
