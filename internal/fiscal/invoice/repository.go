package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists invoices in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NextSequential atomically allocates the next 9-digit sequential for one
// establishment and emission point. The counter only moves forward, so a
// sequential is never reused even when issuance later fails.
func (r *Repository) NextSequential(ctx context.Context, establishment, emissionPoint string) (string, error) {
	var next int64
	err := r.pool.QueryRow(ctx, `INSERT INTO invoice_sequences (establishment, emission_point, last_value)
VALUES ($1, $2, 1)
ON CONFLICT (establishment, emission_point) DO UPDATE SET last_value = invoice_sequences.last_value + 1
RETURNING last_value`, establishment, emissionPoint).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("invoice: allocate sequential: %w", err)
	}
	if next > 999999999 {
		return "", errors.New("invoice: sequential range exhausted for emission point")
	}
	return fmt.Sprintf("%09d", next), nil
}

// Create stores a finalized invoice with its line items in one transaction.
func (r *Repository) Create(ctx context.Context, inv *Invoice, items []LineItem) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO invoices
(access_key, sequential, emitted_at, customer_id, customer_name, status, reason, unsigned_xml, signed_xml, attempts, subtotal, zero_rated, vat, total, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())`,
		inv.AccessKey, inv.Sequential, inv.EmittedAt, inv.CustomerID, inv.CustomerName,
		string(inv.Status), inv.Reason, inv.UnsignedXML, inv.SignedXML, inv.Attempts,
		inv.Subtotal, inv.ZeroRated, inv.VAT, inv.Total)
	if err != nil {
		return err
	}

	for _, item := range items {
		_, err = tx.Exec(ctx, `INSERT INTO invoice_items (access_key, sku, name, qty, unit_price, subtotal, vat_rate)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, inv.AccessKey, item.SKU, item.Name, item.Qty, item.UnitPrice, item.Subtotal, item.VATRate)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Get loads one invoice by access key.
func (r *Repository) Get(ctx context.Context, accessKey string) (*Invoice, error) {
	var inv Invoice
	var status string
	err := r.pool.QueryRow(ctx, `SELECT access_key, sequential, emitted_at, customer_id, customer_name, status, reason,
unsigned_xml, signed_xml, attempts, COALESCE(authorization_number,''), COALESCE(authorized_at,''),
subtotal, zero_rated, vat, total, created_at, updated_at
FROM invoices WHERE access_key = $1`, accessKey).Scan(
		&inv.AccessKey, &inv.Sequential, &inv.EmittedAt, &inv.CustomerID, &inv.CustomerName, &status, &inv.Reason,
		&inv.UnsignedXML, &inv.SignedXML, &inv.Attempts, &inv.AuthorizationNumber, &inv.AuthorizedAt,
		&inv.Subtotal, &inv.ZeroRated, &inv.VAT, &inv.Total, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	inv.Status = Status(status)
	return &inv, nil
}

// Items loads the invoice line items.
func (r *Repository) Items(ctx context.Context, accessKey string) ([]LineItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT sku, name, qty, unit_price, subtotal, vat_rate
FROM invoice_items WHERE access_key = $1 ORDER BY id ASC`, accessKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []LineItem{}
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.SKU, &it.Name, &it.Qty, &it.UnitPrice, &it.Subtotal, &it.VATRate); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// List returns recent invoices, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT access_key, sequential, emitted_at, customer_id, customer_name, status, reason, attempts, subtotal, zero_rated, vat, total, created_at, updated_at
FROM invoices ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Invoice{}
	for rows.Next() {
		var inv Invoice
		var status string
		if err := rows.Scan(&inv.AccessKey, &inv.Sequential, &inv.EmittedAt, &inv.CustomerID, &inv.CustomerName, &status, &inv.Reason, &inv.Attempts, &inv.Subtotal, &inv.ZeroRated, &inv.VAT, &inv.Total, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		inv.Status = Status(status)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// SetSigned stores the signed payload exactly once and moves the document to
// SIGNED. A second call is a no-op failure so the payload stays immutable.
func (r *Repository) SetSigned(ctx context.Context, accessKey string, signedXML []byte) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET signed_xml = $2, status = $3, updated_at = NOW()
WHERE access_key = $1 AND status = $4 AND signed_xml IS NULL`, accessKey, signedXML, string(StatusSigned), string(StatusDraft))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice: signed payload already set or wrong state for %s", accessKey)
	}
	return nil
}

// UpdateStatus moves the document to a new state, guarding terminal states at
// the database level.
func (r *Repository) UpdateStatus(ctx context.Context, accessKey string, status Status, reason string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET status = $2, reason = $3, updated_at = NOW()
WHERE access_key = $1 AND status NOT IN ($4, $5, $6)`,
		accessKey, string(status), reason,
		string(StatusAuthorized), string(StatusRejected), string(StatusAbandoned))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// IncrementAttempts bumps the submission attempt counter and returns it.
func (r *Repository) IncrementAttempts(ctx context.Context, accessKey string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `UPDATE invoices SET attempts = attempts + 1, updated_at = NOW()
WHERE access_key = $1 RETURNING attempts`, accessKey).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return attempts, nil
}

// SetAuthorization records the authority's verdict metadata and finishes the
// document as AUTHORIZED.
func (r *Repository) SetAuthorization(ctx context.Context, accessKey, number, authorizedAt string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET status = $2, reason = '', authorization_number = $3, authorized_at = $4, updated_at = NOW()
WHERE access_key = $1 AND status NOT IN ($5, $6)`,
		accessKey, string(StatusAuthorized), number, authorizedAt,
		string(StatusRejected), string(StatusAbandoned))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// Recoverable lists access keys stuck in a retryable state, oldest first.
// The background sweep re-drives these.
func (r *Repository) Recoverable(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT access_key FROM invoices
WHERE status IN ($1, $2, $3)
ORDER BY updated_at ASC LIMIT $4`,
		string(StatusSigned), string(StatusSubmitted), string(StatusAuthorityError), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
