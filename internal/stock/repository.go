package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists catalog and quantities in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations that must run on one row under lock.
type TxRepository interface {
	GetForUpdate(ctx context.Context, sku string) (Product, error)
	SetQty(ctx context.Context, sku string, qty float64) error
	SetLocation(ctx context.Context, sku, location string) error
}

type txRepo struct {
	tx pgx.Tx
}

const productColumns = `id, sku, COALESCE(barcode,''), name, price, vat_code, vat_rate, qty, min_qty, COALESCE(location,''), updated_at`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Create inserts a catalog entry. A SKU collision maps to ErrDuplicateSKU.
func (r *Repository) Create(ctx context.Context, p Product) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO products (id, sku, barcode, name, search_name, price, vat_code, vat_rate, qty, min_qty, location, updated_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),NOW())`,
		p.ID, p.SKU, p.Barcode, p.Name, Fold(p.Name), p.Price, p.VATCode, p.VATRate, p.Qty, p.MinQty, p.Location)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateSKU, p.SKU)
		}
		return err
	}
	return nil
}

// BySKU loads one product by SKU.
func (r *Repository) BySKU(ctx context.Context, sku string) (Product, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE sku = $1`, sku))
}

// ByBarcode loads one product by barcode, falling back to SKU. POS scanners
// send whatever the label carries.
func (r *Repository) ByBarcode(ctx context.Context, code string) (Product, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = $1 OR sku = $1`, code))
}

// Search lists products whose folded name or SKU matches the folded term.
// An empty term lists the whole catalog up to limit.
func (r *Repository) Search(ctx context.Context, term string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 200
	}
	folded := Fold(term)
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products
WHERE $1 = '' OR search_name LIKE '%' || $1 || '%' OR LOWER(sku) LIKE '%' || $1 || '%'
ORDER BY name ASC LIMIT $2`, folded, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// LowStock lists products at or under their minimum threshold.
func (r *Repository) LowStock(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products
WHERE min_qty > 0 AND qty <= min_qty ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *Repository) scanAll(rows pgx.Rows) ([]Product, error) {
	out := []Product{}
	for rows.Next() {
		p, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) scanOne(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.Price, &p.VATCode, &p.VATRate, &p.Qty, &p.MinQty, &p.Location, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (t *txRepo) GetForUpdate(ctx context.Context, sku string) (Product, error) {
	var p Product
	err := t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE sku = $1 FOR UPDATE`, sku).
		Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.Price, &p.VATCode, &p.VATRate, &p.Qty, &p.MinQty, &p.Location, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (t *txRepo) SetQty(ctx context.Context, sku string, qty float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE products SET qty = $2, updated_at = NOW() WHERE sku = $1`, sku, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetLocation(ctx context.Context, sku, location string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE products SET location = NULLIF($2,''), updated_at = NOW() WHERE sku = $1`, sku, location)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
