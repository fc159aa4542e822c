package stock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// memRepo serializes transactions with one mutex, mirroring the row lock the
// SQL implementation takes.
type memRepo struct {
	mu       sync.Mutex
	products map[string]Product
}

func newMemRepo() *memRepo {
	return &memRepo{products: map[string]Product{}}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, (*memTx)(r))
}

type memTx memRepo

func (t *memTx) GetForUpdate(_ context.Context, sku string) (Product, error) {
	p, ok := t.products[sku]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) SetQty(_ context.Context, sku string, qty float64) error {
	p, ok := t.products[sku]
	if !ok {
		return ErrNotFound
	}
	p.Qty = qty
	t.products[sku] = p
	return nil
}

func (t *memTx) SetLocation(_ context.Context, sku, location string) error {
	p, ok := t.products[sku]
	if !ok {
		return ErrNotFound
	}
	p.Location = location
	t.products[sku] = p
	return nil
}

func (r *memRepo) Create(_ context.Context, p Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.products[p.SKU]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSKU, p.SKU)
	}
	r.products[p.SKU] = p
	return nil
}

func (r *memRepo) BySKU(_ context.Context, sku string) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[sku]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (r *memRepo) ByBarcode(_ context.Context, code string) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.products {
		if p.Barcode == code || p.SKU == code {
			return p, nil
		}
	}
	return Product{}, ErrNotFound
}

func (r *memRepo) Search(_ context.Context, term string, _ int) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	folded := Fold(term)
	out := []Product{}
	for _, p := range r.products {
		if folded == "" || strings.Contains(Fold(p.Name), folded) || strings.Contains(Fold(p.SKU), folded) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memRepo) LowStock(_ context.Context) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Product{}
	for _, p := range r.products {
		if p.LowOnStock() {
			out = append(out, p)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, logger), repo
}

func seedProduct(t *testing.T, svc *Service, sku string, qty float64) Product {
	t.Helper()
	p, err := svc.Create(context.Background(), NewProduct{
		SKU: sku, Name: "Azúcar morena 1kg", Price: 1.8, VATCode: "0", Qty: qty,
	})
	require.NoError(t, err)
	return p
}

func TestCreateDuplicateSKU(t *testing.T) {
	svc, _ := newTestService(t)
	seedProduct(t, svc, "AZU-001", 10)

	_, err := svc.Create(context.Background(), NewProduct{SKU: "AZU-001", Name: "Otro", Price: 1, VATCode: "0"})
	require.ErrorIs(t, err, ErrDuplicateSKU)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Create(context.Background(), NewProduct{SKU: "", Name: "x", Price: 1, VATCode: "0"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(context.Background(), NewProduct{SKU: "A", Name: "x", Price: -1, VATCode: "0"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(context.Background(), NewProduct{SKU: "A", Name: "x", Price: 1, VATCode: "9"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestAdjustSetAndDelta(t *testing.T) {
	svc, _ := newTestService(t)
	seedProduct(t, svc, "AZU-001", 0)

	p, err := svc.Adjust(context.Background(), "AZU-001", ModeSet, 5, "")
	require.NoError(t, err)
	require.Equal(t, 5.0, p.Qty)

	p, err = svc.Adjust(context.Background(), "AZU-001", ModeDelta, -2, "")
	require.NoError(t, err)
	require.Equal(t, 3.0, p.Qty)

	// Deltas clamp at zero instead of going negative.
	p, err = svc.Adjust(context.Background(), "AZU-001", ModeDelta, -10, "")
	require.NoError(t, err)
	require.Equal(t, 0.0, p.Qty)

	_, err = svc.Adjust(context.Background(), "AZU-001", ModeSet, -1, "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Adjust(context.Background(), "AZU-001", "swap", 1, "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Adjust(context.Background(), "NOPE", ModeSet, 1, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdjustUpdatesLocation(t *testing.T) {
	svc, _ := newTestService(t)
	p, err := svc.Create(context.Background(), NewProduct{
		SKU: "HAR-001", Name: "Harina", Price: 1.2, VATCode: "0", Qty: 10, Location: "bodega-2",
	})
	require.NoError(t, err)
	require.Equal(t, "bodega-2", p.Location)

	// Relabeling travels with the adjustment.
	p, err = svc.Adjust(context.Background(), "HAR-001", ModeDelta, 5, "percha-4")
	require.NoError(t, err)
	require.Equal(t, 15.0, p.Qty)
	require.Equal(t, "percha-4", p.Location)

	// Omitting the location leaves the shelf label alone.
	p, err = svc.Adjust(context.Background(), "HAR-001", ModeSet, 8, "")
	require.NoError(t, err)
	require.Equal(t, "percha-4", p.Location)
}

func TestAdjustConcurrentDeltas(t *testing.T) {
	svc, _ := newTestService(t)
	seedProduct(t, svc, "AZU-001", 0)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := svc.Adjust(context.Background(), "AZU-001", ModeDelta, 2, "")
			return err
		})
	}
	require.NoError(t, g.Wait())

	p, err := svc.Get(context.Background(), "AZU-001")
	require.NoError(t, err)
	require.Equal(t, 100.0, p.Qty, "concurrent deltas must all land")
}

func TestSearchFoldsDiacritics(t *testing.T) {
	svc, _ := newTestService(t)
	seedProduct(t, svc, "AZU-001", 10)

	for _, term := range []string{"azucar", "AZÚCAR", "Azúcar", "azu"} {
		got, err := svc.Search(context.Background(), term, 10)
		require.NoError(t, err)
		require.Len(t, got, 1, "term %q", term)
	}

	got, err := svc.Search(context.Background(), "harina", 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDeductAndLowStock(t *testing.T) {
	svc, _ := newTestService(t)
	p, err := svc.Create(context.Background(), NewProduct{
		SKU: "CAF-001", Name: "Café molido", Price: 10, VATCode: "4", VATRate: 15, Qty: 6, MinQty: 5,
	})
	require.NoError(t, err)
	require.False(t, p.LowOnStock())

	p, err = svc.Deduct(context.Background(), "CAF-001", 2)
	require.NoError(t, err)
	require.Equal(t, 4.0, p.Qty)
	require.True(t, p.LowOnStock())

	low, err := svc.LowStock(context.Background())
	require.NoError(t, err)
	require.Len(t, low, 1)

	_, err = svc.Deduct(context.Background(), "CAF-001", 0)
	require.ErrorIs(t, err, ErrValidation)
}
