package stock

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RepositoryPort is what the service requires from persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Create(ctx context.Context, p Product) error
	BySKU(ctx context.Context, sku string) (Product, error)
	ByBarcode(ctx context.Context, code string) (Product, error)
	Search(ctx context.Context, term string, limit int) ([]Product, error)
	LowStock(ctx context.Context) ([]Product, error)
}

// Service owns catalog mutations and quantity adjustments.
type Service struct {
	repo     RepositoryPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, validate: validator.New(validator.WithRequiredStructEnabled()), logger: logger}
}

// Create adds a catalog entry.
func (s *Service) Create(ctx context.Context, in NewProduct) (Product, error) {
	if err := s.validate.Struct(in); err != nil {
		return Product{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p := Product{
		ID:       uuid.NewString(),
		SKU:      in.SKU,
		Barcode:  in.Barcode,
		Name:     in.Name,
		Price:    in.Price,
		VATCode:  in.VATCode,
		VATRate:  in.VATRate,
		Qty:      in.Qty,
		MinQty:   in.MinQty,
		Location: in.Location,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return Product{}, err
	}
	s.logger.Info("product created", "sku", p.SKU)
	return s.repo.BySKU(ctx, p.SKU)
}

// Get loads one product by SKU.
func (s *Service) Get(ctx context.Context, sku string) (Product, error) {
	return s.repo.BySKU(ctx, sku)
}

// Lookup resolves a scanned code to a product, by barcode first.
func (s *Service) Lookup(ctx context.Context, code string) (Product, error) {
	return s.repo.ByBarcode(ctx, code)
}

// Search lists catalog entries matching the term, diacritics ignored.
func (s *Service) Search(ctx context.Context, term string, limit int) ([]Product, error) {
	return s.repo.Search(ctx, term, limit)
}

// LowStock lists products at or under their minimum threshold.
func (s *Service) LowStock(ctx context.Context) ([]Product, error) {
	return s.repo.LowStock(ctx)
}

// Adjust applies one stock mutation under a row lock. ModeSet stores the
// absolute quantity; ModeDelta shifts it and clamps at zero, since handheld
// counts routinely race a few seconds behind the till. A non-empty location
// relabels where the product is shelved in the same transaction.
func (s *Service) Adjust(ctx context.Context, sku, mode string, qty float64, location string) (Product, error) {
	if mode != ModeSet && mode != ModeDelta {
		return Product{}, fmt.Errorf("%w: unknown adjustment mode %q", ErrValidation, mode)
	}
	if mode == ModeSet && qty < 0 {
		return Product{}, fmt.Errorf("%w: absolute quantity cannot be negative", ErrValidation)
	}

	var out Product
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, sku)
		if err != nil {
			return err
		}
		next := qty
		if mode == ModeDelta {
			next = p.Qty + qty
			if next < 0 {
				next = 0
			}
		}
		if err := tx.SetQty(ctx, sku, next); err != nil {
			return err
		}
		p.Qty = next
		if location != "" {
			if err := tx.SetLocation(ctx, sku, location); err != nil {
				return err
			}
			p.Location = location
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	if out.LowOnStock() {
		s.logger.Warn("product at or under minimum stock", "sku", out.SKU, "qty", out.Qty, "min_qty", out.MinQty)
	}
	return out, nil
}

// Deduct consumes quantity for a completed sale line, clamping at zero.
func (s *Service) Deduct(ctx context.Context, sku string, qty float64) (Product, error) {
	if qty <= 0 {
		return Product{}, fmt.Errorf("%w: deduction must be positive", ErrValidation)
	}
	return s.Adjust(ctx, sku, ModeDelta, -qty, "")
}
