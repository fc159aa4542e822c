package invoice

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/quipu-pos/quipu/internal/fiscal/accesskey"
	"github.com/quipu-pos/quipu/internal/fiscal/document"
)

// Maximum grand total for a sale issued to the anonymous final consumer.
// Above this the authority requires an identified buyer.
const finalConsumerCap = 50.0

// Grand total at which the authority bars cash payment in production. Sales
// at or above this must move through the financial system.
const cashPaymentCap = 1000.0

const paymentMethodCash = "01"

// Store is the persistence the service depends on.
type Store interface {
	NextSequential(ctx context.Context, establishment, emissionPoint string) (string, error)
	Create(ctx context.Context, inv *Invoice, items []LineItem) error
	Get(ctx context.Context, accessKey string) (*Invoice, error)
	Items(ctx context.Context, accessKey string) ([]LineItem, error)
	List(ctx context.Context, limit int) ([]Invoice, error)
}

// Submitter drives a persisted document through the authority round-trip.
type Submitter interface {
	Submit(ctx context.Context, accessKey string) (*Invoice, error)
	Cancel(ctx context.Context, accessKey string) (*Invoice, error)
}

// Service issues fiscal documents: it validates the draft, allocates the
// sequential, stamps the access key, renders the unsigned payload, and hands
// the persisted document to the submitter.
type Service struct {
	store     Store
	submitter Submitter
	validate  *validator.Validate
	issuer    document.Issuer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs Service.
func NewService(store Store, submitter Submitter, issuer document.Issuer, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		submitter: submitter,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		issuer:    issuer,
		logger:    logger,
		now:       time.Now,
	}
}

// Issue finalizes a draft and runs the first submission pass. The returned
// invoice reflects how far the pass got; transport trouble shows up as
// AUTHORITY_ERROR with a retry already scheduled, not as an error here.
func (s *Service) Issue(ctx context.Context, draft Draft) (*Invoice, error) {
	if err := s.validate.Struct(draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	emittedAt := s.now()
	buyer := document.Buyer{
		Identification: draft.CustomerID,
		Name:           draft.CustomerName,
		Address:        draft.CustomerAddress,
		Email:          draft.CustomerEmail,
		Phone:          draft.CustomerPhone,
	}
	lines := make([]document.Line, 0, len(draft.Items))
	for _, it := range draft.Items {
		lines = append(lines, document.Line{
			SKU:         it.SKU,
			Description: it.Name,
			Qty:         it.Qty,
			UnitPrice:   it.Price,
			VATRateCode: it.VATCode,
			VATRate:     it.VATRate,
		})
	}
	payment := document.Payment{Method: draft.PaymentMethod, Term: draft.PaymentTerm, TermUnit: draft.PaymentTermUnit}
	if payment.Method == "" {
		payment.Method = paymentMethodCash
	}

	sequential, err := s.store.NextSequential(ctx, s.issuer.Establishment, s.issuer.EmissionPoint)
	if err != nil {
		return nil, err
	}

	code, err := numericCode()
	if err != nil {
		return nil, err
	}
	key, err := accesskey.Fields{
		EmissionDate:  emittedAt,
		DocType:       accesskey.DocTypeInvoice,
		RUC:           s.issuer.RUC,
		Environment:   s.issuer.Environment,
		Establishment: s.issuer.Establishment,
		EmissionPoint: s.issuer.EmissionPoint,
		Sequential:    sequential,
		NumericCode:   code,
		EmissionType:  accesskey.EmissionNormal,
	}.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	wire, totals, err := document.Build(s.issuer, buyer, lines, payment, key, sequential, emittedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if draft.CustomerID == document.FinalConsumerID && totals.Grand > finalConsumerCap {
		return nil, fmt.Errorf("%w: final consumer sales cannot exceed $%.2f, identify the buyer", ErrValidation, finalConsumerCap)
	}
	// Environment 2 is production; the test environment accepts anything.
	if s.issuer.Environment == 2 && payment.Method == paymentMethodCash && totals.Grand >= cashPaymentCap {
		return nil, fmt.Errorf("%w: sales of $%.2f or more cannot use payment method %s, pay through the financial system", ErrValidation, cashPaymentCap, paymentMethodCash)
	}

	unsigned, err := wire.XML()
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		AccessKey:    key,
		Sequential:   sequential,
		EmittedAt:    emittedAt,
		CustomerID:   draft.CustomerID,
		CustomerName: draft.CustomerName,
		Status:       StatusDraft,
		UnsignedXML:  unsigned,
		Subtotal:     totals.WithoutTaxes,
		ZeroRated:    totals.ZeroRated,
		VAT:          totals.VAT,
		Total:        totals.Grand,
	}
	items := make([]LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, LineItem{
			SKU:       l.SKU,
			Name:      l.Description,
			Qty:       l.Qty,
			UnitPrice: l.UnitPrice,
			Subtotal:  document.Round2(l.Qty * l.UnitPrice),
			VATRate:   l.VATRate,
		})
	}
	if err := s.store.Create(ctx, inv, items); err != nil {
		return nil, err
	}
	s.logger.Info("invoice issued", "access_key", key, "sequential", sequential, "total", totals.Grand)

	if s.submitter == nil {
		return inv, nil
	}
	out, err := s.submitter.Submit(ctx, key)
	if err != nil {
		// The document is persisted; the sweep will pick it up.
		s.logger.Warn("initial submission pass failed", "access_key", key, "error", err)
		return inv, nil
	}
	return out, nil
}

// Get returns one invoice with its line items.
func (s *Service) Get(ctx context.Context, accessKey string) (*Invoice, []LineItem, error) {
	inv, err := s.store.Get(ctx, accessKey)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.Items(ctx, accessKey)
	if err != nil {
		return nil, nil, err
	}
	return inv, items, nil
}

// List returns recent invoices.
func (s *Service) List(ctx context.Context, limit int) ([]Invoice, error) {
	return s.store.List(ctx, limit)
}

// Retry re-drives a non-terminal invoice through the submitter.
func (s *Service) Retry(ctx context.Context, accessKey string) (*Invoice, error) {
	if s.submitter == nil {
		return nil, errors.New("invoice: no submitter configured")
	}
	return s.submitter.Submit(ctx, accessKey)
}

// Cancel abandons a non-terminal invoice.
func (s *Service) Cancel(ctx context.Context, accessKey string) (*Invoice, error) {
	if s.submitter == nil {
		return nil, errors.New("invoice: no submitter configured")
	}
	return s.submitter.Cancel(ctx, accessKey)
}

// numericCode draws the 8-digit security code stamped into the access key.
func numericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}
