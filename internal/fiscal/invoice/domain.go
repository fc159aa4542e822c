// Package invoice holds the fiscal document aggregate and its issuance
// service. An invoice is created when a draft is finalized; from then on only
// the submission engine mutates it, and it is never deleted.
package invoice

import (
	"errors"
	"time"
)

// Status is the submission lifecycle state of an invoice.
type Status string

const (
	// StatusDraft means the access key is stamped but the document is unsigned.
	StatusDraft Status = "DRAFT"
	// StatusSigned means the signed payload is stored and ready to transmit.
	StatusSigned Status = "SIGNED"
	// StatusSubmitted means the authority received the document and the final
	// verdict is pending.
	StatusSubmitted Status = "SUBMITTED"
	// StatusAuthorized is terminal: the authority accepted the document.
	StatusAuthorized Status = "AUTHORIZED"
	// StatusRejected is terminal: the authority definitively refused the
	// document. Re-issue with a new access key is the only way forward.
	StatusRejected Status = "REJECTED"
	// StatusAuthorityError marks a transient transport failure; the engine
	// retries from here under the backoff policy.
	StatusAuthorityError Status = "AUTHORITY_ERROR"
	// StatusAbandoned is terminal: retries exhausted or operator cancelled.
	StatusAbandoned Status = "ABANDONED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusAuthorized, StatusRejected, StatusAbandoned:
		return true
	}
	return false
}

// Invoice is one fiscal document.
type Invoice struct {
	AccessKey    string
	Sequential   string
	EmittedAt    time.Time
	CustomerID   string
	CustomerName string
	Status       Status
	// Reason carries the operator-visible explanation of a terminal failure.
	Reason      string
	UnsignedXML []byte
	SignedXML   []byte
	Attempts    int

	AuthorizationNumber string
	AuthorizedAt        string

	Subtotal  float64
	ZeroRated float64
	VAT       float64
	Total     float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LineItem is owned by its invoice and has no identity outside it.
type LineItem struct {
	SKU       string
	Name      string
	Qty       float64
	UnitPrice float64
	Subtotal  float64
	VATRate   float64
}

// Draft is the ingress payload a finalized invoice is built from. It is
// validated once here; downstream code assumes a well-formed draft.
type Draft struct {
	CustomerID      string      `json:"customerId" validate:"required,min=8,max=13"`
	CustomerName    string      `json:"customerName" validate:"required"`
	CustomerAddress string      `json:"customerAddress"`
	CustomerEmail   string      `json:"customerEmail" validate:"omitempty,email"`
	CustomerPhone   string      `json:"customerPhone"`
	PaymentMethod   string      `json:"paymentMethod" validate:"omitempty,len=2,numeric"`
	PaymentTerm     string      `json:"paymentTerm"`
	PaymentTermUnit string      `json:"paymentTermUnit"`
	Items           []DraftItem `json:"items" validate:"required,min=1,dive"`
}

// DraftItem is one requested line.
type DraftItem struct {
	SKU     string  `json:"sku" validate:"required"`
	Name    string  `json:"name" validate:"required"`
	Qty     float64 `json:"qty" validate:"required,gt=0"`
	Price   float64 `json:"price" validate:"gte=0"`
	VATCode string  `json:"vatCode" validate:"required,oneof=0 2 4 5"`
	VATRate float64 `json:"vatRate" validate:"gte=0,lte=100"`
}

// Domain errors.
var (
	// ErrNotFound indicates no invoice for the given access key.
	ErrNotFound = errors.New("invoice: not found")
	// ErrValidation indicates a draft that cannot be issued.
	ErrValidation = errors.New("invoice: validation failed")
	// ErrTerminal indicates an attempted mutation of a finished invoice.
	ErrTerminal = errors.New("invoice: document is in a terminal state")
)
