// Package stock holds the product catalog and on-hand quantities the POS
// sells from and the mobile bridge adjusts.
package stock

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Adjustment modes accepted by Adjust.
const (
	ModeSet   = "set"
	ModeDelta = "delta"
)

// Product is one sellable catalog entry.
type Product struct {
	ID        string    `json:"id"`
	SKU       string    `json:"sku"`
	Barcode   string    `json:"barcode,omitempty"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	VATCode   string    `json:"vatCode"`
	VATRate   float64   `json:"vatRate"`
	Qty       float64   `json:"qty"`
	MinQty    float64   `json:"minQty"`
	Location  string    `json:"location,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LowOnStock reports whether the product sits at or under its threshold.
func (p Product) LowOnStock() bool {
	return p.MinQty > 0 && p.Qty <= p.MinQty
}

// NewProduct is the ingress payload for catalog creation.
type NewProduct struct {
	SKU      string  `json:"sku" validate:"required,max=64"`
	Barcode  string  `json:"barcode" validate:"omitempty,max=64"`
	Name     string  `json:"name" validate:"required,max=200"`
	Price    float64 `json:"price" validate:"gte=0"`
	VATCode  string  `json:"vatCode" validate:"required,oneof=0 2 4 5"`
	VATRate  float64 `json:"vatRate" validate:"gte=0,lte=100"`
	Qty      float64 `json:"qty" validate:"gte=0"`
	MinQty   float64 `json:"minQty" validate:"gte=0"`
	Location string  `json:"location" validate:"omitempty,max=100"`
}

// Domain errors.
var (
	// ErrNotFound indicates no product for the given SKU or barcode.
	ErrNotFound = errors.New("stock: product not found")
	// ErrDuplicateSKU indicates a catalog entry with the same SKU exists.
	ErrDuplicateSKU = errors.New("stock: duplicate sku")
	// ErrValidation indicates a rejected catalog or adjustment payload.
	ErrValidation = errors.New("stock: validation failed")
)

var foldTransform = runes.Remove(runes.In(unicode.Mn))

// Fold lowercases a search term and strips diacritics, so "azúcar" and
// "AZUCAR" hit the same rows.
func Fold(term string) string {
	stripped, _, err := transform.String(foldTransform, norm.NFD.String(term))
	if err != nil {
		stripped = term
	}
	return strings.ToLower(strings.TrimSpace(stripped))
}
