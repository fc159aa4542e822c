// Package document models the electronic invoice in the authority's wire
// format. The XML element names are fixed by the authority's schema; the Go
// side stays strongly typed and is built through a single entry point.
package document

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"time"
)

// Codes fixed by the authority.
const (
	TaxCodeVAT      = "2"
	CurrencyUSD     = "DOLAR"
	FinalConsumerID = "9999999999999"

	BuyerIDTypeRUC           = "04"
	BuyerIDTypeNationalID    = "05"
	BuyerIDTypePassport      = "06"
	BuyerIDTypeFinalConsumer = "07"
)

// ErrInvalidDraft indicates the draft cannot become a legal document.
var ErrInvalidDraft = errors.New("document: invalid draft")

// Issuer identifies the taxpayer emitting the document.
type Issuer struct {
	RUC             string
	LegalName       string
	TradeName       string
	HeadOffice      string
	Establishment   string
	EmissionPoint   string
	Environment     int
	KeepsAccounting bool
}

// Buyer identifies the customer the document is issued to.
type Buyer struct {
	Identification string
	Name           string
	Address        string
	Email          string
	Phone          string
}

// Line is one billed item.
type Line struct {
	SKU         string
	Description string
	Qty         float64
	UnitPrice   float64
	VATRateCode string // authority percentage code: "0", "2", "4", "5"
	VATRate     float64
}

// Payment describes how the invoice is settled.
type Payment struct {
	Method   string // authority payment method code, e.g. "01" cash
	Term     string
	TermUnit string
}

// Totals summarises the monetary outcome of a build.
type Totals struct {
	WithoutTaxes float64
	ZeroRated    float64
	TaxedBase    float64
	VAT          float64
	Grand        float64
}

// Invoice is the root wire element.
type Invoice struct {
	XMLName    xml.Name         `xml:"factura"`
	ID         string           `xml:"id,attr"`
	Version    string           `xml:"version,attr"`
	TaxInfo    TaxInfo          `xml:"infoTributaria"`
	Info       Info             `xml:"infoFactura"`
	Details    []Detail         `xml:"detalles>detalle"`
	Additional []AdditionalItem `xml:"infoAdicional>campoAdicional,omitempty"`
}

// TaxInfo carries the issuer identification block.
type TaxInfo struct {
	Environment   string `xml:"ambiente"`
	EmissionType  string `xml:"tipoEmision"`
	LegalName     string `xml:"razonSocial"`
	TradeName     string `xml:"nombreComercial,omitempty"`
	RUC           string `xml:"ruc"`
	AccessKey     string `xml:"claveAcceso"`
	DocType       string `xml:"codDoc"`
	Establishment string `xml:"estab"`
	EmissionPoint string `xml:"ptoEmi"`
	Sequential    string `xml:"secuencial"`
	HeadOffice    string `xml:"dirMatriz"`
}

// Info carries the invoice body header.
type Info struct {
	EmissionDate    string     `xml:"fechaEmision"`
	BranchAddress   string     `xml:"dirEstablecimiento,omitempty"`
	KeepsAccounting string     `xml:"obligadoContabilidad,omitempty"`
	BuyerIDType     string     `xml:"tipoIdentificacionComprador"`
	BuyerName       string     `xml:"razonSocialComprador"`
	BuyerID         string     `xml:"identificacionComprador"`
	BuyerAddress    string     `xml:"direccionComprador,omitempty"`
	TotalWithoutTax float64    `xml:"totalSinImpuestos"`
	TotalDiscount   float64    `xml:"totalDescuento"`
	TaxTotals       []TaxTotal `xml:"totalConImpuestos>totalImpuesto"`
	Tip             float64    `xml:"propina"`
	GrandTotal      float64    `xml:"importeTotal"`
	Currency        string     `xml:"moneda"`
	Payments        []PayEntry `xml:"pagos>pago"`
}

// TaxTotal aggregates one tax rate over the whole document.
type TaxTotal struct {
	Code           string  `xml:"codigo"`
	PercentageCode string  `xml:"codigoPorcentaje"`
	Base           float64 `xml:"baseImponible"`
	Value          float64 `xml:"valor"`
}

// Detail is one line item on the wire.
type Detail struct {
	MainCode        string  `xml:"codigoPrincipal"`
	Description     string  `xml:"descripcion"`
	Qty             float64 `xml:"cantidad"`
	UnitPrice       float64 `xml:"precioUnitario"`
	Discount        float64 `xml:"descuento"`
	TotalWithoutTax float64 `xml:"precioTotalSinImpuesto"`
	Taxes           []Tax   `xml:"impuestos>impuesto"`
}

// Tax is one tax applied to a detail line.
type Tax struct {
	Code           string  `xml:"codigo"`
	PercentageCode string  `xml:"codigoPorcentaje"`
	Rate           float64 `xml:"tarifa"`
	Base           float64 `xml:"baseImponible"`
	Value          float64 `xml:"valor"`
}

// PayEntry is one payment method entry.
type PayEntry struct {
	Method   string `xml:"formaPago"`
	Total    float64 `xml:"total"`
	Term     string `xml:"plazo,omitempty"`
	TermUnit string `xml:"unidadTiempo,omitempty"`
}

// AdditionalItem is a free-form name/value pair appended to the document.
type AdditionalItem struct {
	Name  string `xml:"nombre,attr"`
	Value string `xml:",chardata"`
}

// Round2 rounds to two decimals the way the authority expects monetary
// amounts to be aggregated.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// BuyerIDTypeFor infers the authority's buyer identification type code.
func BuyerIDTypeFor(id string) string {
	switch {
	case id == FinalConsumerID:
		return BuyerIDTypeFinalConsumer
	case len(id) == 13:
		return BuyerIDTypeRUC
	case len(id) == 10:
		return BuyerIDTypeNationalID
	default:
		return BuyerIDTypePassport
	}
}

type rateBucket struct {
	base  float64
	value float64
	rate  float64
}

// Build assembles the wire document from its typed parts. The access key and
// sequential are stamped by the caller; Build never mutates them.
func Build(issuer Issuer, buyer Buyer, lines []Line, payment Payment, accessKey, sequential string, emittedAt time.Time) (*Invoice, Totals, error) {
	if len(lines) == 0 {
		return nil, Totals{}, fmt.Errorf("%w: at least one line item required", ErrInvalidDraft)
	}
	if buyer.Identification == "" || buyer.Name == "" {
		return nil, Totals{}, fmt.Errorf("%w: buyer identification and name required", ErrInvalidDraft)
	}

	var details []Detail
	buckets := make(map[string]rateBucket)
	for i, line := range lines {
		if line.SKU == "" {
			return nil, Totals{}, fmt.Errorf("%w: line %d missing SKU", ErrInvalidDraft, i+1)
		}
		if line.Qty <= 0 || line.UnitPrice < 0 {
			return nil, Totals{}, fmt.Errorf("%w: line %d has invalid quantity or price", ErrInvalidDraft, i+1)
		}
		base := Round2(line.Qty * line.UnitPrice)
		vat := Round2(base * line.VATRate / 100)

		details = append(details, Detail{
			MainCode:        line.SKU,
			Description:     line.Description,
			Qty:             line.Qty,
			UnitPrice:       line.UnitPrice,
			Discount:        0,
			TotalWithoutTax: base,
			Taxes: []Tax{{
				Code:           TaxCodeVAT,
				PercentageCode: line.VATRateCode,
				Rate:           line.VATRate,
				Base:           base,
				Value:          vat,
			}},
		})

		b := buckets[line.VATRateCode]
		b.base = Round2(b.base + base)
		b.value = Round2(b.value + vat)
		b.rate = line.VATRate
		buckets[line.VATRateCode] = b
	}

	var totals Totals
	var taxTotals []TaxTotal
	for code, b := range buckets {
		taxTotals = append(taxTotals, TaxTotal{
			Code:           TaxCodeVAT,
			PercentageCode: code,
			Base:           b.base,
			Value:          b.value,
		})
		totals.WithoutTaxes += b.base
		totals.VAT += b.value
		if code == "0" {
			totals.ZeroRated += b.base
		} else {
			totals.TaxedBase += b.base
		}
	}
	totals.WithoutTaxes = Round2(totals.WithoutTaxes)
	totals.VAT = Round2(totals.VAT)
	totals.ZeroRated = Round2(totals.ZeroRated)
	totals.TaxedBase = Round2(totals.TaxedBase)
	totals.Grand = Round2(totals.WithoutTaxes + totals.VAT)

	keepsAccounting := "NO"
	if issuer.KeepsAccounting {
		keepsAccounting = "SI"
	}
	branch := issuer.HeadOffice
	if branch == "" {
		branch = issuer.LegalName
	}
	if payment.Method == "" {
		payment.Method = "01"
	}

	inv := &Invoice{
		ID:      "comprobante",
		Version: "1.1.0",
		TaxInfo: TaxInfo{
			Environment:   fmt.Sprintf("%d", issuer.Environment),
			EmissionType:  "1",
			LegalName:     issuer.LegalName,
			TradeName:     issuer.TradeName,
			RUC:           issuer.RUC,
			AccessKey:     accessKey,
			DocType:       "01",
			Establishment: issuer.Establishment,
			EmissionPoint: issuer.EmissionPoint,
			Sequential:    sequential,
			HeadOffice:    branch,
		},
		Info: Info{
			EmissionDate:    emittedAt.Format("02/01/2006"),
			BranchAddress:   branch,
			KeepsAccounting: keepsAccounting,
			BuyerIDType:     BuyerIDTypeFor(buyer.Identification),
			BuyerName:       buyer.Name,
			BuyerID:         buyer.Identification,
			BuyerAddress:    buyer.Address,
			TotalWithoutTax: totals.WithoutTaxes,
			TotalDiscount:   0,
			TaxTotals:       taxTotals,
			Tip:             0,
			GrandTotal:      totals.Grand,
			Currency:        CurrencyUSD,
			Payments: []PayEntry{{
				Method:   payment.Method,
				Total:    totals.Grand,
				Term:     payment.Term,
				TermUnit: payment.TermUnit,
			}},
		},
		Details: details,
	}

	if buyer.Email != "" {
		inv.Additional = append(inv.Additional, AdditionalItem{Name: "Email", Value: buyer.Email})
	}
	if buyer.Phone != "" {
		inv.Additional = append(inv.Additional, AdditionalItem{Name: "Telefono", Value: buyer.Phone})
	}
	if buyer.Address != "" {
		inv.Additional = append(inv.Additional, AdditionalItem{Name: "Direccion", Value: buyer.Address})
	}

	return inv, totals, nil
}

// XML serialises the document, prepending the standard XML declaration.
func (inv *Invoice) XML() ([]byte, error) {
	out, err := xml.MarshalIndent(inv, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("document: marshal: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
