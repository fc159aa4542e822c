// Package accesskey builds the 49-digit access key that uniquely names an
// electronic fiscal document, including its modulo-11 check digit.
package accesskey

import (
	"errors"
	"fmt"
	"time"
)

// Document type codes accepted by the authority.
const (
	DocTypeInvoice    = "01"
	DocTypeCreditNote = "04"
	DocTypeDebitNote  = "05"
	DocTypeRemission  = "06"
	DocTypeRetention  = "07"
)

// Emission type. Only normal emission is supported; contingency keys use a
// separate series the application does not issue.
const EmissionNormal = "1"

// ErrValidation indicates a field outside its fixed-width numeric range.
var ErrValidation = errors.New("accesskey: invalid field")

// Fields are the fixed inputs of an access key. Identical fields always
// produce an identical key, which keeps retries stable.
type Fields struct {
	EmissionDate  time.Time
	DocType       string // 2 digits
	RUC           string // 13 digits
	Environment   int    // 1 test, 2 production
	Establishment string // 3 digits
	EmissionPoint string // 3 digits
	Sequential    string // 9 digits
	NumericCode   string // 8 digits, caller-chosen security code
	EmissionType  string // 1 digit
}

// Generate returns the 49-digit access key for the given fields.
func (f Fields) Generate() (string, error) {
	if err := f.validate(); err != nil {
		return "", err
	}
	base := f.EmissionDate.Format("02012006") +
		f.DocType +
		f.RUC +
		fmt.Sprintf("%d", f.Environment) +
		f.Establishment + f.EmissionPoint +
		f.Sequential +
		f.NumericCode +
		f.EmissionType
	return fmt.Sprintf("%s%d", base, CheckDigit(base)), nil
}

func (f Fields) validate() error {
	if f.EmissionDate.IsZero() {
		return fmt.Errorf("%w: emission date required", ErrValidation)
	}
	if err := digits("document type", f.DocType, 2); err != nil {
		return err
	}
	if err := digits("ruc", f.RUC, 13); err != nil {
		return err
	}
	if f.Environment != 1 && f.Environment != 2 {
		return fmt.Errorf("%w: environment must be 1 or 2", ErrValidation)
	}
	if err := digits("establishment", f.Establishment, 3); err != nil {
		return err
	}
	if err := digits("emission point", f.EmissionPoint, 3); err != nil {
		return err
	}
	if err := digits("sequential", f.Sequential, 9); err != nil {
		return err
	}
	if err := digits("numeric code", f.NumericCode, 8); err != nil {
		return err
	}
	if err := digits("emission type", f.EmissionType, 1); err != nil {
		return err
	}
	return nil
}

func digits(name, s string, width int) error {
	if len(s) != width {
		return fmt.Errorf("%w: %s must have %d digits, got %q", ErrValidation, name, width, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return fmt.Errorf("%w: %s must be numeric, got %q", ErrValidation, name, s)
		}
	}
	return nil
}

// CheckDigit computes the authority's modulo-11 verification digit. Weights
// cycle 2..7 from the rightmost digit; the result is 11 - (sum mod 11), with
// 11 mapped to 0 and 10 mapped to 1.
func CheckDigit(key string) int {
	sum := 0
	factor := 2
	for i := len(key) - 1; i >= 0; i-- {
		sum += int(key[i]-'0') * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}

	digit := 11 - sum%11
	switch digit {
	case 11:
		return 0
	case 10:
		return 1
	default:
		return digit
	}
}

// Verify reports whether a 49-digit key is well formed and carries the
// correct check digit.
func Verify(key string) bool {
	if err := digits("access key", key, 49); err != nil {
		return false
	}
	return int(key[48]-'0') == CheckDigit(key[:48])
}
