package harmonize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/model"
)

// Data-shape errors. A record failing Validate is skipped and counted, it
// never fails the run.
var (
	ErrMissingVendor = eris.New("harmonize: missing vendor")
	ErrMissingCode   = eris.New("harmonize: missing supplier code")
	ErrInvalidDate   = eris.New("harmonize: missing or invalid effective date")
)

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2006/01/02",
	"20060102",
	"02/01/06",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseDate parses an effective date in any of the layouts suppliers use.
// Day-first layouts win over month-first ones.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidDate
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, eris.Wrapf(ErrInvalidDate, "harmonize: parse date %q", raw)
}

// NaturalKey builds the catalog identity of a price line.
func NaturalKey(supplierCode string, date time.Time) string {
	return strings.TrimSpace(supplierCode) + "_" + date.Format("2006-01-02")
}

// Validate checks the fields without which a record cannot be keyed and
// returns its natural key.
func Validate(rec model.RawRecord) (string, error) {
	if strings.TrimSpace(rec.Vendor) == "" {
		return "", ErrMissingVendor
	}
	if strings.TrimSpace(rec.SupplierCode) == "" {
		return "", ErrMissingCode
	}
	date, err := ParseDate(rec.EffectiveDate)
	if err != nil {
		return "", err
	}
	return NaturalKey(rec.SupplierCode, date), nil
}

var priceJunk = strings.NewReplacer("€", "", "EUR", "", "eur", "", " ", "", " ", "", "/KG", "", "/kg", "")

// ParsePrice reads a supplier price. Decimal commas and currency suffixes are
// accepted; anything unparseable yields nil rather than an error.
func ParsePrice(raw string) *float64 {
	s := priceJunk.Replace(strings.TrimSpace(raw))
	if s == "" {
		return nil
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

var (
	sizeDecimalComma = regexp.MustCompile(`(\d),(\d)`)
	sizeSlashPlus    = regexp.MustCompile(`(\d+)/\+`)
	sizeLeadingPlus  = regexp.MustCompile(`^\+(\d+)$`)
)

// NormalizeSize unifies calibre notation: "1,5" becomes "1.5", "500/+"
// becomes "500+" and "+2" becomes "2+".
func NormalizeSize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = sizeDecimalComma.ReplaceAllString(s, "$1.$2")
	s = sizeSlashPlus.ReplaceAllString(s, "$1+")
	s = sizeLeadingPlus.ReplaceAllString(s, "$1+")
	return s
}
