package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"listing-aggregator/models"
	"listing-aggregator/utils"
)

var (
	// priceRegexp captures the first number, allowing space/dot/comma grouping.
	priceRegexp = regexp.MustCompile(`\d[\d\s.,]*`)
	// dateRegexp captures a day.month.year posting date.
	dateRegexp = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})`)
	// freeRegexp matches price labels that mean "free".
	freeRegexp = regexp.MustCompile(`(?i)\b(tasuta|free)\b`)
)

// todayMarker is the label a posting date carries when it is from today.
const todayMarker = "Täna"

// Cleaner normalises scraped records before ingestion.
type Cleaner struct {
	logger *utils.Logger
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Cleaner{logger: logger}
}

// Clean normalises a batch, dropping records without a URL or title and
// URLs already seen earlier in the batch.
func (c *Cleaner) Clean(raw []models.RawListing) []models.RawListing {
	seen := make(map[string]struct{})
	result := make([]models.RawListing, 0, len(raw))

	for _, r := range raw {
		cleaned, ok := c.CleanOne(r)
		if !ok {
			continue
		}
		if _, dup := seen[cleaned.URL]; dup {
			c.logger.Debug("[cleaner] Duplicate URL skipped: %s", cleaned.URL)
			continue
		}
		seen[cleaned.URL] = struct{}{}
		result = append(result, cleaned)
	}

	if dropped := len(raw) - len(result); dropped > 0 {
		c.logger.Debug("[cleaner] Cleaned %d → %d listings (dropped %d)", len(raw), len(result), dropped)
	}
	return result
}

// CleanOne normalises a single record. ok is false when it must be dropped.
func (c *Cleaner) CleanOne(r models.RawListing) (models.RawListing, bool) {
	r.URL = strings.TrimSpace(r.URL)
	r.Title = NormaliseText(r.Title)
	r.Location = NormaliseText(r.Location)
	r.ThumbnailSrc = strings.TrimSpace(r.ThumbnailSrc)

	if r.URL == "" {
		c.logger.Warn("[cleaner] Dropping listing with empty URL: %s", r.Title)
		return r, false
	}
	if r.Title == "" {
		c.logger.Debug("[cleaner] Dropping listing with empty title: %s", r.URL)
		return r, false
	}
	if r.Price.IsNegative() {
		r.Price = decimal.Zero
	}
	return r, true
}

// ParsePrice extracts a decimal price from display text such as
// "1 250 €", "€12,50" or "Tasuta". ok is false when no number is present.
func ParsePrice(raw string) (decimal.Decimal, bool) {
	raw = strings.Map(func(r rune) rune {
		if r == '\u00a0' || r == '\u202f' {
			return ' '
		}
		return r
	}, raw)

	match := strings.TrimSpace(priceRegexp.FindString(raw))
	if match == "" {
		if freeRegexp.MatchString(raw) {
			return decimal.Zero, true
		}
		return decimal.Zero, false
	}
	match = strings.ReplaceAll(match, " ", "")
	match = strings.TrimRight(match, ".,")

	lastDot := strings.LastIndex(match, ".")
	lastComma := strings.LastIndex(match, ",")
	switch {
	case lastComma > lastDot && len(match)-lastComma-1 <= 2:
		// "12,50" or "1.250,50": comma is the decimal separator.
		match = strings.ReplaceAll(match[:lastComma], ".", "") + "." + match[lastComma+1:]
		match = strings.ReplaceAll(match, ",", "")
	case lastDot > lastComma && len(match)-lastDot-1 <= 2:
		match = strings.ReplaceAll(match, ",", "")
	default:
		match = strings.NewReplacer(",", "", ".", "").Replace(match)
	}

	d, err := decimal.NewFromString(match)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseListedDate turns a posting date label into a time. A label
// containing the "today" marker maps to now; otherwise a day.month.year date
// is read in now's location.
func ParseListedDate(raw string, now time.Time) (time.Time, bool) {
	if strings.Contains(norm.NFC.String(raw), todayMarker) {
		return now, true
	}
	m := dateRegexp.FindStringSubmatch(raw)
	if len(m) < 4 {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location()), true
}

// NormaliseText applies NFC, strips leading/trailing whitespace and
// collapses internal whitespace.
func NormaliseText(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
