// Package normalize converts raw extractor candidates into typed, validated
// records.
package normalize

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// ErrRejected marks a candidate that lacks the minimum identity for a usable
// record.
var ErrRejected = errors.New("candidate rejected")

var (
	digitsOnly   = regexp.MustCompile(`\D`)
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	spaceRuns    = regexp.MustCompile(`\s+`)
)

// Normalizer applies the field normalization rules. The zero country code
// defaults to Vietnam.
type Normalizer struct {
	countryCode string
}

// New builds a Normalizer with the given default country calling code
// (digits only, no plus).
func New(countryCode string) *Normalizer {
	if countryCode == "" {
		countryCode = "84"
	}
	return &Normalizer{countryCode: countryCode}
}

// Normalize validates and converts one candidate. A candidate with neither a
// name nor a phone is rejected with ErrRejected.
func (n *Normalizer) Normalize(cand engine.CandidateRecord) (engine.NormalizedRecord, error) {
	rec := engine.NormalizedRecord{
		Name:                cleanText(cand.Get(engine.FieldName)),
		Address:             cleanText(cand.Get(engine.FieldAddress)),
		Website:             strings.TrimSpace(cand.Get(engine.FieldWebsite)),
		TaxID:               strings.TrimSpace(cand.Get(engine.FieldTaxID)),
		LegalRepresentative: cleanText(cand.Get(engine.FieldLegalRep)),
		StatusText:          cleanText(cand.Get(engine.FieldStatusText)),
		Category:            cleanText(cand.Get(engine.FieldCategory)),
		Locator:             cand.Locator,
	}

	rec.Phone = n.Phone(cand.Get(engine.FieldPhone))

	if email := strings.ToLower(strings.TrimSpace(cand.Get(engine.FieldEmail))); emailPattern.MatchString(email) {
		rec.Email = email
	}

	rec.Rating = parseRating(cand.Get(engine.FieldRating))
	rec.ReviewsCount = parseCount(cand.Get(engine.FieldReviewsCount))
	rec.Latitude, rec.Longitude = parseCoords(
		cand.Get(engine.FieldLatitude),
		cand.Get(engine.FieldLongitude),
	)
	rec.IssueDate = parseDate(cand.Get(engine.FieldIssueDate))

	if rec.Name == "" && rec.Phone == "" {
		return engine.NormalizedRecord{}, ErrRejected
	}
	return rec, nil
}

// Phone normalizes a raw phone string to E.164, applying the default country
// code to local numbers. Unparseable input yields "".
func (n *Normalizer) Phone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	hasPlus := strings.HasPrefix(raw, "+")
	digits := digitsOnly.ReplaceAllString(raw, "")
	if len(digits) < 8 || len(digits) > 15 {
		return ""
	}
	switch {
	case hasPlus:
		return "+" + digits
	case strings.HasPrefix(digits, "0"):
		return "+" + n.countryCode + digits[1:]
	case strings.HasPrefix(digits, n.countryCode):
		return "+" + digits
	default:
		return "+" + n.countryCode + digits
	}
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRuns.ReplaceAllString(s, " "))
}

// parseRating accepts comma or dot decimals and drops anything outside the
// 0 to 5 star range.
func parseRating(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil || v < 0 || v > 5 {
		return nil
	}
	return &v
}

// parseCount accepts grouped integers like "1.234" or "1,234".
func parseCount(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	digits := strings.NewReplacer(".", "", ",", "").Replace(raw)
	v, err := strconv.Atoi(digits)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

// parseCoords keeps coordinates only as a valid pair.
func parseCoords(rawLat, rawLng string) (*float64, *float64) {
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(rawLat), 64)
	lng, errLng := strconv.ParseFloat(strings.TrimSpace(rawLng), 64)
	if errLat != nil || errLng != nil {
		return nil, nil
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, nil
	}
	return &lat, &lng
}

// parseDate accepts dd/mm/yyyy and yyyy-mm-dd.
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{"2/1/2006", "02/01/2006", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
