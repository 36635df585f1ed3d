package services

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
)

const (
	defaultOrderLocale = "en-IN"
	maxNotesLength     = 1000
	maxAddressField    = 200
)

var (
	plainTextPolicy = bluemonday.StrictPolicy()

	errInvalidLanguageTag = errors.New("invalid language tag")
)

// plainText strips markup, folds compatibility forms and collapses whitespace.
func plainText(raw string) string {
	cleaned := plainTextPolicy.Sanitize(norm.NFKC.String(raw))
	// StrictPolicy escapes entities; stored text is unescaped and re-escaped on render.
	cleaned = html.UnescapeString(cleaned)
	return strings.Join(strings.Fields(cleaned), " ")
}

func sanitizeNotes(raw string) (string, error) {
	notes := plainText(raw)
	if utf8.RuneCountInString(notes) > maxNotesLength {
		return "", fmt.Errorf("%w: notes must be at most %d characters", ErrOrderInvalidInput, maxNotesLength)
	}
	return notes, nil
}

func sanitizeAddress(addr domain.Address) (domain.Address, error) {
	out := domain.Address{
		Recipient:  plainText(addr.Recipient),
		Phone:      plainText(addr.Phone),
		Line1:      plainText(addr.Line1),
		Line2:      plainText(addr.Line2),
		City:       plainText(addr.City),
		State:      plainText(addr.State),
		PostalCode: strings.ToUpper(plainText(addr.PostalCode)),
		Country:    strings.ToUpper(plainText(addr.Country)),
	}
	switch {
	case out.Recipient == "":
		return domain.Address{}, fmt.Errorf("%w: shipping recipient is required", ErrOrderInvalidInput)
	case out.Line1 == "":
		return domain.Address{}, fmt.Errorf("%w: shipping address line1 is required", ErrOrderInvalidInput)
	case out.City == "":
		return domain.Address{}, fmt.Errorf("%w: shipping city is required", ErrOrderInvalidInput)
	case out.PostalCode == "":
		return domain.Address{}, fmt.Errorf("%w: shipping postal code is required", ErrOrderInvalidInput)
	}
	for _, field := range []string{out.Recipient, out.Phone, out.Line1, out.Line2, out.City, out.State} {
		if utf8.RuneCountInString(field) > maxAddressField {
			return domain.Address{}, fmt.Errorf("%w: address fields must be at most %d characters", ErrOrderInvalidInput, maxAddressField)
		}
	}
	return out, nil
}

func canonicaliseLocale(tag string) (string, error) {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return defaultOrderLocale, nil
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOrderInvalidInput, errors.Join(errInvalidLanguageTag, err))
	}
	return parsed.String(), nil
}
