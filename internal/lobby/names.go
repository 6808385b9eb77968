package lobby

import (
	"html"
	"strings"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

const MaxNameRunes = 40

var namePolicy = bluemonday.StrictPolicy()

// NormalizeName strips markup, NFC-normalizes, trims and cuts to 40 runes.
func NormalizeName(raw string) (string, error) {
	name := html.UnescapeString(namePolicy.Sanitize(raw))
	name = strings.TrimSpace(norm.NFC.String(name))
	if r := []rune(name); len(r) > MaxNameRunes {
		name = strings.TrimSpace(string(r[:MaxNameRunes]))
	}
	if name == "" {
		return "", apperr.Validation("name", "required")
	}
	return name, nil
}

func normalizeAvatar(raw, fallback string) string {
	a := strings.TrimSpace(html.UnescapeString(namePolicy.Sanitize(raw)))
	if r := []rune(a); len(r) > 8 {
		a = string(r[:8])
	}
	if a == "" {
		return fallback
	}
	return a
}
