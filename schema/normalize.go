package schema

import (
	"net/url"
	"strings"
	"unicode"
)

// NormalizeURL trims a URL and rejects values a surface cannot load.
// Bare hosts such as "example.com" are given an https scheme.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidURL
	}
	for _, r := range trimmed {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", ErrInvalidURL
		}
	}
	if trimmed == "about:blank" {
		return trimmed, nil
	}
	if !strings.Contains(trimmed, "://") && !strings.HasPrefix(trimmed, "data:") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" {
		return "", ErrInvalidURL
	}
	switch parsed.Scheme {
	case "http", "https", "file", "data":
	default:
		return "", ErrInvalidURL
	}
	if (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host == "" {
		return "", ErrInvalidURL
	}
	return trimmed, nil
}

// ValidateTabID ensures a tab id is non-empty and free of whitespace.
func ValidateTabID(id TabID) error {
	raw := string(id)
	if raw == "" {
		return ErrInvalidTabID
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidTabID
		}
	}
	return nil
}
