package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Keys used to compare subscriber identity fields. They are comparison keys,
// not display values.

var kanaDashes = strings.NewReplacer(
	"―", "ー", "−", "ー", "‐", "ー", "‑", "ー",
	"‒", "ー", "–", "ー", "—", "ー", "ｰ", "ー",
)

// KanaKey folds a kana name for matching: NFKC, all spaces removed, dash
// variants unified to the long vowel mark, and repeated long vowels collapsed.
func KanaKey(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = kanaDashes.Replace(s)
	for strings.Contains(s, "ーー") {
		s = strings.ReplaceAll(s, "ーー", "ー")
	}
	return s
}

// DigitsKey keeps only ASCII digits after NFKC, so "０６ー１２３" becomes "06123".
func DigitsKey(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// InsurerNumberKey is the comparison key for an insurer number. Insurer
// numbers are six or eight digits; six-digit national health insurance
// numbers are kept as-is.
func InsurerNumberKey(s string) string {
	return DigitsKey(s)
}

var symbolDashes = strings.NewReplacer("－", "-", "―", "-", "ー", "-", "−", "-", "‐", "-", "ｰ", "-")

// InsuranceSymbolKey folds an insurance card symbol to full width: spaces
// are removed, hyphen variants unified, and printable ASCII widened, so
// "A-12" becomes "Ａ－１２".
func InsuranceSymbolKey(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = symbolDashes.Replace(s)

	var b strings.Builder
	for _, r := range s {
		if r >= 0x21 && r <= 0x7e {
			b.WriteRune(r + 0xfee0)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
