package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/width"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

var (
	plusRunRe    = regexp.MustCompile(`^\++$`)
	plusPrefixRe = regexp.MustCompile(`^\+([0-9]+)$`)
	plusSuffixRe = regexp.MustCompile(`^([0-9]+)\+$`)
	spaceRunRe   = regexp.MustCompile(`\s+`)
)

// plusWords are spellings of a single plus sign seen in lab exports.
var plusWords = strings.NewReplacer(
	"プラス", "+",
	"ﾌﾟﾗｽ", "+",
	"PLUS", "+",
	"Plus", "+",
	"plus", "+",
	"＋", "+",
)

// Token applies the preprocessing steps enabled by rule to raw, in order:
// trim, width fold, plus-token fold. The result is the comparison token
// matched against VariantEntry.RawTokenNorm.
func Token(rule model.NormalizationRule, raw string) string {
	s := raw
	if rule.Trim {
		s = strings.TrimSpace(s)
	}
	if rule.FoldWidth {
		s = FoldWidth(s)
	}
	if rule.FoldPlus {
		s = FoldPlus(s)
	}
	return s
}

// FoldWidth maps full-width ASCII to narrow and half-width katakana to wide.
func FoldWidth(s string) string {
	return width.Fold.String(s)
}

// FoldPlus rewrites the many renderings of a plus grade into one "N+" form:
// "+" and "(+)" become "1+", "++" becomes "2+", and "+2" becomes "2+".
// Tokens that are not plus grades are returned unchanged.
func FoldPlus(s string) string {
	t := strings.TrimSpace(plusWords.Replace(s))
	if strings.HasPrefix(t, "(") && strings.HasSuffix(t, ")") {
		t = strings.TrimSpace(t[1 : len(t)-1])
	}
	t = strings.ReplaceAll(t, " ", "")

	switch {
	case t == "":
		return s
	case plusRunRe.MatchString(t):
		return strconv.Itoa(len(t)) + "+"
	case plusPrefixRe.MatchString(t):
		return canonicalGrade(plusPrefixRe.FindStringSubmatch(t)[1])
	case plusSuffixRe.MatchString(t):
		return canonicalGrade(plusSuffixRe.FindStringSubmatch(t)[1])
	}
	return s
}

func canonicalGrade(digits string) string {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return digits + "+"
	}
	return strconv.Itoa(n) + "+"
}

// CompactText folds runs of whitespace to a single space and trims the ends.
func CompactText(s string) string {
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
}

// nullFlavors are the HL7 v3 NullFlavor codes.
var nullFlavors = map[string]bool{
	"NI": true, "NA": true, "UNK": true, "ASKU": true, "NAV": true, "NASK": true,
	"MSK": true, "OTH": true, "NP": true, "NINF": true, "PINF": true, "TRC": true,
}

// IsNullFlavor reports whether s is an HL7 null-flavor marker.
func IsNullFlavor(s string) bool {
	return nullFlavors[strings.ToUpper(strings.TrimSpace(FoldWidth(s)))]
}
