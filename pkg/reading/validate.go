package reading

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultConfusions maps characters Tesseract commonly emits in place of
// digits on seven-segment displays. It is applied only inside tokens that
// already contain a digit, so words like "abc" are never turned into numbers.
var DefaultConfusions = map[rune]rune{
	'O': '0',
	'o': '0',
	'D': '0',
	'Q': '0',
	'I': '1',
	'l': '1',
	'|': '1',
	'Z': '2',
	'S': '5',
	'B': '8',
	',': '.',
}

// numberRe matches a whole number token; a digit or dot directly before
// it, or a digit directly after it, rejects the match.
var numberRe = regexp.MustCompile(`(?:^|[^\d.])(\d+(?:\.\d+)?)(?:[^\d]|$)`)

// Decimals is the precision readings are rounded to.
const Decimals = 2

// Options tunes parsing.
type Options struct {
	// Confusions is applied before parsing. Nil means DefaultConfusions;
	// an empty non-nil map disables normalization.
	Confusions map[rune]rune

	// ImpliedDecimals inserts a decimal point before the last N digits of a
	// number that was recognized without one ("368" -> 36.8 for N=1).
	ImpliedDecimals int
}

// ConfusionsFromStrings converts a JSON friendly table into a rune map.
// Keys and values must be single characters.
func ConfusionsFromStrings(m map[string]string) (map[rune]rune, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[rune]rune, len(m))
	for k, v := range m {
		if utf8.RuneCountInString(k) != 1 || utf8.RuneCountInString(v) != 1 {
			return nil, fmt.Errorf("reading: confusion %q -> %q must map one character to one character", k, v)
		}
		kr, _ := utf8.DecodeRuneInString(k)
		vr, _ := utf8.DecodeRuneInString(v)
		out[kr] = vr
	}
	return out, nil
}

// Normalize applies the confusion table to every whitespace separated
// token that contains at least one digit.
func Normalize(raw string, table map[rune]rune) string {
	if table == nil {
		table = DefaultConfusions
	}
	if len(table) == 0 {
		return raw
	}

	fields := strings.Fields(raw)
	for i, f := range fields {
		if !strings.ContainsFunc(f, unicode.IsDigit) {
			continue
		}
		fields[i] = strings.Map(func(r rune) rune {
			if m, ok := table[r]; ok {
				return m
			}
			return r
		}, f)
	}
	return strings.Join(fields, " ")
}

// Parse extracts the first decimal number from raw OCR text, rounded to
// Decimals places.
func Parse(raw string, opts Options) (float64, bool) {
	text := Normalize(raw, opts.Confusions)

	sub := numberRe.FindStringSubmatch(text)
	if sub == nil {
		return 0, false
	}
	m := sub[1]
	if n := opts.ImpliedDecimals; n > 0 && !strings.Contains(m, ".") && len(m) > n {
		m = m[:len(m)-n] + "." + m[len(m)-n:]
	}

	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	scale := math.Pow10(Decimals)
	return math.Round(v*scale) / scale, true
}

// Outcome is the validation verdict for one raw text.
type Outcome struct {
	Temperature *float64
	Valid       bool
	Reason      string
}

// Validator classifies raw text against a temperature range.
type Validator struct {
	Options Options
}

// NewValidator creates a validator with the given parse options.
func NewValidator(opts Options) *Validator {
	return &Validator{Options: opts}
}

// Validate parses raw and checks the value against rng. Out of range
// values keep their temperature so they can be displayed.
func (v *Validator) Validate(raw string, rng Range) Outcome {
	val, ok := Parse(raw, v.Options)
	if !ok {
		return Outcome{Valid: false, Reason: ReasonParseFailed}
	}
	if !rng.Contains(val) {
		return Outcome{Temperature: &val, Valid: false, Reason: ReasonOutOfRange}
	}
	return Outcome{Temperature: &val, Valid: true}
}
