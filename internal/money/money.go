package money

import (
	"errors"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
	ErrOutOfRange      = errors.New("converted amount out of range")
)

var amountPattern = regexp.MustCompile(`^([+-]?)(\d*)(?:\.(\d*))?$`)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// ParseMinor parses a decimal major-unit string such as "12.50" into minor units.
func ParseMinor(input string) (int64, error) {
	m := amountPattern.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil || (m[2] == "" && m[3] == "") {
		return 0, ErrInvalidAmount
	}
	if len(m[3]) > 2 {
		return 0, ErrTooManyDecimals
	}
	whole := m[2]
	if whole == "" {
		whole = "0"
	}
	frac := m[3] + strings.Repeat("0", 2-len(m[3]))
	minor, err := decimal.NewFromString(whole + frac)
	if err != nil || minor.GreaterThan(maxMinor) {
		return 0, ErrInvalidAmount
	}
	if m[1] == "-" {
		minor = minor.Neg()
	}
	return minor.IntPart(), nil
}

// FormatMinor renders minor units with two decimal places.
func FormatMinor(value int64) string {
	return decimal.New(value, -2).StringFixed(2)
}

// Convert applies rate to an amount in minor units, rounding half to even.
func Convert(amountMinor int64, rate decimal.Decimal) (int64, error) {
	return toMinor(decimal.NewFromInt(amountMinor).Mul(rate).RoundBank(0))
}

// ConvertUp applies rate and rounds any fraction up. Thresholds use it so a
// converted limit is never understated.
func ConvertUp(amountMinor int64, rate decimal.Decimal) (int64, error) {
	return toMinor(decimal.NewFromInt(amountMinor).Mul(rate).Ceil())
}

func toMinor(value decimal.Decimal) (int64, error) {
	if value.GreaterThan(maxMinor) || value.LessThan(minMinor) {
		return 0, ErrOutOfRange
	}
	return value.IntPart(), nil
}
