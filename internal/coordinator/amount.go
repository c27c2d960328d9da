package coordinator

import (
	"fmt"
	"strconv"
	"strings"

	"confbal/go-backend/internal/contracts"
)

// MaxDecimals is the largest mint precision whose base units still fit a u64 for whole amounts.
const MaxDecimals = 19

// ParseAmount converts a decimal string such as "12.5" into base units of a
// mint with the given decimals. Zero, negative, malformed and over-precise
// inputs are rejected with contracts.ErrInvalidAmount.
func ParseAmount(text string, decimals uint8) (uint64, error) {
	if decimals > MaxDecimals {
		return 0, fmt.Errorf("%w: mint precision %d unsupported", contracts.ErrInvalidAmount, decimals)
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "-") || strings.HasPrefix(text, "+") {
		return 0, fmt.Errorf("%w: %q", contracts.ErrInvalidAmount, text)
	}
	whole, frac, _ := strings.Cut(text, ".")
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places", contracts.ErrInvalidAmount, text, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return 0, fmt.Errorf("%w: %q", contracts.ErrInvalidAmount, text)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", contracts.ErrInvalidAmount, text)
		}
	}
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q exceeds the representable range", contracts.ErrInvalidAmount, text)
	}
	return value, nil
}

// FormatAmount renders base units as a decimal string without trailing zeros.
func FormatAmount(value uint64, decimals uint8) string {
	raw := strconv.FormatUint(value, 10)
	if decimals == 0 {
		return raw
	}
	d := int(decimals)
	if len(raw) <= d {
		raw = strings.Repeat("0", d-len(raw)+1) + raw
	}
	whole, frac := raw[:len(raw)-d], strings.TrimRight(raw[len(raw)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// validateAmount is the pre-flight check shared by every mutation.
func validateAmount(amount uint64) error {
	if amount == 0 {
		return contracts.ErrInvalidAmount
	}
	return nil
}
