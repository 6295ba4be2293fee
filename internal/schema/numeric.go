package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdeck/marketdeck/errs"
)

// ParseDecimal coerces a wire-format numeric string into a decimal value.
// Price and quantity fields arrive as strings on every external surface.
func ParseDecimal(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, errs.New("schema/numeric", errs.CodeParse,
			errs.WithMessage(field+" is empty"))
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, errs.New("schema/numeric", errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("%s=%q is not numeric", field, raw)),
			errs.WithCause(err))
	}
	return value, nil
}

// ParseFloat coerces a wire-format numeric string into a float64, used for
// percentage fields where decimal precision is not required.
func ParseFloat(field, raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errs.New("schema/numeric", errs.CodeParse,
			errs.WithMessage(field+" is empty"))
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, errs.New("schema/numeric", errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("%s=%q is not numeric", field, raw)),
			errs.WithCause(err))
	}
	return value, nil
}

// FromUnixMillis converts an epoch-milliseconds wire timestamp to UTC time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
