package cli

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// Property: FormatIndianCurrency groups digits the Indian way and keeps the
// value to the paisa.
func TestProperty_IndianCurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	indianPattern := regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

	properties.Property("FormatIndianCurrency produces valid Indian format", prop.ForAll(
		func(amount float64) bool {
			d := decimal.NewFromFloat(amount)
			formatted := FormatIndianCurrency(d)

			prefix := "₹"
			if d.IsNegative() {
				prefix = "-₹"
			}
			if !strings.HasPrefix(formatted, prefix) {
				t.Logf("Expected %s prefix for %s, got %s", prefix, d, formatted)
				return false
			}

			parts := strings.Split(strings.TrimPrefix(formatted, prefix), ".")
			if len(parts) != 2 || len(parts[1]) != 2 {
				t.Logf("Expected 2 decimal places for %s, got %s", d, formatted)
				return false
			}
			if !indianPattern.MatchString(parts[0]) {
				t.Logf("Invalid Indian format for %s: %s", d, formatted)
				return false
			}
			return true
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("FormatIndianCurrency preserves value", prop.ForAll(
		func(amount float64) bool {
			d := decimal.NewFromFloat(amount)
			formatted := FormatIndianCurrency(d)

			raw := strings.NewReplacer("₹", "", ",", "").Replace(formatted)
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				t.Logf("Unparseable output %s: %v", formatted, err)
				return false
			}
			return parsed.Equal(d.Round(2))
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "₹1,00,00,000.00", FormatIndianCurrency(decimal.NewFromInt(10000000)))
	assert.Equal(t, "-", FormatPrice(decimal.Zero))
	assert.Equal(t, "1501.50", FormatPrice(decimal.RequireFromString("1501.5")))
	assert.Equal(t, "-", FormatDateTime(time.Time{}))
	assert.Equal(t, "03-Jun-2024 14:45:00", FormatDateTime(time.Date(2024, 6, 3, 9, 15, 0, 0, time.UTC)))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1d 2h", FormatDuration(26*time.Hour))
	assert.Equal(t, "abc...", TruncateString("abcdefgh", 6))
}
