package lending_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/lending"
)

func TestDate_AddMonthsClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		from   string
		months int
		want   string
	}{
		{"2025-01-31", 1, "2025-02-28"},
		{"2024-01-31", 1, "2024-02-29"},
		{"2025-01-31", 2, "2025-03-31"},
		{"2025-03-31", 1, "2025-04-30"},
		{"2025-11-15", 3, "2026-02-15"},
		{"2025-03-31", -1, "2025-02-28"},
	}

	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			got := lending.MustParseDate(tt.from).AddMonths(tt.months)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestDate_WithDayClamps(t *testing.T) {
	feb := lending.MustParseDate("2025-02-28")

	assert.Equal(t, "2025-02-28", feb.WithDay(31).String())
	assert.Equal(t, "2025-02-15", feb.WithDay(15).String())
	assert.Equal(t, "2024-02-29", lending.MustParseDate("2024-02-01").WithDay(30).String())
}

func TestDaysBetween(t *testing.T) {
	jan25 := lending.MustParseDate("2025-01-25")
	feb15 := lending.MustParseDate("2025-02-15")

	assert.Equal(t, 21, lending.DaysBetween(jan25, feb15))
	assert.Equal(t, -21, lending.DaysBetween(feb15, jan25))
	assert.Equal(t, 366, lending.DaysBetween(lending.MustParseDate("2024-01-01"), lending.MustParseDate("2025-01-01")))
}

func TestPeriod_HalfOpen(t *testing.T) {
	p := lending.Period{Start: lending.MustParseDate("2025-02-15"), End: lending.MustParseDate("2025-03-15")}

	assert.Equal(t, 28, p.Days())
	assert.True(t, p.Contains(p.Start))
	assert.False(t, p.Contains(p.End))
	assert.Equal(t, "2025-02-15:2025-03-15", p.Key())
	assert.False(t, p.Overlaps(lending.Period{Start: p.End, End: p.End.AddDays(10)}))
	assert.True(t, p.Overlaps(lending.Period{Start: p.End.AddDays(-1), End: p.End.AddDays(10)}))
}

func TestDate_JSON(t *testing.T) {
	type payload struct {
		Due  lending.Date `json:"due"`
		Paid lending.Date `json:"paid"`
	}

	b, err := json.Marshal(payload{Due: lending.MustParseDate("2025-02-15")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"due":"2025-02-15","paid":null}`, string(b))

	var decoded payload
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "2025-02-15", decoded.Due.String())
	assert.True(t, decoded.Paid.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"due":"15/02/2025"}`), &decoded))
}

func TestMinMaxDate_IgnoreZero(t *testing.T) {
	d := lending.MustParseDate("2025-02-15")

	assert.Equal(t, d, lending.MinDate(lending.Date{}, d))
	assert.Equal(t, d, lending.MinDate(d, lending.Date{}))
	assert.Equal(t, d, lending.MaxDate(lending.Date{}, d))
}
