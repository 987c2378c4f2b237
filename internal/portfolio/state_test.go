package portfolio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holdings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "version": 3,
	  "portfolios": {
	    "growth": {"name": "Growth", "holdings": [
	      {"symbol": "MSFT", "quantity": "5", "avg_cost": "300"},
	      {"symbol": "AAPL", "quantity": 10, "avg_cost": 150.5}
	    ]},
	    "empty": {"holdings": []}
	  }
	}`), 0o644))

	b, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Version())
	assert.Equal(t, []string{"empty", "growth"}, b.Portfolios())
	assert.Equal(t, []string{"AAPL", "MSFT"}, b.Symbols("growth"))

	hs := b.Holdings("growth")
	require.Len(t, hs, 2)
	assert.True(t, hs[0].AvgCost.Equal(d("150.5")))
	assert.Empty(t, b.Holdings("unknown"))
}

func TestLoadFileMissingAndInvalid(t *testing.T) {
	b, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, b.Portfolios())

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}

func TestRecordTrade(t *testing.T) {
	tests := []struct {
		name    string
		trades  [][2]string // quantity, price
		wantQty string
		wantAvg string
	}{
		{"open", [][2]string{{"10", "5"}}, "10", "5"},
		{"add at weighted cost", [][2]string{{"10", "5"}, {"10", "7"}}, "20", "6"},
		{"partial close keeps cost", [][2]string{{"10", "5"}, {"-4", "9"}}, "6", "5"},
		{"reverse opens at trade price", [][2]string{{"10", "5"}, {"-15", "8"}}, "-5", "8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBook()
			for _, tr := range tt.trades {
				require.NoError(t, b.RecordTrade("p1", "AAA", d(tr[0]), d(tr[1])))
			}
			hs := b.Holdings("p1")
			require.Len(t, hs, 1)
			assert.True(t, hs[0].Quantity.Equal(d(tt.wantQty)), hs[0].Quantity.String())
			assert.True(t, hs[0].AvgCost.Equal(d(tt.wantAvg)), hs[0].AvgCost.String())
		})
	}
}

func TestRecordTradeCloseRemovesHolding(t *testing.T) {
	b := NewBook()
	var changed []string
	b.Subscribe(func(id string) { changed = append(changed, id) })

	require.NoError(t, b.RecordTrade("p1", "AAA", d("3"), d("10")))
	require.NoError(t, b.RecordTrade("p1", "AAA", d("-3"), d("12")))
	assert.Empty(t, b.Holdings("p1"))
	assert.Equal(t, []string{"p1", "p1"}, changed)

	assert.Error(t, b.RecordTrade("p1", "AAA", decimal.Zero, d("1")))
	assert.Error(t, b.RecordTrade("p1", "", d("1"), d("1")))
}

func TestSetNormalizes(t *testing.T) {
	b := NewBook()
	b.Set("p1", []prices.Holding{
		{Symbol: "B", Quantity: d("1"), AvgCost: d("2")},
		{Symbol: "A", Quantity: d("0"), AvgCost: d("2")},
		{Symbol: "B", Quantity: d("1"), AvgCost: d("4")},
	})
	hs := b.Holdings("p1")
	require.Len(t, hs, 1)
	assert.Equal(t, "B", hs[0].Symbol)
	assert.True(t, hs[0].Quantity.Equal(d("2")))
	assert.True(t, hs[0].AvgCost.Equal(d("3")))

	// callers get copies
	hs[0].Symbol = "mutated"
	assert.Equal(t, []string{"B"}, b.Symbols("p1"))
}

func TestSymbolsAreCanonical(t *testing.T) {
	b := NewBook()
	b.Set("p1", []prices.Holding{
		{Symbol: " aaa", Quantity: d("10"), AvgCost: d("5")},
		{Symbol: "AAA", Quantity: d("10"), AvgCost: d("7")},
		{Symbol: "  ", Quantity: d("1"), AvgCost: d("1")},
	})
	hs := b.Holdings("p1")
	require.Len(t, hs, 1)
	assert.Equal(t, "AAA", hs[0].Symbol)
	assert.True(t, hs[0].Quantity.Equal(d("20")))
	assert.True(t, hs[0].AvgCost.Equal(d("6")))

	require.NoError(t, b.RecordTrade("p1", "bbb ", d("2"), d("3")))
	assert.Equal(t, []string{"AAA", "BBB"}, b.Symbols("p1"))
}
