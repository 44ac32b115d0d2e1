package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

func TestNormalize(t *testing.T) {
	t.Run("SortsStablyByDate", func(t *testing.T) {
		batch, err := Normalize([]domain.RawRecord{
			{Date: "2024-03-02", State: "CA", Amount: "10"},
			{Date: "2024-03-01", State: "CA", Amount: "20"},
			{Date: "2024-03-02", State: "NY", Amount: "30"},
			{Date: "2024-03-01", State: "TX", Amount: "40"},
		}, Options{})
		require.NoError(t, err)
		require.Len(t, batch.Transactions, 4)

		var rows []int
		for _, tx := range batch.Transactions {
			rows = append(rows, tx.Row)
		}
		assert.Equal(t, []int{2, 4, 1, 3}, rows)
	})

	t.Run("CanonicalizesFields", func(t *testing.T) {
		batch, err := Normalize([]domain.RawRecord{
			{Row: 7, Date: "03/15/2024", State: " ny ", Amount: "$1,234.50", Marketplace: "Yes", UnitCount: "3"},
		}, Options{})
		require.NoError(t, err)
		require.Len(t, batch.Transactions, 1)

		tx := batch.Transactions[0]
		assert.Equal(t, 7, tx.Row)
		assert.Equal(t, domain.Date(2024, time.March, 15), tx.Date)
		assert.Equal(t, "NY", tx.StateCode)
		assert.True(t, tx.Amount.Equal(decimal.RequireFromString("1234.50")))
		assert.True(t, tx.IsMarketplaceSale)
		assert.Equal(t, int64(3), tx.UnitCount)
	})

	t.Run("BlankUnitsCountOneOrder", func(t *testing.T) {
		batch, err := Normalize([]domain.RawRecord{
			{Date: "2024-01-01", State: "CA", Amount: "-25.00"},
		}, Options{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), batch.Transactions[0].UnitCount)
		assert.True(t, batch.Transactions[0].IsReturn())
	})

	t.Run("CollectsEveryError", func(t *testing.T) {
		batch, err := Normalize([]domain.RawRecord{
			{Date: "2024-01-01", State: "CA", Amount: "100"},
			{Date: "", State: "", Amount: ""},
			{Date: "not-a-date", State: "California", Amount: "12abc", Marketplace: "maybe", UnitCount: "-2"},
			{Date: "2024-01-02", State: "TX", Amount: "50", UnitCount: "1.5"},
		}, Options{})
		require.NoError(t, err)

		assert.Len(t, batch.Transactions, 1)
		assert.Len(t, batch.Rejected, 9)
		assert.ErrorIs(t, batch.Rejected, domain.ErrValidation)

		fields := map[int][]string{}
		for _, e := range batch.Rejected {
			fields[e.Row] = append(fields[e.Row], e.Field)
		}
		assert.Equal(t, []string{"date", "state", "amount"}, fields[2])
		assert.Equal(t, []string{"date", "state", "amount", "marketplace", "unit_count"}, fields[3])
		assert.Equal(t, []string{"unit_count"}, fields[4])
	})

	t.Run("NoValidRows", func(t *testing.T) {
		batch, err := Normalize([]domain.RawRecord{
			{Date: "", State: "CA", Amount: "1"},
			{Date: "2024-01-01", State: "", Amount: "1"},
		}, Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNoData)
		require.NotNil(t, batch)
		assert.Len(t, batch.Rejected, 2)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		_, err := Normalize(nil, Options{})
		assert.ErrorIs(t, err, domain.ErrNoData)
	})

	t.Run("ExceedsLimit", func(t *testing.T) {
		recs := make([]domain.RawRecord, 3)
		_, err := Normalize(recs, Options{MaxTransactions: 2})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestParseDate(t *testing.T) {
	want := domain.Date(2024, time.July, 4)
	for _, in := range []string{
		"2024-07-04",
		"2024/07/04",
		"07/04/2024",
		"7/4/2024",
		"07-04-24",
		"2024-07-04 13:45:00",
		"2024-07-04T23:59:59Z",
		"Jul 4, 2024",
		"04-Jul-2024",
	} {
		t.Run(in, func(t *testing.T) {
			got, err := ParseDate(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseDate("yesterday")
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"100", "100"},
		{"-45.10", "-45.1"},
		{"$1,000,000.00", "1000000"},
		{"(250.00)", "-250"},
		{" 12.5 ", "12.5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}

	_, err := ParseAmount("ten")
	assert.Error(t, err)
}

func TestAssess(t *testing.T) {
	d1 := domain.Date(2024, time.January, 1)
	d2 := domain.Date(2024, time.June, 30)
	txs := []domain.Transaction{
		{Date: d1, StateCode: "TX", Amount: decimal.NewFromInt(10)},
		{Date: d2, StateCode: "CA", Amount: decimal.NewFromInt(-5)},
		{Date: d1, StateCode: "CA", Amount: decimal.NewFromInt(7)},
	}

	t.Run("Clean", func(t *testing.T) {
		q := Assess(3, txs[:1], 0)
		assert.Equal(t, 100.0, q.Score)
		assert.Equal(t, []string{"TX"}, q.States)
	})

	t.Run("Penalties", func(t *testing.T) {
		q := Assess(4, txs, 1)
		assert.Equal(t, 4, q.TotalRows)
		assert.Equal(t, 3, q.Accepted)
		assert.Equal(t, 1, q.Rejected)
		assert.Equal(t, 1, q.NegativeRows)
		assert.Equal(t, []string{"CA", "TX"}, q.States)
		require.NotNil(t, q.FirstDate)
		require.NotNil(t, q.LastDate)
		assert.Equal(t, d1, *q.FirstDate)
		assert.Equal(t, d2, *q.LastDate)
		assert.Equal(t, 70.0, q.Score)
	})
}

func TestStats(t *testing.T) {
	d := domain.Date(2024, time.March, 1)
	stats := Stats([]domain.Transaction{
		{Date: d, StateCode: "NY", Amount: decimal.NewFromInt(100), UnitCount: 1},
		{Date: d.AddDate(0, 0, 3), StateCode: "NY", Amount: decimal.NewFromInt(40), IsMarketplaceSale: true},
		{Date: d.AddDate(0, 0, 1), StateCode: "NY", Amount: decimal.NewFromInt(-20), UnitCount: 1},
		{Date: d, StateCode: "CA", Amount: decimal.NewFromInt(5), UnitCount: 2},
	})
	require.Len(t, stats, 2)
	assert.Equal(t, "CA", stats[0].StateCode)

	ny := stats[1]
	assert.Equal(t, 3, ny.Rows)
	assert.True(t, ny.GrossSales.Equal(decimal.NewFromInt(120)))
	assert.True(t, ny.DirectSales.Equal(decimal.NewFromInt(80)))
	assert.True(t, ny.MarketplaceSales.Equal(decimal.NewFromInt(40)))
	assert.True(t, ny.Returns.Equal(decimal.NewFromInt(-20)))
	assert.Equal(t, int64(2), ny.Units)
	assert.Equal(t, d.AddDate(0, 0, 3), ny.LastDate)
}

func TestReadCSV(t *testing.T) {
	t.Run("Aliases", func(t *testing.T) {
		in := "Transaction Date,State,Gross Sales,Is Marketplace,Transaction Count,memo\n" +
			"2024-01-05,ca,100.00,false,2,first\n" +
			",,,,,\n" +
			"2024-01-06,NY,50,true,,second\n"
		recs, err := ReadCSV(strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, recs, 2)

		assert.Equal(t, domain.RawRecord{Row: 2, Date: "2024-01-05", State: "ca", Amount: "100.00", Marketplace: "false", UnitCount: "2"}, recs[0])
		assert.Equal(t, 4, recs[1].Row)
		assert.Equal(t, "true", recs[1].Marketplace)
	})

	t.Run("DailySummaryLayout", func(t *testing.T) {
		in := "date,state,gross_sales,transaction_count,marketplace_sales\n" +
			"2023-01-01,CA,1000,5,300\n" +
			"2023-01-02,CA,800,4,0\n"
		recs, err := ReadCSV(strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, recs, 3)

		assert.Equal(t, "1000", recs[0].Amount)
		assert.Equal(t, "", recs[0].Marketplace)
		assert.Equal(t, "300", recs[1].Amount)
		assert.Equal(t, "true", recs[1].Marketplace)
		assert.Equal(t, "0", recs[1].UnitCount)
		assert.Equal(t, 2, recs[1].Row)

		batch, err := Normalize(recs, Options{})
		require.NoError(t, err)
		assert.Len(t, batch.Transactions, 3)
	})

	t.Run("MissingColumns", func(t *testing.T) {
		_, err := ReadCSV(strings.NewReader("date,amount\n2024-01-01,5\n"))
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Contains(t, err.Error(), "state")
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := ReadCSV(strings.NewReader(""))
		assert.ErrorIs(t, err, domain.ErrNoData)
	})
}
