package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

func fixture() *domain.Analysis {
	caDate := domain.Date(2023, time.June, 1)
	txDate := domain.Date(2023, time.March, 9)
	window := domain.Span{Start: domain.Date(2022, time.June, 2), End: caDate}

	results := []domain.CrossingResult{
		{
			StateCode: "CA", Crossed: true, CrossingDate: &caDate, TriggeringMetric: domain.MetricSales,
			CumulativeSales: decimal.NewFromInt(510000), CumulativeTransactions: 40,
			LookbackRule: domain.LookbackRolling12M, Window: &window,
		},
		{StateCode: "FL", CumulativeSales: decimal.NewFromInt(80), LookbackRule: domain.LookbackCalendarPrevCurr},
		{
			StateCode: "TX", Crossed: true, CrossingDate: &txDate, TriggeringMetric: domain.MetricTransactions,
			CumulativeSales: decimal.NewFromInt(90000), CumulativeTransactions: 200, LookbackRule: domain.LookbackRolling12M,
		},
	}
	outcomes := []domain.VDAOutcome{
		{StateCode: "CA", CrossingDate: caDate, LookbackStart: domain.Date(2020, time.June, 1), LookbackCapped: true,
			SalesInLookback: decimal.NewFromInt(600000), EstimatedPenalty: decimal.NewFromInt(60000),
			EstimatedInterest: decimal.NewFromInt(42000), Placeholder: true, Basis: "placeholder"},
		{StateCode: "TX", CrossingDate: txDate, LookbackStart: domain.Date(2019, time.October, 1),
			SalesInLookback: decimal.NewFromInt(90000), EstimatedPenalty: decimal.RequireFromString("9000.5"),
			EstimatedInterest: decimal.Zero, Placeholder: true, Basis: "placeholder"},
	}
	warnings := []domain.Warning{{StateCode: "ZZ", Message: "unsupported lookback rule"}}

	return &domain.Analysis{
		ID:        "run-1",
		ClientID:  "acme",
		CreatedAt: time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC),
		Results:   results,
		VDA:       outcomes,
		Warnings:  warnings,
		Rejected:  []domain.ValidationError{{Row: 4, Field: "date", Reason: "missing"}},
		Quality:   domain.DataQuality{TotalRows: 10, Accepted: 9, Rejected: 1, Score: 80},
		Summary:   Summarize(results, outcomes, warnings, 2),
	}
}

func TestSummarize(t *testing.T) {
	s := fixture().Summary

	assert.Equal(t, 3, s.StatesAnalyzed)
	assert.Equal(t, 2, s.StatesWithNexus)
	assert.Equal(t, 3, s.StatesSkipped)
	require.NotNil(t, s.EarliestCrossing)
	assert.Equal(t, domain.Date(2023, time.March, 9), *s.EarliestCrossing)
	assert.Equal(t, "TX", s.EarliestState)
	assert.Equal(t, "69000.50", s.TotalPenalty.StringFixed(2))
	assert.Equal(t, "42000.00", s.TotalInterest.StringFixed(2))

	empty := Summarize(nil, nil, nil, 0)
	assert.Nil(t, empty.EarliestCrossing)
	assert.True(t, empty.TotalPenalty.IsZero())
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "JSON": FormatJSON, " csv ": FormatCSV, "xlsx": FormatXLSX} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, fixture()))

	out := buf.String()
	assert.Contains(t, out, "Nexus analysis run-1 for acme")
	assert.Contains(t, out, "Earliest crossing: 2023-03-09 (TX)")
	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, "60000.00")
	assert.Contains(t, out, "warning: ZZ")
	assert.Contains(t, out, "1 rows rejected; row 4: date: missing")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, fixture()))

	var decoded domain.Analysis
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded.ID)
	require.Len(t, decoded.Results, 3)
	assert.True(t, decoded.Results[0].CumulativeSales.Equal(decimal.NewFromInt(510000)))

	var again bytes.Buffer
	require.NoError(t, WriteJSON(&again, fixture()))
	assert.Equal(t, buf.String(), again.String())
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, fixture()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, csvHeader, rows[0])

	ca := rows[1]
	assert.Equal(t, []string{"CA", "true", "2023-06-01", "sales", "510000.00", "40", "rolling_12m",
		"2022-06-02", "2023-06-01", "2020-06-01", "600000.00", "60000.00", "42000.00"}, ca)

	fl := rows[2]
	assert.Equal(t, "false", fl[1])
	assert.Equal(t, "", fl[2])
	assert.Equal(t, "", fl[11])
}

func TestWriteXLSX(t *testing.T) {
	a := fixture()
	txs := []domain.Transaction{
		{Date: domain.Date(2023, time.January, 1), StateCode: "CA", Amount: decimal.NewFromInt(100), UnitCount: 1},
		{Date: domain.Date(2023, time.January, 2), StateCode: "CA", Amount: decimal.NewFromInt(50), IsMarketplaceSale: true},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, a, txs))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetDetails, SheetVDA, SheetSource}, f.GetSheetList())

	details, err := f.GetRows(SheetDetails)
	require.NoError(t, err)
	require.Len(t, details, 4)
	assert.Equal(t, "CA", details[1][0])
	assert.Equal(t, "150", details[1][7])

	vda, err := f.GetRows(SheetVDA)
	require.NoError(t, err)
	assert.Len(t, vda, 3)

	src, err := f.GetRows(SheetSource)
	require.NoError(t, err)
	assert.Len(t, src, 3)

	t.Run("WithoutSource", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, FormatXLSX, a))
		f, err := excelize.OpenReader(&buf)
		require.NoError(t, err)
		defer f.Close()
		assert.NotContains(t, f.GetSheetList(), SheetSource)
	})
}
