package ledger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestReadXLSX(t *testing.T) {
	buf := writeWorkbook(t, [][]any{
		{"date", "state", "amount", "marketplace", "units"},
		{"2024-02-01", "WA", 99.5, "no", 1},
		{"2024-02-02", "WA", 12, "yes", 3},
	})

	recs, err := ReadXLSX(buf)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, 2, recs[0].Row)
	assert.Equal(t, "WA", recs[0].State)
	assert.Equal(t, "99.5", recs[0].Amount)
	assert.Equal(t, "3", recs[1].UnitCount)

	batch, err := Normalize(recs, Options{})
	require.NoError(t, err)
	assert.Len(t, batch.Transactions, 2)
	assert.True(t, batch.Transactions[1].IsMarketplaceSale)
}

func TestReadFile(t *testing.T) {
	t.Run("XLSX", func(t *testing.T) {
		buf := writeWorkbook(t, [][]any{
			{"date", "state", "gross_sales"},
			{"2024-02-01", "OR", 10},
		})
		f, err := excelize.OpenReader(buf)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "ledger.xlsx")
		require.NoError(t, f.SaveAs(path))
		require.NoError(t, f.Close())

		recs, err := ReadFile(path)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("UnsupportedExtension", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(t.TempDir(), "ledger.parquet"))
		assert.Error(t, err)
	})
}
