package ledger

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// ReadXLSX reads the first worksheet of an Excel ledger. Cells are read as
// displayed, so dates arrive in the workbook's number format.
func ReadXLSX(r io.Reader) ([]domain.RawRecord, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &domain.NoDataError{}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, &domain.NoDataError{}
	}

	return fromRows(rows[0], rows[1:])
}
