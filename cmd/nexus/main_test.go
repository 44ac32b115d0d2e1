package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NEXUS_LOG_LEVEL", "error")

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

func writeLedger(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const ledgerCSV = `date,state,amount,is_marketplace
2023-01-10,CA,300000,false
2023-03-15,CA,250000,false
2023-02-01,AZ,1000,false
2023-02-02,AZ,600000,true
`

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "nexus dev")
}

func TestStatesCommand(t *testing.T) {
	out, err := execute(t, "states", "--verbose")
	require.NoError(t, err)

	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, "TAX RATE")
	assert.Contains(t, out, "rolling_4q")
	assert.Contains(t, out, "Total states:")
}

func TestStateInfoCommand(t *testing.T) {
	out, err := execute(t, "state-info", "ny")
	require.NoError(t, err)
	assert.Contains(t, out, "NY")
	assert.Contains(t, out, "$500000")
	assert.Contains(t, out, "rolling_4q")

	_, err = execute(t, "state-info", "MT")
	assert.Error(t, err)

	_, err = execute(t, "state-info", "XYZ")
	assert.Error(t, err)
}

func TestAnalyzeCommand(t *testing.T) {
	input := writeLedger(t, ledgerCSV)

	t.Run("CSVToStdout", func(t *testing.T) {
		out, err := execute(t, "analyze", input, "--format", "csv")
		require.NoError(t, err)

		rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 3)

		byState := map[string][]string{}
		for _, r := range rows[1:] {
			byState[r[0]] = r
		}
		assert.Equal(t, "true", byState["CA"][1])
		assert.Equal(t, "2023-03-15", byState["CA"][2])
		// AZ excludes marketplace sales from its threshold.
		assert.Equal(t, "false", byState["AZ"][1])
	})

	t.Run("StatesFilter", func(t *testing.T) {
		out, err := execute(t, "analyze", input, "--format", "csv", "--states", "az")
		require.NoError(t, err)
		assert.NotContains(t, out, "\nCA,")
		assert.Contains(t, out, "\nAZ,")
	})

	t.Run("AsOf", func(t *testing.T) {
		out, err := execute(t, "analyze", input, "--format", "json", "--as-of", "2023-02-28")
		require.NoError(t, err)
		assert.Contains(t, out, `"statesWithNexus": 0`)
	})

	t.Run("WorkbookOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nexus_analysis.xlsx")
		out, err := execute(t, "analyze", input, "-o", path, "--client", "Acme Co")
		require.NoError(t, err)
		assert.Contains(t, out, "Nexus analysis")
		assert.Contains(t, out, "for Acme Co")
		assert.Contains(t, out, "Report saved to: "+path)

		f, err := excelize.OpenFile(path)
		require.NoError(t, err)
		defer f.Close()
		assert.Contains(t, f.GetSheetList(), "Nexus Summary")
		assert.Contains(t, f.GetSheetList(), "Source Data")
	})

	t.Run("BadFlags", func(t *testing.T) {
		_, err := execute(t, "analyze", input, "--as-of", "soon")
		assert.Error(t, err)

		_, err = execute(t, "analyze", input, "--format", "pdf")
		assert.Error(t, err)

		_, err = execute(t, "analyze", filepath.Join(t.TempDir(), "absent.csv"))
		assert.Error(t, err)
	})

	t.Run("NoUsableRows", func(t *testing.T) {
		bad := writeLedger(t, "date,state,amount\nnever,CA,10\n")
		_, err := execute(t, "analyze", bad)
		assert.Error(t, err)
	})

	t.Run("Store", func(t *testing.T) {
		t.Setenv("NEXUS_SQLITE_PATH", filepath.Join(t.TempDir(), "runs.db"))
		_, err := execute(t, "analyze", input, "--store", "--id", "cli-run", "--format", "json")
		require.NoError(t, err)
	})
}

func TestGenerateSampleCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.csv")

	out, err := execute(t, "generate-sample", "-o", path,
		"--start-date", "2023-01-01", "--end-date", "2023-06-30",
		"--states", "CA,TX", "--seed", "5", "--force-breach")
	require.NoError(t, err)
	assert.Contains(t, out, "Forced breach orders injected")

	out, err = execute(t, "analyze", path, "--format", "csv")
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	for _, r := range rows[1:] {
		assert.Equal(t, "true", r[1], "%s should cross", r[0])
	}

	_, err = execute(t, "generate-sample", "-o", path, "--start-date", "2023-06-30", "--end-date", "2023-01-01")
	assert.Error(t, err)
}
