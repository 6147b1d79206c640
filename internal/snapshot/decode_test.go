package snapshot

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	in := `[
		{"dataset": "gtr", "unique_id": "A-1", "name": "Acme Corporation", "postcode": " AB1 2CD ", "extra": true},
		{"dataset": "cordis", "unique_id": 999, "name": null, "short_name": "ACME"}
	]`
	recs, err := Decode(context.Background(), strings.NewReader(in), DecodeOptions{Format: FormatJSON})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AB1 2CD", recs[0].Postcode)
	assert.Equal(t, "999", recs[1].UniqueID)
	assert.Equal(t, "ACME", recs[1].ShortName)
	assert.Empty(t, recs[1].Name)
}

func TestDecodeJSONRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"not an array":   `{"dataset": "a"}`,
		"missing id":     `[{"dataset": "a", "name": "Acme"}]`,
		"object id":      `[{"dataset": "a", "unique_id": {"x": 1}, "name": "Acme"}]`,
		"truncated":      `[{"dataset": "a", "unique_id": "1", "name": "Acme"}`,
		"no name at all": `[{"dataset": "a", "unique_id": "1"}]`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(context.Background(), strings.NewReader(in), DecodeOptions{Format: FormatJSON})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestDecodeCSV(t *testing.T) {
	t.Parallel()

	in := "\ufeffSource Dataset,ID,Name,Short Name,Postcode\n" +
		"gtr,1,\"Acme, Inc.\",ACME,AB1 2CD\n" +
		",,,,\n" +
		"cordis,2,Beta Institute\n"
	recs, err := Decode(context.Background(), strings.NewReader(in), DecodeOptions{Format: FormatCSV})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "gtr", recs[0].Dataset)
	assert.Equal(t, "Acme, Inc.", recs[0].Name)
	assert.Equal(t, "ACME", recs[0].ShortName)
	assert.Equal(t, "", recs[1].Postcode)
}

func TestDecodeCSVEncoding(t *testing.T) {
	t.Parallel()

	// "Société" in windows-1252.
	in := append([]byte("dataset,unique_id,name\na,1,Soci"), 0xE9, 't', 0xE9, '\n')
	recs, err := Decode(context.Background(), bytes.NewReader(in), DecodeOptions{Format: FormatCSV, Encoding: "windows-1252"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Société", recs[0].Name)

	_, err = Decode(context.Background(), bytes.NewReader(in), DecodeOptions{Format: FormatCSV, Encoding: "klingon"})
	assert.Error(t, err)
}

func TestDecodeCSVMissingColumns(t *testing.T) {
	t.Parallel()

	_, err := Decode(context.Background(), strings.NewReader("name,postcode\nAcme,X\n"), DecodeOptions{Format: FormatCSV})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = Decode(context.Background(), strings.NewReader("dataset,unique_id,postcode\na,1,X\n"), DecodeOptions{Format: FormatCSV})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestDecodeXLSX(t *testing.T) {
	t.Parallel()

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("orgs")
	require.NoError(t, err)
	for _, rowData := range [][]string{
		{"dataset", "unique_id", "name", "postcode"},
		{"gtr", "1", "Acme Corporation", "AB1 2CD"},
		{"", "", "", ""},
		{"cordis", "2", "Acme Corp", ""},
	} {
		row := sheet.AddRow()
		for _, v := range rowData {
			row.AddCell().SetString(v)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	recs, err := Decode(context.Background(), &buf, DecodeOptions{Format: FormatXLSX})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Acme Corp", recs[1].Name)
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FormatCSV, DetectFormat("data/orgs.CSV"))
	assert.Equal(t, FormatXLSX, DetectFormat("https://example.org/export.xlsx?token=1"))
	assert.Equal(t, FormatJSON, DetectFormat("ftp://host/uk_data.json"))
	assert.Equal(t, FormatJSON, DetectFormat("snapshot"))
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatAuto, f)
	f, err = ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	_, err = ParseFormat("parquet")
	assert.Error(t, err)
}
