package snapshot

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/orgsync/internal/model"
)

// ErrInvalidRecord marks snapshot input that cannot be turned into records.
var ErrInvalidRecord = eris.New("snapshot: invalid record")

// Format is a snapshot file format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	}
	return "", eris.Errorf("snapshot: unknown format %q", s)
}

// DetectFormat guesses the format of a location from its extension,
// defaulting to JSON.
func DetectFormat(location string) Format {
	loc := location
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	switch strings.ToLower(path.Ext(loc)) {
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	}
	return FormatJSON
}

// DecodeOptions configures Decode.
type DecodeOptions struct {
	Format Format
	// Encoding names the character set of CSV input (e.g. "windows-1252").
	// Empty means UTF-8.
	Encoding string
	// Sheet selects an XLSX sheet by name; empty means the first sheet.
	Sheet string
}

// Decode reads every record from r and validates it. Any invalid record
// fails the whole snapshot with ErrInvalidRecord.
func Decode(ctx context.Context, r io.Reader, opts DecodeOptions) ([]model.Record, error) {
	var (
		recs []model.Record
		err  error
	)
	switch opts.Format {
	case FormatJSON, FormatAuto, "":
		recs, err = decodeJSON(ctx, r)
	case FormatCSV:
		recs, err = decodeCSV(ctx, r, opts.Encoding)
	case FormatXLSX:
		recs, err = decodeXLSX(r, opts.Sheet)
	default:
		return nil, eris.Errorf("snapshot: unknown format %q", opts.Format)
	}
	if err != nil {
		return nil, err
	}

	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			return nil, eris.Wrapf(ErrInvalidRecord, "record %d: %v", i, err)
		}
	}
	return recs, nil
}

// jsonString accepts strings, numbers and null for identifier fields.
type jsonString string

func (s *jsonString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = jsonString(str)
	case len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')):
		*s = jsonString(b)
	default:
		return eris.Errorf("expected string or number, got %s", b)
	}
	return nil
}

type jsonRecord struct {
	Dataset   jsonString `json:"dataset"`
	UniqueID  jsonString `json:"unique_id"`
	Name      jsonString `json:"name"`
	ShortName jsonString `json:"short_name"`
	Postcode  jsonString `json:"postcode"`
}

func decodeJSON(ctx context.Context, r io.Reader) ([]model.Record, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidRecord, "json: read opening token: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Wrapf(ErrInvalidRecord, "json: expected '[', got %v", tok)
	}

	var out []model.Record
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "json: context cancelled")
		}
		var jr jsonRecord
		if err := dec.Decode(&jr); err != nil {
			return nil, eris.Wrapf(ErrInvalidRecord, "json: element %d: %v", len(out), err)
		}
		out = append(out, model.Record{
			Dataset:   strings.TrimSpace(string(jr.Dataset)),
			UniqueID:  strings.TrimSpace(string(jr.UniqueID)),
			Name:      string(jr.Name),
			ShortName: string(jr.ShortName),
			Postcode:  strings.TrimSpace(string(jr.Postcode)),
		})
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrapf(ErrInvalidRecord, "json: read closing token: %v", err)
	}
	return out, nil
}

var columnAliases = map[string]string{
	"dataset":        "dataset",
	"source_dataset": "dataset",
	"source":         "dataset",
	"unique_id":      "unique_id",
	"uniqueid":       "unique_id",
	"id":             "unique_id",
	"name":           "name",
	"raw_name":       "name",
	"org_name":       "name",
	"short_name":     "short_name",
	"shortname":      "short_name",
	"postcode":       "postcode",
	"post_code":      "postcode",
	"zip":            "postcode",
}

// columnMap resolves header cells to record fields.
type columnMap map[string]int

func newColumnMap(header []string) (columnMap, error) {
	cols := make(columnMap)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		h = strings.ReplaceAll(h, " ", "_")
		if field, ok := columnAliases[h]; ok {
			if _, dup := cols[field]; !dup {
				cols[field] = i
			}
		}
	}
	for _, required := range []string{"dataset", "unique_id"} {
		if _, ok := cols[required]; !ok {
			return nil, eris.Wrapf(ErrInvalidRecord, "header is missing a %s column", required)
		}
	}
	_, hasName := cols["name"]
	_, hasShort := cols["short_name"]
	if !hasName && !hasShort {
		return nil, eris.Wrap(ErrInvalidRecord, "header has neither a name nor a short_name column")
	}
	return cols, nil
}

func (c columnMap) get(row []string, field string) string {
	i, ok := c[field]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (c columnMap) record(row []string) model.Record {
	return model.Record{
		Dataset:   strings.TrimSpace(c.get(row, "dataset")),
		UniqueID:  strings.TrimSpace(c.get(row, "unique_id")),
		Name:      c.get(row, "name"),
		ShortName: c.get(row, "short_name"),
		Postcode:  strings.TrimSpace(c.get(row, "postcode")),
	}
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func decodeCSV(ctx context.Context, r io.Reader, encoding string) ([]model.Record, error) {
	if encoding != "" && !strings.EqualFold(encoding, "utf-8") && !strings.EqualFold(encoding, "utf8") {
		enc, err := htmlindex.Get(encoding)
		if err != nil {
			return nil, eris.Wrapf(err, "csv: unsupported encoding %q", encoding)
		}
		r = enc.NewDecoder().Reader(r)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidRecord, "csv: read header: %v", err)
	}
	cols, err := newColumnMap(header)
	if err != nil {
		return nil, err
	}

	var out []model.Record
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "csv: context cancelled")
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidRecord, "csv: line %d: %v", line, err)
		}
		if blankRow(row) {
			continue
		}
		out = append(out, cols.record(row))
	}
	return out, nil
}

func decodeXLSX(r io.Reader, sheetName string) ([]model.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: read")
	}
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidRecord, "xlsx: open: %v", err)
	}

	var sheet *xlsx.Sheet
	switch {
	case sheetName != "":
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Wrapf(ErrInvalidRecord, "xlsx: sheet %q not found", sheetName)
		}
		sheet = s
	case len(f.Sheets) > 0:
		sheet = f.Sheets[0]
	default:
		return nil, eris.Wrap(ErrInvalidRecord, "xlsx: workbook has no sheets")
	}

	if len(sheet.Rows) == 0 {
		return nil, eris.Wrap(ErrInvalidRecord, "xlsx: sheet is empty")
	}
	cols, err := newColumnMap(cellStrings(sheet.Rows[0]))
	if err != nil {
		return nil, err
	}

	var out []model.Record
	for _, row := range sheet.Rows[1:] {
		if row == nil {
			continue
		}
		cells := cellStrings(row)
		if blankRow(cells) {
			continue
		}
		out = append(out, cols.record(cells))
	}
	return out, nil
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}
