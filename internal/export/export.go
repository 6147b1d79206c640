// Package export writes the persisted group store as the artifact consumed
// by review tooling: a JSON mapping keyed by group id, or flat CSV and
// XLSX sheets with one row per item.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/store"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name. Empty means JSON.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	}
	return "", eris.Errorf("export: unsupported format %q", name)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// Group is one entry of the artifact mapping.
type Group struct {
	Name             string       `json:"name"`
	Items            []model.Item `json:"items"`
	OrganisationType string       `json:"organisation_type,omitempty"`
}

// Artifact builds the group_id keyed mapping.
func Artifact(groups []model.EntityGroup) map[string]Group {
	out := make(map[string]Group, len(groups))
	for _, g := range groups {
		items := g.Items
		if items == nil {
			items = []model.Item{}
		}
		out[g.ID] = Group{Name: g.Name, Items: items, OrganisationType: g.OrganisationType}
	}
	return out
}

// Groups reads every persisted group, oldest first.
func Groups(ctx context.Context, st store.Store) ([]model.EntityGroup, error) {
	groups, err := st.ListGroups(ctx, store.GroupFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "export: list groups")
	}
	return groups, nil
}

// Write encodes groups to w in the given format.
func Write(w io.Writer, format Format, groups []model.EntityGroup) error {
	switch format {
	case FormatJSON, "":
		return WriteJSON(w, groups)
	case FormatCSV:
		return WriteCSV(w, groups)
	case FormatXLSX:
		return WriteXLSX(w, groups)
	}
	return eris.Errorf("export: unsupported format %q", format)
}

// WriteJSON writes the artifact mapping as indented JSON.
func WriteJSON(w io.Writer, groups []model.EntityGroup) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Artifact(groups)); err != nil {
		return eris.Wrap(err, "export: encode JSON")
	}
	return nil
}

var header = []string{"group_id", "name", "organisation_type", "org_name", "dataset", "unique_id", "postcode"}

func rows(groups []model.EntityGroup) [][]string {
	var out [][]string
	for _, g := range groups {
		for _, it := range g.Items {
			out = append(out, []string{g.ID, g.Name, g.OrganisationType, it.OrgName, it.Dataset, it.UniqueID, it.Postcode})
		}
	}
	return out
}

// WriteCSV writes one row per item.
func WriteCSV(w io.Writer, groups []model.EntityGroup) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "export: write CSV header")
	}
	for _, row := range rows(groups) {
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "export: write CSV row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush CSV")
}

// WriteXLSX writes one row per item to a "groups" sheet.
func WriteXLSX(w io.Writer, groups []model.EntityGroup) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("groups")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	for _, data := range append([][]string{header}, rows(groups)...) {
		row := sheet.AddRow()
		for _, v := range data {
			row.AddCell().SetString(v)
		}
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write XLSX")
	}
	return nil
}
