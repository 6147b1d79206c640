package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rec     Record
		wantErr string
	}{
		{"ok", Record{Dataset: "a", UniqueID: "1", Name: "Acme"}, ""},
		{"short name only", Record{Dataset: "a", UniqueID: "1", ShortName: "ACME"}, ""},
		{"missing dataset", Record{UniqueID: "1", Name: "Acme"}, "dataset is required"},
		{"missing id", Record{Dataset: "a", Name: "Acme"}, "unique_id is required"},
		{"no names", Record{Dataset: "a", UniqueID: "1", Name: "  "}, "no name or short_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRecordTupleIgnoresIsNew(t *testing.T) {
	t.Parallel()

	a := Record{Dataset: "a", UniqueID: "1", Name: "Acme", IsNew: true}
	b := a
	b.IsNew = false
	assert.Equal(t, a.Tuple(), b.Tuple())
	assert.Equal(t, a, a.Tuple().Record(true))
}

func TestEntryItem(t *testing.T) {
	t.Parallel()

	e := Entry{Key: "acme", Record: Record{Dataset: "a", UniqueID: "1", Name: "ACME", Postcode: "AB1 2CD"}}
	assert.Equal(t, Item{OrgName: "acme", UniqueID: "1", Dataset: "a", Postcode: "AB1 2CD"}, e.Item())
	assert.Equal(t, "a/1", e.Item().Ref().String())
}
