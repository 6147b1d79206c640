package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Record is one row from a source dataset snapshot. Records are never
// mutated once loaded; downstream stages copy them into Items.
type Record struct {
	Dataset   string `json:"dataset"`
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
	Postcode  string `json:"postcode,omitempty"`
	IsNew     bool   `json:"is_new"`
}

// RecordTuple is the full field tuple of a Record used for set semantics
// in the snapshot diff. IsNew is derived and therefore excluded.
type RecordTuple struct {
	Dataset   string
	UniqueID  string
	Name      string
	ShortName string
	Postcode  string
}

// ItemRef identifies a record across datasets.
type ItemRef struct {
	Dataset  string `json:"dataset"`
	UniqueID string `json:"unique_id"`
}

// String returns "dataset/unique_id".
func (r ItemRef) String() string {
	return r.Dataset + "/" + r.UniqueID
}

// Tuple returns the comparable field tuple for r.
func (r Record) Tuple() RecordTuple {
	return RecordTuple{
		Dataset:   r.Dataset,
		UniqueID:  r.UniqueID,
		Name:      r.Name,
		ShortName: r.ShortName,
		Postcode:  r.Postcode,
	}
}

// Record converts a tuple back into a Record with the given new flag.
func (t RecordTuple) Record(isNew bool) Record {
	return Record{
		Dataset:   t.Dataset,
		UniqueID:  t.UniqueID,
		Name:      t.Name,
		ShortName: t.ShortName,
		Postcode:  t.Postcode,
		IsNew:     isNew,
	}
}

// Ref returns the (dataset, unique_id) reference of r.
func (r Record) Ref() ItemRef {
	return ItemRef{Dataset: r.Dataset, UniqueID: r.UniqueID}
}

// Validate reports whether r carries the fields every stage relies on.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Dataset) == "" {
		return eris.New("record: dataset is required")
	}
	if strings.TrimSpace(r.UniqueID) == "" {
		return eris.Errorf("record: unique_id is required (dataset %q)", r.Dataset)
	}
	if strings.TrimSpace(r.Name) == "" && strings.TrimSpace(r.ShortName) == "" {
		return eris.Errorf("record: %s has no name or short_name", r.Ref())
	}
	return nil
}

// Item is one member of a group: a record keyed by its canonical name.
type Item struct {
	OrgName  string `json:"org_name"`
	UniqueID string `json:"unique_id"`
	Dataset  string `json:"dataset"`
	Postcode string `json:"postcode"`
}

// Ref returns the (dataset, unique_id) reference of i.
func (i Item) Ref() ItemRef {
	return ItemRef{Dataset: i.Dataset, UniqueID: i.UniqueID}
}

// Entry pairs a record with its canonical key.
type Entry struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
}

// Item returns the group item for e.
func (e Entry) Item() Item {
	return Item{
		OrgName:  e.Key,
		UniqueID: e.Record.UniqueID,
		Dataset:  e.Record.Dataset,
		Postcode: e.Record.Postcode,
	}
}

// Evidence is one web-search result attached to a name.
type Evidence struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// EvidenceCache is a stored evidence lookup for one (provider, name).
type EvidenceCache struct {
	Provider  string     `json:"provider"`
	Name      string     `json:"name"`
	Results   []Evidence `json:"results"`
	FetchedAt time.Time  `json:"fetched_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}
