// Package dedupe collapses duplicate records within a single run.
package dedupe

import (
	"strings"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// Deduper accumulates records incrementally, keeping first-seen order. A
// later duplicate replaces the kept record only when it carries strictly
// more populated fields; ties keep the first-seen record.
type Deduper struct {
	source engine.Source
	order  []string
	byKey  map[string]engine.NormalizedRecord
}

// New builds a Deduper for one run.
func New(source engine.Source) *Deduper {
	return &Deduper{
		source: source,
		byKey:  make(map[string]engine.NormalizedRecord),
	}
}

// Add merges one record. It reports whether the record introduced a new
// identity.
func (d *Deduper) Add(rec engine.NormalizedRecord) bool {
	key := d.keyFor(rec)
	existing, seen := d.byKey[key]
	if !seen {
		d.byKey[key] = rec
		d.order = append(d.order, key)
		return true
	}
	if rec.PopulatedFields() > existing.PopulatedFields() {
		d.byKey[key] = rec
	}
	return false
}

// Len is the current unique record count.
func (d *Deduper) Len() int {
	return len(d.order)
}

// Records returns the unique records in first-seen order.
func (d *Deduper) Records() []engine.NormalizedRecord {
	out := make([]engine.NormalizedRecord, 0, len(d.order))
	for _, key := range d.order {
		out = append(out, d.byKey[key])
	}
	return out
}

// keyFor derives the identity key. The registry keys on tax ID since it is
// the durable identifier there; the other sources key on phone. Records
// missing the primary key fall back to the lowercased name, with the issue
// date appended for the registry to keep re-registrations distinct.
func (d *Deduper) keyFor(rec engine.NormalizedRecord) string {
	if d.source == engine.SourceRegistry {
		if rec.TaxID != "" {
			return "tax:" + rec.TaxID
		}
		key := "name:" + strings.ToLower(rec.Name)
		if rec.IssueDate != nil {
			key += ":" + rec.IssueDate.Format("2006-01-02")
		}
		return key
	}
	if rec.Phone != "" {
		return "phone:" + rec.Phone
	}
	return "name:" + strings.ToLower(rec.Name)
}
