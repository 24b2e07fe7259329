package store

import (
	"encoding/json"
	"sort"
)

// SortDocuments orders a collection snapshot in place by the given
// orderings, falling back to document ID so the order stays total.
// Backends that compute ordering client-side (NATS KV, Postgres
// notifications) share this; the field values are read from each
// document's JSON.
func SortDocuments(docs []Document, orderings []Ordering) {
	if len(docs) < 2 {
		return
	}

	// The decoded fields must move with their document during the sort, so
	// sort a combined slice rather than docs against a parallel one.
	type docFields struct {
		doc    Document
		fields map[string]any
	}
	combined := make([]docFields, len(docs))
	for i, doc := range docs {
		var m map[string]any
		if err := json.Unmarshal(doc.Data, &m); err != nil {
			m = nil
		}
		combined[i] = docFields{doc: doc, fields: m}
	}

	sort.SliceStable(combined, func(i, j int) bool {
		for _, ord := range orderings {
			c := CompareValues(combined[i].fields[ord.Field], combined[j].fields[ord.Field])
			if c == 0 {
				continue
			}
			if ord.Desc {
				return c > 0
			}
			return c < 0
		}
		return combined[i].doc.ID < combined[j].doc.ID
	})

	for i, c := range combined {
		docs[i] = c.doc
	}
}

// CompareValues orders two JSON-decoded values: nils first, then numbers,
// strings, bools; mixed types compare by kind so the order stays total.
func CompareValues(a, b any) int {
	ka, kb := valueKind(a), valueKind(b)
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case bool:
		bv := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
	}
	return 0
}

func valueKind(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	default:
		return 4
	}
}
