package store

import (
	"encoding/json"
	"maps"
)

const (
	createdField = "created"
	updatedField = "updated"
)

// keyRow is the per-key metadata persisted under $keyPath. It flattens to
// {"created":..,"updated":..,...extra}.
type keyRow struct {
	Created int64
	Updated int64
	Extra   map[string]any
}

func (r *keyRow) clone() *keyRow {
	return &keyRow{Created: r.Created, Updated: r.Updated, Extra: maps.Clone(r.Extra)}
}

// merge copies md into Extra; created and updated are reserved.
func (r *keyRow) merge(md map[string]any) {
	for k, v := range md {
		if k == createdField || k == updatedField {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any, len(md))
		}
		r.Extra[k] = v
	}
}

func (r *keyRow) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Extra)+2)
	maps.Copy(flat, r.Extra)
	flat[createdField] = r.Created
	flat[updatedField] = r.Updated
	return json.Marshal(flat)
}

func (r *keyRow) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	*r = keyRow{}
	for k, raw := range flat {
		switch k {
		case createdField:
			if err := json.Unmarshal(raw, &r.Created); err != nil {
				return err
			}
		case updatedField:
			if err := json.Unmarshal(raw, &r.Updated); err != nil {
				return err
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			r.Extra[k] = v
		}
	}
	return nil
}
