package model

import "fmt"

// WorkItem is one unit of Map-phase input. The payload shape is opaque to
// the core; only the identifying field matters. Items are immutable once
// dispatched.
type WorkItem struct {
	ID   string         `json:"item_id" yaml:"item_id"`
	Data map[string]any `json:"data" yaml:"data"`
}

// DeriveItemID returns the caller-supplied identifier from the payload
// ("item_id", then "id"), falling back to a positional ID.
func DeriveItemID(index int, data map[string]any) string {
	for _, key := range []string{"item_id", "id"} {
		if v, ok := data[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
			if n, ok := v.(float64); ok {
				return fmt.Sprintf("%v", int64(n))
			}
		}
	}
	return fmt.Sprintf("item_%d", index)
}

// NewWorkItems wraps raw JSON objects as WorkItems with stable IDs.
func NewWorkItems(rows []map[string]any) []WorkItem {
	items := make([]WorkItem, 0, len(rows))
	for i, row := range rows {
		items = append(items, WorkItem{ID: DeriveItemID(i, row), Data: row})
	}
	return items
}

// Field returns a payload field as a string, "" when absent.
func (w WorkItem) Field(name string) string {
	v, ok := w.Data[name]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
