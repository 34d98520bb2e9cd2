package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/storage"
)

// selectItems applies the map phase's item selection in fixed order:
// filter, sort, distinct, offset, max_items.
func selectItems(items []model.WorkItem, mp model.MapPhase) ([]model.WorkItem, error) {
	out := items

	if mp.Filter != "" {
		pred, err := parseFilter(mp.Filter)
		if err != nil {
			return nil, err
		}
		var kept []model.WorkItem
		for _, it := range out {
			if pred(it) {
				kept = append(kept, it)
			}
		}
		out = kept
	}

	if mp.SortBy != "" {
		field := mp.SortBy
		desc := strings.HasPrefix(field, "-")
		field = strings.TrimPrefix(field, "-")
		sorted := append([]model.WorkItem(nil), out...)
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := sorted[i].Field(field), sorted[j].Field(field)
			if desc {
				return a > b
			}
			return a < b
		})
		out = sorted
	}

	if mp.Distinct != "" {
		seen := map[string]bool{}
		var kept []model.WorkItem
		for _, it := range out {
			key := it.Field(mp.Distinct)
			if seen[key] {
				continue
			}
			seen[key] = true
			kept = append(kept, it)
		}
		out = kept
	}

	if mp.Offset > 0 {
		if mp.Offset >= len(out) {
			out = nil
		} else {
			out = out[mp.Offset:]
		}
	}
	if mp.MaxItems > 0 && len(out) > mp.MaxItems {
		out = out[:mp.MaxItems]
	}
	return out, nil
}

// parseFilter supports three forms: a bare field name (truthy when the
// field is present and non-empty), field == 'value', and field != 'value'.
func parseFilter(expr string) (func(model.WorkItem) bool, error) {
	expr = strings.TrimSpace(expr)

	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(expr, op); idx >= 0 {
			field := strings.TrimSpace(expr[:idx])
			value := strings.Trim(strings.TrimSpace(expr[idx+len(op):]), `'"`)
			if field == "" {
				return nil, fmt.Errorf("filter %q: empty field", expr)
			}
			eq := op == "=="
			return func(it model.WorkItem) bool {
				return (it.Field(field) == value) == eq
			}, nil
		}
	}

	if strings.ContainsAny(expr, " <>=") {
		return nil, fmt.Errorf("unsupported filter expression %q", expr)
	}
	return func(it model.WorkItem) bool {
		return it.Field(expr) != ""
	}, nil
}

// loadItemsFile reads a JSON array of objects and wraps them as work items.
func loadItemsFile(fs afero.Fs, path string) ([]model.WorkItem, error) {
	var rows []map[string]any
	if err := storage.ReadJSON(fs, path, &rows); err != nil {
		return nil, fmt.Errorf("load work items from %s: %w", path, err)
	}
	return model.NewWorkItems(rows), nil
}
