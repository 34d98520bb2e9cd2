package step

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/internal/model"
)

var varPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.\-]+)\}`)

// Vars carries the interpolation namespaces available to a step. Fields are
// nil-safe; an unset namespace resolves its variables to the empty string.
type Vars struct {
	Item      *model.WorkItem
	Setup     map[string]string
	Aggregate *model.Aggregate
	Extra     map[string]string // shell.output, foreach.item, foreach.index
}

// Interpolate replaces ${...} references in s. Unknown variables resolve to
// "" rather than failing the step; items routinely omit optional fields.
func Interpolate(s string, vars Vars) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		return resolve(name, vars)
	})
}

func resolve(name string, vars Vars) string {
	if v, ok := vars.Extra[name]; ok {
		return v
	}

	switch {
	case strings.HasPrefix(name, "item."):
		if vars.Item == nil {
			return ""
		}
		return vars.Item.Field(strings.TrimPrefix(name, "item."))
	case name == "item":
		if vars.Item == nil {
			return ""
		}
		return vars.Item.ID
	case strings.HasPrefix(name, "setup."):
		return vars.Setup[strings.TrimPrefix(name, "setup.")]
	case strings.HasPrefix(name, "map."):
		if vars.Aggregate == nil {
			return ""
		}
		switch strings.TrimPrefix(name, "map.") {
		case "successful":
			return fmt.Sprintf("%d", vars.Aggregate.Successful)
		case "failed":
			return fmt.Sprintf("%d", vars.Aggregate.Failed)
		case "total":
			return fmt.Sprintf("%d", vars.Aggregate.Total)
		case "results":
			data, err := json.Marshal(vars.Aggregate.Results)
			if err != nil {
				return ""
			}
			return string(data)
		}
		return ""
	default:
		return ""
	}
}
