package extract

// entityCategories are the entity lists deduplicated by name.
var entityCategories = []string{"people", "organizations", "companies"}

// SmartUnion merges per-chunk extraction results into one record. The first
// result is the base; list fields append unseen members (locations and
// entities keyed by name, dates by date) and scalar fields take the first
// non-empty value.
func SmartUnion(results []map[string]any) map[string]any {
	if len(results) == 0 {
		return map[string]any{}
	}
	merged := make(map[string]any, len(results[0]))
	for k, v := range results[0] {
		merged[k] = v
	}

	for _, chunk := range results[1:] {
		mergeKeyedList(merged, chunk, "locations", "name")
		mergeKeyedList(merged, chunk, "dates", "date")
		mergeEntities(merged, chunk)
		mergeScalars(merged, chunk)
	}
	return merged
}

func mergeKeyedList(merged, chunk map[string]any, field, key string) {
	add, ok := chunk[field].([]any)
	if !ok || len(add) == 0 {
		return
	}
	base, _ := merged[field].([]any)
	seen := seenKeys(base, key)
	for _, item := range add {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		k, _ := m[key].(string)
		if k == "" || seen[k] {
			continue
		}
		base = append(base, item)
		seen[k] = true
	}
	merged[field] = base
}

func mergeEntities(merged, chunk map[string]any) {
	add, ok := chunk["entities"].(map[string]any)
	if !ok {
		return
	}
	base, ok := merged["entities"].(map[string]any)
	if !ok {
		base = map[string]any{}
	}
	for _, category := range entityCategories {
		list, ok := add[category].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		existing, _ := base[category].([]any)
		seen := seenKeys(existing, "name")
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			if name == "" || seen[name] {
				continue
			}
			existing = append(existing, item)
			seen[name] = true
		}
		base[category] = existing
	}
	merged["entities"] = base
}

// mergeScalars fills empty string fields from later chunks.
func mergeScalars(merged, chunk map[string]any) {
	for k, v := range chunk {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		cur, isStr := merged[k].(string)
		if merged[k] == nil || (isStr && cur == "") {
			merged[k] = s
		}
	}
}

func seenKeys(list []any, key string) map[string]bool {
	seen := make(map[string]bool, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if k, _ := m[key].(string); k != "" {
				seen[k] = true
			}
		}
	}
	return seen
}
