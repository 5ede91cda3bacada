package harvest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseFileNumbers accepts a JSON array or a comma-separated list.
// Blank entries are dropped; order and duplicates are kept.
func ParseFileNumbers(raw string) ([]WorkItem, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoInput
	}

	if strings.HasPrefix(raw, "[") {
		items, err := parseJSONList(raw)
		if err == nil {
			return nonEmpty(items)
		}
	}

	var items []WorkItem
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			items = append(items, WorkItem(v))
		}
	}
	return nonEmpty(items)
}

func parseJSONList(raw string) ([]WorkItem, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("decode json list: %w", err)
	}
	items := make([]WorkItem, 0, len(values))
	for _, v := range values {
		var s string
		switch typed := v.(type) {
		case string:
			s = typed
		case json.Number:
			s = typed.String()
		case nil:
			continue
		default:
			s = fmt.Sprint(typed)
		}
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, WorkItem(s))
		}
	}
	return items, nil
}

func nonEmpty(items []WorkItem) ([]WorkItem, error) {
	if len(items) == 0 {
		return nil, ErrNoInput
	}
	return items, nil
}

// DecodeSearch extracts the hit rows from a search body.
// A body without rows decodes to an empty result.
func DecodeSearch(body []byte) (SearchResult, error) {
	var result SearchResult
	if err := json.Unmarshal(bytes.TrimSpace(body), &result); err != nil {
		return SearchResult{}, fmt.Errorf("decode search body: %w", err)
	}
	if result.Rows == nil {
		result.Rows = map[string]json.RawMessage{}
	}
	return result, nil
}
