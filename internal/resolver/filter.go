package resolver

import "path"

// selectorKind is which of the three range-filter selectors a request used.
type selectorKind string

const (
	selectorKey       selectorKind = "Key"
	selectorKeyPrefix selectorKind = "KeyPrefix"
	selectorKeyPattern selectorKind = "KeyPattern"
)

// rangeSelector is the decoded form of a `{range_key: {Key|KeyPrefix|
// KeyPattern: value}}` filter payload (spec §4.6).
type rangeSelector struct {
	kind  selectorKind
	value string
}

// parseRangeFilter extracts the range selector for rangeKey out of a raw
// filter map of shape {"range_filter": {rangeKey: {...}}}. ok is false if
// filter does not carry a recognizable selector for rangeKey, in which
// case callers fall back to returning every entry.
func parseRangeFilter(filter map[string]interface{}, rangeKey string) (rangeSelector, bool) {
	if filter == nil {
		return rangeSelector{}, false
	}
	rf, ok := filter["range_filter"].(map[string]interface{})
	if !ok {
		return rangeSelector{}, false
	}
	raw, ok := rf[rangeKey]
	if !ok {
		return rangeSelector{}, false
	}
	sel, ok := raw.(map[string]interface{})
	if !ok {
		return rangeSelector{}, false
	}
	if v, ok := sel[string(selectorKey)].(string); ok {
		return rangeSelector{kind: selectorKey, value: v}, true
	}
	if v, ok := sel[string(selectorKeyPrefix)].(string); ok {
		return rangeSelector{kind: selectorKeyPrefix, value: v}, true
	}
	if v, ok := sel[string(selectorKeyPattern)].(string); ok {
		return rangeSelector{kind: selectorKeyPattern, value: v}, true
	}
	return rangeSelector{}, false
}

// matches reports whether entryKey satisfies the selector.
func (s rangeSelector) matches(entryKey string) bool {
	switch s.kind {
	case selectorKey:
		return entryKey == s.value
	case selectorKeyPrefix:
		return len(entryKey) >= len(s.value) && entryKey[:len(s.value)] == s.value
	case selectorKeyPattern:
		ok, err := path.Match(s.value, entryKey)
		return err == nil && ok
	default:
		return false
	}
}
