package nostr

import (
	"encoding/json"
	"fmt"
	"strings"

	"nostr-sync/internal/types"
)

// FilterToMap converts a filter to its NIP-01 JSON object form
func FilterToMap(f types.Filter) map[string]interface{} {
	reqFilter := map[string]interface{}{}
	if len(f.IDs) > 0 {
		reqFilter["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		reqFilter["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		reqFilter["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			reqFilter["#"+name] = values
		}
	}
	if f.Since != nil {
		reqFilter["since"] = *f.Since
	}
	if f.Until != nil {
		reqFilter["until"] = *f.Until
	}
	if f.Limit > 0 {
		reqFilter["limit"] = f.Limit
	}
	return reqFilter
}

// Matches reports whether the event satisfies every constraint of the filter.
// Limit is a relay-side hint and is not checked.
func Matches(f types.Filter, evt *types.Event) bool {
	if evt == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !hasTagValue(evt.Tags, name, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether the event satisfies at least one filter.
// An empty filter list matches nothing.
func MatchesAny(filters []types.Filter, evt *types.Event) bool {
	for _, f := range filters {
		if Matches(f, evt) {
			return true
		}
	}
	return false
}

func hasTagValue(tags [][]string, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

// ParseFilter decodes a NIP-01 filter object. Unknown keys are ignored;
// "#x" keys become tag constraints.
func ParseFilter(data []byte) (types.Filter, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return types.Filter{}, fmt.Errorf("%w: filter: %v", ErrMalformed, err)
	}

	var f types.Filter
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(value, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(value, f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			err = json.Unmarshal(value, &values)
			f = f.WithTag(key[1:], values...)
		}
		if err != nil {
			return types.Filter{}, fmt.Errorf("%w: filter %s: %v", ErrMalformed, key, err)
		}
	}
	return f, nil
}
