package collection

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/vango-dev/pulse/pkg/pulse"
)

// Key is a record's primary key. Numeric ids are normalized to their decimal
// form, so 42, 42.0 and "42" name the same record.
type Key string

// Record is one normalized item.
type Record = map[string]any

// KeyOf normalizes a primary-key value. It reports false for nil, empty
// strings, non-integral floats and unsupported types.
func KeyOf(v any) (Key, bool) {
	switch k := v.(type) {
	case Key:
		return k, k != ""
	case string:
		return Key(k), k != ""
	case int:
		return Key(strconv.Itoa(k)), true
	case int8:
		return Key(strconv.FormatInt(int64(k), 10)), true
	case int16:
		return Key(strconv.FormatInt(int64(k), 10)), true
	case int32:
		return Key(strconv.FormatInt(int64(k), 10)), true
	case int64:
		return Key(strconv.FormatInt(k, 10)), true
	case uint:
		return Key(strconv.FormatUint(uint64(k), 10)), true
	case uint8:
		return Key(strconv.FormatUint(uint64(k), 10)), true
	case uint16:
		return Key(strconv.FormatUint(uint64(k), 10)), true
	case uint32:
		return Key(strconv.FormatUint(uint64(k), 10)), true
	case uint64:
		return Key(strconv.FormatUint(k, 10)), true
	case float32:
		return floatKey(float64(k))
	case float64:
		return floatKey(k)
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return Key(strconv.FormatInt(i, 10)), true
		}
		if f, err := k.Float64(); err == nil {
			return floatKey(f)
		}
		return "", false
	case fmt.Stringer:
		s := k.String()
		return Key(s), s != ""
	default:
		return "", false
	}
}

func floatKey(f float64) (Key, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return "", false
	}
	return Key(strconv.FormatFloat(f, 'f', -1, 64)), true
}

// normalize turns collect input into records. Maps are used as is (and
// copied); anything else goes through JSON, so tagged structs work.
func normalize(items any) ([]Record, error) {
	switch v := items.(type) {
	case nil:
		return nil, nil
	case Record:
		return []Record{pulse.Clone(v)}, nil
	case []Record:
		out := make([]Record, 0, len(v))
		for _, r := range v {
			if r != nil {
				out = append(out, pulse.Clone(r))
			}
		}
		return out, nil
	case []any:
		out := make([]Record, 0, len(v))
		for i, item := range v {
			recs, err := normalize(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, recs...)
		}
		return out, nil
	}

	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", items, err)
	}
	if len(data) > 0 && data[0] == '[' {
		var out []Record
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("normalize %T: %w", items, err)
		}
		return out, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", items, err)
	}
	return []Record{rec}, nil
}

// deepMerge merges src into dst. Nested records are merged key by key;
// every other value replaces the destination.
func deepMerge(dst, src Record) Record {
	if dst == nil {
		dst = make(Record, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(Record); ok {
			if existing, ok := dst[k].(Record); ok {
				dst[k] = deepMerge(existing, sub)
				continue
			}
		}
		dst[k] = pulse.Clone(v)
	}
	return dst
}

// shallowMerge replaces top-level keys only.
func shallowMerge(dst, src Record) Record {
	if dst == nil {
		dst = make(Record, len(src))
	}
	for k, v := range src {
		dst[k] = pulse.Clone(v)
	}
	return dst
}

// insertKey returns keys with key inserted at index. By default an existing
// occurrence is removed first; with overwrite false an existing key is left
// in place. An index past the end appends.
func insertKey(keys []Key, key Key, index int, overwrite bool) []Key {
	existing := indexOf(keys, key)
	if existing >= 0 {
		if !overwrite {
			return keys
		}
		keys = append(keys[:existing:existing], keys[existing+1:]...)
	}
	if index < 0 || index > len(keys) {
		index = len(keys)
	}
	out := make([]Key, 0, len(keys)+1)
	out = append(out, keys[:index]...)
	out = append(out, key)
	return append(out, keys[index:]...)
}

// removeKeys returns keys without any of drop.
func removeKeys(keys []Key, drop ...Key) []Key {
	if len(drop) == 0 {
		return keys
	}
	set := make(map[Key]struct{}, len(drop))
	for _, k := range drop {
		set[k] = struct{}{}
	}
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := set[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func indexOf(keys []Key, key Key) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}

// dedupeAt drops every other occurrence of keys[pos].
func dedupeAt(keys []Key, pos int) []Key {
	out := make([]Key, 0, len(keys))
	for i, k := range keys {
		if k == keys[pos] && i != pos {
			continue
		}
		out = append(out, k)
	}
	return out
}
