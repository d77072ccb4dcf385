// Package store implements domain.Store on Redis, and in memory for tests and
// single process setups.
package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/dontdude/verifyq/internal/domain"
)

// normalize converts v to its JSON document form and replaces server value
// placeholders with now.
func normalize(v any, now int64) (any, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return resolve(out, now), nil
}

func resolve(v any, now int64) any {
	m, ok := v.(map[string]any)
	if !ok {
		if list, ok := v.([]any); ok {
			for i := range list {
				list[i] = resolve(list[i], now)
			}
		}
		return v
	}

	if len(m) == 1 && m[domain.ServerValueKey] == "timestamp" {
		return float64(now)
	}
	for k, child := range m {
		m[k] = resolve(child, now)
	}
	return m
}

// normalizeDocument is normalize for whole records.
func normalizeDocument(v any, now int64) (map[string]any, error) {
	out, err := normalize(v, now)
	if err != nil || out == nil {
		return nil, err
	}

	doc, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record value must be an object, got %T", v)
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return doc, nil
}

// applyUpdate returns a copy of doc with u applied, or ErrPreconditionFailed.
// A nil result means the record is now empty.
func applyUpdate(doc map[string]any, u domain.Update, now int64) (map[string]any, error) {
	for path, want := range u.Expect {
		want, err := normalize(want, now)
		if err != nil {
			return nil, err
		}
		got, _ := domain.Lookup(doc, path)
		if !reflect.DeepEqual(got, want) {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrPreconditionFailed, u.Record, path)
		}
	}

	next := deepCopy(doc)
	for path, value := range u.Fields {
		value, err := normalize(value, now)
		if err != nil {
			return nil, err
		}
		domain.Assign(next, path, value)
	}

	if len(next) == 0 {
		return nil, nil
	}
	return next, nil
}

func deepCopy(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if child, ok := v.(map[string]any); ok {
			out[k] = deepCopy(child)
			continue
		}
		out[k] = v
	}
	return out
}
