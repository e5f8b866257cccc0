package models

import (
	"fmt"
	"strconv"
)

// KeyValue is one entry of an ordered annotation or parameter list.
type KeyValue struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// KeyValues is an ordered key/value list as the platform stores annotations
// and bound parameters. The list is treated as immutable, updates go through
// With and Without which return copies:
//
//	action.Annotations = action.Annotations.With(AnnotationAgent, true)
type KeyValues []KeyValue

func (m KeyValues) clone() KeyValues {
	if m == nil {
		return nil
	}
	c := make(KeyValues, len(m))
	copy(c, m)
	return c
}

// Get returns the value of key, if present.
func (m KeyValues) Get(key string) (interface{}, bool) {
	for _, kv := range m {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// GetString returns the value of key formatted as a string, or empty.
func (m KeyValues) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// GetBool accepts real booleans and their string spellings.
func (m KeyValues) GetBool(key string) bool {
	v, ok := m.Get(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		p, _ := strconv.ParseBool(b)
		return p
	}
	return false
}

// With returns a copy of m with key set to value, replacing an existing
// entry in place so the order is stable.
func (m KeyValues) With(key string, value interface{}) KeyValues {
	c := m.clone()
	for i := range c {
		if c[i].Key == key {
			c[i].Value = value
			return c
		}
	}
	return append(c, KeyValue{Key: key, Value: value})
}

// Without returns a copy of m with key removed.
func (m KeyValues) Without(key string) KeyValues {
	var c KeyValues
	for _, kv := range m {
		if kv.Key != key {
			c = append(c, kv)
		}
	}
	return c
}

// Map flattens m into a map, later duplicates win.
func (m KeyValues) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for _, kv := range m {
		out[kv.Key] = kv.Value
	}
	return out
}
