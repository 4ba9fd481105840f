// Package tomlkeys flattens a decoded config document into dotted keys, so
// a [relay] table entry and a relay.* dotted key read the same.
package tomlkeys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Store holds config file values by normalized key, formatted as text for
// the flag and environment layers to share one parser.
type Store struct {
	values map[string]string
}

func Decode(data []byte) (Store, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Store{}, err
	}
	return FromRaw(raw), nil
}

// FromRaw flattens an already decoded document. When two spellings
// normalize to the same key the first in sort order wins.
func FromRaw(raw map[string]any) Store {
	values := make(map[string]string)
	flatten("", raw, values)
	return Store{values: values}
}

func (s Store) Lookup(key string) (string, bool) {
	value, ok := s.values[NormalizeKey(key)]
	return value, ok
}

// Unknown lists the keys in the file that known rejects, sorted.
func (s Store) Unknown(known func(string) bool) []string {
	var keys []string
	for key := range s.values {
		if !known(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// NormalizeKey lowercases key and spells underscores as dashes.
func NormalizeKey(key string) string {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(strings.ToLower(part), "_", "-")
	}
	return strings.Join(parts, ".")
}

func flatten(prefix string, raw map[string]any, out map[string]string) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if table, ok := raw[name].(map[string]any); ok {
			flatten(key, table, out)
			continue
		}
		key = NormalizeKey(key)
		if _, taken := out[key]; !taken {
			out[key] = fmt.Sprint(raw[name])
		}
	}
}
