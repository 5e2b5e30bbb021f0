// Package redact masks sensitive fields and values in outgoing log
// entries. Redaction applies to search results, exports, and alarm
// payloads; the stored entry is never modified, so the reveal path can
// return it verbatim.
package redact

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Masks. Search and export results use the long mask, alarm payloads
// the short one.
const (
	MaskSearch = "*****"
	MaskAlarm  = "***"
)

var ErrBadConfig = errors.New("bad redaction config")

// DefaultKeys are always present in the effective configuration.
var DefaultKeys = []string{"password", "passwd"}

// defaultGroup guards the default keys in message text. Group 1 keeps
// the key and separator, group 2 is the value that gets masked.
const defaultGroupName = `["password","passwd"]`
const defaultGroupPattern = `(?i)((?:password|passwd)\s*[=:]\s*)(\S+)`

// Group holds the regex patterns registered under one property of the
// grouped config.
type Group struct {
	Patterns []string `json:"patterns"`
}

// Config is the grouped redaction configuration. A property name is
// either a single keyword or a JSON-encoded array of keywords; the
// value lists the regex patterns for that group.
type Config map[string]Group

// legacyConfig is the pre-grouped flat format, migrated on load.
type legacyConfig struct {
	Keys     []string `json:"keys"`
	Patterns []string `json:"patterns"`
}

// Flat is the flattened view of a Config: the case-insensitive key set
// for metadata masking and the compiled pattern list in deterministic
// group order.
type Flat struct {
	Keys     map[string]bool
	Patterns []*regexp.Regexp
}

// groupKeys parses a property name into its keyword list.
func groupKeys(name string) ([]string, error) {
	if strings.HasPrefix(strings.TrimSpace(name), "[") {
		var keys []string
		if err := json.Unmarshal([]byte(name), &keys); err != nil {
			return nil, fmt.Errorf("%w: group name %q: %v", ErrBadConfig, name, err)
		}
		return keys, nil
	}
	return []string{name}, nil
}

// WithDefaults returns a copy of c with the default group merged in.
// The default keys are always part of the effective config.
func (c Config) WithDefaults() Config {
	out := make(Config, len(c)+1)
	for name, g := range c {
		out[name] = g
	}
	covered := make(map[string]bool)
	for name := range out {
		keys, err := groupKeys(name)
		if err != nil {
			continue
		}
		for _, k := range keys {
			covered[strings.ToLower(k)] = true
		}
	}
	missing := false
	for _, k := range DefaultKeys {
		if !covered[k] {
			missing = true
		}
	}
	if missing {
		g := out[defaultGroupName]
		if len(g.Patterns) == 0 {
			g.Patterns = []string{defaultGroupPattern}
		}
		out[defaultGroupName] = g
	}
	return out
}

// Flatten validates the config and produces the flat view. Group names
// are sorted so the pattern order is stable across loads.
func (c Config) Flatten() (Flat, error) {
	flat := Flat{Keys: make(map[string]bool)}
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		keys, err := groupKeys(name)
		if err != nil {
			return Flat{}, err
		}
		for _, k := range keys {
			flat.Keys[strings.ToLower(k)] = true
		}
		for _, p := range c[name].Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return Flat{}, fmt.Errorf("%w: pattern %q: %v", ErrBadConfig, p, err)
			}
			flat.Patterns = append(flat.Patterns, re)
		}
	}
	return flat, nil
}

// FlatView is the convenience shape returned alongside the grouped map
// by the config endpoint.
type FlatView struct {
	Keys     []string `json:"keys"`
	Patterns []string `json:"patterns"`
}

// View returns the sorted key list and the ordered pattern strings.
func (c Config) View() (FlatView, error) {
	flat, err := c.Flatten()
	if err != nil {
		return FlatView{}, err
	}
	v := FlatView{Keys: make([]string, 0, len(flat.Keys))}
	for k := range flat.Keys {
		v.Keys = append(v.Keys, k)
	}
	sort.Strings(v.Keys)
	for _, re := range flat.Patterns {
		v.Patterns = append(v.Patterns, re.String())
	}
	return v, nil
}

// parseConfig decodes grouped JSON, migrating the legacy flat format
// when detected. The second return reports whether migration happened.
func parseConfig(data []byte) (Config, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if isLegacy(probe) {
		var legacy legacyConfig
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		return migrateLegacy(legacy), true, nil
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return cfg, false, nil
}

// isLegacy reports whether the document is the flat {keys,patterns}
// shape rather than a grouped map.
func isLegacy(probe map[string]json.RawMessage) bool {
	if len(probe) == 0 || len(probe) > 2 {
		return false
	}
	for name, raw := range probe {
		if name != "keys" && name != "patterns" {
			return false
		}
		var arr []string
		if err := json.Unmarshal(raw, &arr); err != nil {
			return false
		}
	}
	return true
}

// migrateLegacy lifts a flat config into a single grouped entry named
// by the JSON-encoded key list.
func migrateLegacy(legacy legacyConfig) Config {
	keys := legacy.Keys
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	name, _ := json.Marshal(keys)
	return Config{string(name): {Patterns: legacy.Patterns}}
}
