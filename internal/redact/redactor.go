package redact

import (
	"regexp"
	"strings"
	"sync"

	"grepwise/internal/logentry"
)

// Redactor applies the flattened pattern list to outgoing entries. It
// is safe for concurrent use; Update swaps the config atomically under
// the readers.
type Redactor struct {
	mu   sync.RWMutex
	flat Flat
}

// New builds a redactor from cfg with the default group merged in.
func New(cfg Config) (*Redactor, error) {
	r := &Redactor{}
	if err := r.Update(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Update replaces the active configuration. On error the previous
// configuration stays in effect.
func (r *Redactor) Update(cfg Config) error {
	flat, err := cfg.WithDefaults().Flatten()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.flat = flat
	r.mu.Unlock()
	return nil
}

// Apply returns a redacted copy of e. Message, RawContent, and every
// metadata value pass through the pattern list; metadata entries whose
// key is in the key set are fully masked regardless of value.
// Applying twice yields the same result as applying once.
func (r *Redactor) Apply(e logentry.LogEntry, mask string) logentry.LogEntry {
	r.mu.RLock()
	flat := r.flat
	r.mu.RUnlock()

	out := e.Clone()
	out.Message = maskText(out.Message, flat.Patterns, mask)
	out.RawContent = maskText(out.RawContent, flat.Patterns, mask)
	for k, v := range out.Metadata {
		if flat.Keys[strings.ToLower(k)] {
			out.Metadata[k] = mask
			continue
		}
		out.Metadata[k] = maskText(v, flat.Patterns, mask)
	}
	return out
}

// ApplyAll redacts a slice of entries.
func (r *Redactor) ApplyAll(entries []logentry.LogEntry, mask string) []logentry.LogEntry {
	out := make([]logentry.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = r.Apply(e, mask)
	}
	return out
}

func maskText(text string, patterns []*regexp.Regexp, mask string) string {
	for _, re := range patterns {
		text = applyPattern(text, re, mask)
	}
	return text
}

// applyPattern masks one pattern's matches. With two or more capture
// groups only the second group's span is replaced, which preserves
// group 1 (typically the key and separator). Otherwise the whole
// match is replaced.
func applyPattern(text string, re *regexp.Regexp, mask string) string {
	if re.NumSubexp() < 2 {
		return re.ReplaceAllLiteralString(text, mask)
	}
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[4], m[5]
		if start < 0 || start < last {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(mask)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}
