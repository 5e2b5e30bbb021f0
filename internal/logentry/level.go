package logentry

import "strings"

// DeriveLevel extracts a severity level from a raw line. It recognizes
// three patterns, tried in order:
//   - Syslog:      <priority> prefix where severity = priority % 8
//   - KV format:   level=error, severity=WARN
//   - JSON format: "level":"error", "severity":"warn"
//   - Bare token:  a standalone ERROR/WARN/... word in the line
//
// Returns UNKNOWN when nothing matches.
func DeriveLevel(raw string) string {
	if lvl := levelFromPriority(raw); lvl != "" {
		return lvl
	}
	for _, key := range []string{"level", "severity"} {
		if v := findKeyValue(raw, key); v != "" {
			if lvl := NormalizeLevel(v); lvl != LevelUnknown {
				return lvl
			}
		}
	}
	if lvl := levelFromToken(raw); lvl != "" {
		return lvl
	}
	return LevelUnknown
}

// levelFromPriority parses a leading <NNN> syslog priority.
func levelFromPriority(raw string) string {
	if len(raw) < 3 || raw[0] != '<' {
		return ""
	}
	i := 1
	for i < len(raw) && i < 5 && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i == 1 || i >= len(raw) || raw[i] != '>' {
		return ""
	}
	priority := 0
	for _, b := range raw[1:i] {
		priority = priority*10 + int(b-'0')
	}
	return SeverityLevel(priority % 8)
}

// SeverityLevel maps a syslog severity code (0..7) to a normalized level.
func SeverityLevel(severity int) string {
	switch severity {
	case 0, 1, 2, 3: // emerg, alert, crit, err
		return LevelError
	case 4: // warning
		return LevelWarn
	case 5, 6: // notice, info
		return LevelInfo
	case 7: // debug
		return LevelDebug
	default:
		return ""
	}
}

// findKeyValue searches for key=value or "key":"value" patterns,
// case-insensitive on the key.
func findKeyValue(raw, key string) string {
	lower := strings.ToLower(raw)
	pos := 0
	for pos < len(lower) {
		idx := strings.Index(lower[pos:], key)
		if idx < 0 {
			return ""
		}
		idx += pos
		end := idx + len(key)

		// Key must not be part of a longer word.
		if idx > 0 && isWordByte(lower[idx-1]) {
			pos = end
			continue
		}

		rest := raw[end:]
		// JSON: "key":"value" or "key": "value"
		if strings.HasPrefix(rest, `":`) {
			rest = strings.TrimLeft(rest[2:], " ")
			if len(rest) > 0 && rest[0] == '"' {
				if v := untilByte(rest[1:], '"'); v != "" {
					return v
				}
			}
		}
		// KV: key=value
		if len(rest) > 0 && rest[0] == '=' {
			if v := word(rest[1:]); v != "" {
				return v
			}
		}
		pos = end
	}
	return ""
}

// levelFromToken scans whitespace-separated tokens for a standalone
// level word, optionally bracketed like [ERROR] or ERROR:.
func levelFromToken(raw string) string {
	for _, tok := range strings.Fields(raw) {
		tok = strings.Trim(tok, "[]():,")
		switch strings.ToUpper(tok) {
		case "TRACE":
			return LevelTrace
		case "DEBUG":
			return LevelDebug
		case "INFO":
			return LevelInfo
		case "WARN", "WARNING":
			return LevelWarn
		case "ERROR", "ERR", "SEVERE":
			return LevelError
		case "FATAL", "PANIC":
			return LevelFatal
		}
	}
	return ""
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func untilByte(s string, b byte) string {
	if i := strings.IndexByte(s, b); i > 0 {
		return s[:i]
	}
	return ""
}

func word(s string) string {
	i := 0
	for i < len(s) && isWordByte(s[i]|0x20) {
		i++
	}
	return s[:i]
}
