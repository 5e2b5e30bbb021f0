// Package sysloglistener receives syslog over UDP and TCP and parses
// RFC3164 (BSD) and RFC5424 (IETF) messages into log entries.
package sysloglistener

import (
	"bytes"
	"strconv"
	"time"
)

// Format identifies the detected wire format.
type Format string

const (
	FormatRFC3164 Format = "RFC3164"
	FormatRFC5424 Format = "RFC5424"
	FormatRaw     Format = "RAW" // unparseable, whole payload kept as msg
)

// Message is a parsed syslog datagram or frame.
type Message struct {
	Format    Format
	Facility  int
	Severity  int
	Timestamp time.Time // zero when the message carried none
	Host      string
	App       string
	ProcID    string
	MsgID     string
	Msg       string
}

var facilityNames = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// FacilityName returns the conventional name for a facility code.
func FacilityName(code int) string {
	if code >= 0 && code < len(facilityNames) {
		return facilityNames[code]
	}
	return strconv.Itoa(code)
}

// Parse decodes a syslog payload. The version digit after the priority
// selects RFC5424; everything else falls back to RFC3164, and messages
// without a priority come back as raw. ref supplies the year for
// RFC3164 timestamps, which do not carry one.
func Parse(data []byte, ref time.Time) Message {
	pri, rest, ok := parsePriority(data)
	if !ok {
		return Message{Format: FormatRaw, Severity: -1, Facility: -1, Msg: string(bytes.TrimSpace(data))}
	}
	msg := Message{Facility: pri / 8, Severity: pri % 8}

	if len(rest) >= 2 && rest[0] == '1' && rest[1] == ' ' {
		msg.Format = FormatRFC5424
		parse5424(rest[2:], &msg)
		return msg
	}
	msg.Format = FormatRFC3164
	parse3164(rest, &msg, ref)
	return msg
}

// parsePriority reads the <NNN> prefix.
func parsePriority(data []byte) (int, []byte, bool) {
	if len(data) < 3 || data[0] != '<' {
		return 0, nil, false
	}
	i := 1
	for i < len(data) && i < 5 && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i == 1 || i >= len(data) || data[i] != '>' {
		return 0, nil, false
	}
	pri, err := strconv.Atoi(string(data[1:i]))
	if err != nil || pri > 191 {
		return 0, nil, false
	}
	return pri, data[i+1:], true
}

// parse5424 decodes VERSION-stripped RFC5424:
// TIMESTAMP HOST APP PROCID MSGID STRUCTURED [MSG]. A single dash is
// the nil value for any header field.
func parse5424(data []byte, msg *Message) {
	fields := [5]string{}
	rest := data
	for i := 0; i < 5; i++ {
		var field []byte
		field, rest = nextToken(rest)
		fields[i] = nilValue(string(field))
	}
	if fields[0] != "" {
		if ts, err := time.Parse(time.RFC3339Nano, fields[0]); err == nil {
			msg.Timestamp = ts
		}
	}
	msg.Host = fields[1]
	msg.App = fields[2]
	msg.ProcID = fields[3]
	msg.MsgID = fields[4]

	rest = skipStructuredData(rest)
	msg.Msg = string(bytes.TrimSpace(rest))
}

// skipStructuredData consumes "-" or one or more [id k="v" ...]
// elements. Escaped \] inside param values does not close an element.
func skipStructuredData(data []byte) []byte {
	data = bytes.TrimLeft(data, " ")
	if len(data) == 0 {
		return data
	}
	if data[0] == '-' {
		return data[1:]
	}
	for len(data) > 0 && data[0] == '[' {
		i := 1
		for i < len(data) {
			if data[i] == '\\' && i+1 < len(data) {
				i += 2
				continue
			}
			if data[i] == ']' {
				break
			}
			i++
		}
		if i >= len(data) {
			return nil
		}
		data = data[i+1:]
	}
	return data
}

// parse3164 decodes BSD syslog: Mmm dd hh:mm:ss HOST TAG[pid]: MSG.
// Nonconforming content after the priority stays in Msg untouched.
func parse3164(data []byte, msg *Message, ref time.Time) {
	const tsLen = len("Jan _2 15:04:05")
	if len(data) > tsLen {
		if ts, err := time.Parse(time.Stamp, string(data[:tsLen])); err == nil {
			ts = ts.AddDate(ref.Year(), 0, 0)
			if ts.After(ref.AddDate(0, 0, 1)) {
				ts = ts.AddDate(-1, 0, 0)
			}
			msg.Timestamp = ts
			data = bytes.TrimLeft(data[tsLen:], " ")
		}
	}

	var host []byte
	host, data = nextToken(data)
	msg.Host = string(host)

	// TAG ends at ':' or '[pid]:'.
	if colon := bytes.IndexByte(data, ':'); colon >= 0 && colon < 48 && !bytes.ContainsAny(data[:colon], " ") {
		tag := data[:colon]
		if lb := bytes.IndexByte(tag, '['); lb >= 0 {
			if rb := bytes.IndexByte(tag, ']'); rb > lb {
				msg.ProcID = string(tag[lb+1 : rb])
			}
			tag = tag[:lb]
		}
		msg.App = string(tag)
		data = data[colon+1:]
	}
	msg.Msg = string(bytes.TrimSpace(data))
}

// nextToken splits off the next space-delimited token.
func nextToken(data []byte) ([]byte, []byte) {
	data = bytes.TrimLeft(data, " ")
	sp := bytes.IndexByte(data, ' ')
	if sp < 0 {
		return data, nil
	}
	return data[:sp], data[sp+1:]
}

func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
