package wire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const payloadPrefix = "AT|"

// Encode renders a record as the marker payload the emitter writes to
// trace_marker. Only the span-lifecycle kinds are encodable; everything else
// originates in the kernel, not the emitter.
func Encode(r *Record) (string, error) {
	switch r.Kind {
	case SpanOpen:
		if r.SpanID == 0 {
			return "", fmt.Errorf("encode span_open: zero span id")
		}
		var b strings.Builder
		b.WriteString("AT|B|")
		b.WriteString(strconv.FormatUint(r.SpanID, 10))
		b.WriteByte('|')
		if r.ParentID == 0 {
			b.WriteByte('-')
		} else {
			b.WriteString(strconv.FormatUint(r.ParentID, 10))
		}
		b.WriteByte('|')
		b.WriteString(escape(r.Name))
		writeFields(&b, r.Fields)
		return b.String(), nil
	case SpanClose:
		if r.SpanID == 0 {
			return "", fmt.Errorf("encode span_close: zero span id")
		}
		return "AT|E|" + strconv.FormatUint(r.SpanID, 10), nil
	case Event:
		var b strings.Builder
		b.WriteString("AT|I|")
		if r.SpanID == 0 {
			b.WriteByte('-')
		} else {
			b.WriteString(strconv.FormatUint(r.SpanID, 10))
		}
		b.WriteByte('|')
		b.WriteString(escape(r.Name))
		writeFields(&b, r.Fields)
		return b.String(), nil
	default:
		return "", fmt.Errorf("encode: kind %s is not emitter-originated", r.Kind)
	}
}

// writeFields appends "|k=v;k=v" with keys sorted so encoding is
// deterministic; field order carries no meaning on the wire.
func writeFields(b *strings.Builder, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(fields[k]))
	}
}

// decodePayload parses the payload of a tracing_mark_write line that starts
// with the AT prefix. The returned record has no timestamp or task identity;
// the caller fills those in from the kernel line prefix.
func decodePayload(payload string) (*Record, error) {
	segs := strings.Split(payload[len(payloadPrefix):], "|")
	switch segs[0] {
	case "B":
		if len(segs) < 4 || len(segs) > 5 {
			return nil, fmt.Errorf("span_open: want 4 or 5 segments, got %d", len(segs))
		}
		spanID, err := parseSpanID(segs[1])
		if err != nil {
			return nil, fmt.Errorf("span_open: %w", err)
		}
		var parentID uint64
		if segs[2] != "-" {
			if parentID, err = parseSpanID(segs[2]); err != nil {
				return nil, fmt.Errorf("span_open parent: %w", err)
			}
		}
		name, err := unescape(segs[3])
		if err != nil {
			return nil, fmt.Errorf("span_open name: %w", err)
		}
		r := &Record{Kind: SpanOpen, SpanID: spanID, ParentID: parentID, Name: name}
		if len(segs) == 5 {
			if r.Fields, err = parseFields(segs[4]); err != nil {
				return nil, fmt.Errorf("span_open fields: %w", err)
			}
		}
		return r, nil
	case "E":
		if len(segs) != 2 {
			return nil, fmt.Errorf("span_close: want 2 segments, got %d", len(segs))
		}
		spanID, err := parseSpanID(segs[1])
		if err != nil {
			return nil, fmt.Errorf("span_close: %w", err)
		}
		return &Record{Kind: SpanClose, SpanID: spanID}, nil
	case "I":
		if len(segs) < 3 || len(segs) > 4 {
			return nil, fmt.Errorf("event: want 3 or 4 segments, got %d", len(segs))
		}
		var spanID uint64
		var err error
		if segs[1] != "-" {
			if spanID, err = parseSpanID(segs[1]); err != nil {
				return nil, fmt.Errorf("event span: %w", err)
			}
		}
		name, err := unescape(segs[2])
		if err != nil {
			return nil, fmt.Errorf("event name: %w", err)
		}
		r := &Record{Kind: Event, SpanID: spanID, Name: name}
		if len(segs) == 4 {
			if r.Fields, err = parseFields(segs[3]); err != nil {
				return nil, fmt.Errorf("event fields: %w", err)
			}
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown record type %q", segs[0])
	}
}

func parseSpanID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad span id %q", s)
	}
	if id == 0 {
		return 0, fmt.Errorf("zero span id")
	}
	return id, nil
}

func parseFields(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	fields := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("field %q has no '='", pair)
		}
		key, err := unescape(k)
		if err != nil {
			return nil, err
		}
		val, err := unescape(v)
		if err != nil {
			return nil, err
		}
		fields[key] = val
	}
	return fields, nil
}

const hexDigits = "0123456789ABCDEF"

// escape percent-encodes the bytes that would break segment or field
// delimiting. Everything else passes through untouched.
func escape(s string) string {
	if !strings.ContainsAny(s, "%|;=\n\r") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%', '|', ';', '=', '\n', '\r':
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at offset %d", i)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape %q", s[i:i+3])
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}
