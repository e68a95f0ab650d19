package target

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// ID is a content-derived target identifier. It is safe to use as a map
// key, a filename fragment, and a memoization key.
type ID string

// NameOptions controls the human-visible portion of a generated name.
type NameOptions struct {
	// Key is an optional caller-supplied disambiguation key. Two calls
	// with the same kind and params but different keys produce distinct
	// identifiers.
	Key string

	// IncludeInName selects parameter fields whose values are rendered
	// (sanitized) into the visible name for debuggability. Rendering
	// never affects the digest.
	IncludeInName []string
}

// Digest computes the canonical 256-bit digest of a parameter record and
// returns it base64url-encoded without padding.
//
// The record is serialized to JSON, re-read into generic form, and then
// re-encoded with all object keys sorted and no insignificant
// whitespace. Struct field order, map iteration order, and call-site
// differences therefore never leak into the digest. Parameters that
// cannot be serialized to JSON are a programming error and panic.
func Digest(params any) ID {
	canonical, err := canonicalJSON(params)
	if err != nil {
		panic(fmt.Sprintf("target.Digest: unserializable params %T: %v", params, err))
	}
	sum := blake3.Sum256(canonical)
	return ID(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// DigestList computes an order-independent digest over several parameter
// records: each element is digested individually, the digests are sorted
// lexicographically, joined, and re-hashed. Reordering the input list
// never changes the result.
func DigestList(params []any) ID {
	digests := make([]string, len(params))
	for i, p := range params {
		digests[i] = string(Digest(p))
	}
	sort.Strings(digests)
	sum := blake3.Sum256([]byte(strings.Join(digests, "\x00")))
	return ID(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// Name builds the full visible identifier for a feature target:
// the kind label, the optional disambiguation key, a sanitized rendering
// of the selected parameters, and the content digest. Identical
// (kind, opts.Key, params) inputs yield byte-identical names.
func Name(kind string, params map[string]any, opts NameOptions) string {
	digestInput := map[string]any{
		"kind":   kind,
		"key":    opts.Key,
		"params": params,
	}
	digest := Digest(digestInput)

	parts := []string{Sanitize(kind)}
	if opts.Key != "" {
		parts = append(parts, Sanitize(opts.Key))
	}
	if len(opts.IncludeInName) > 0 {
		include := make([]string, 0, len(opts.IncludeInName))
		fields := append([]string(nil), opts.IncludeInName...)
		sort.Strings(fields)
		for _, f := range fields {
			if v, ok := params[f]; ok {
				include = append(include, Sanitize(f)+"="+Sanitize(renderValue(v)))
			}
		}
		if len(include) > 0 {
			parts = append(parts, strings.Join(include, ","))
		}
	}
	parts = append(parts, string(digest))
	return strings.Join(parts, "--")
}

// Sanitize replaces every byte outside the filename allow-list
// [A-Za-z0-9_.=-] with an underscore. Wrapper directory names and
// symlink names are built from sanitized identifiers only.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_' || c == '.' || c == '=' || c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// canonicalJSON serializes v deterministically: object keys sorted,
// minimal whitespace, stable number formatting via json.Number.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyRaw, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyRaw)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
}
