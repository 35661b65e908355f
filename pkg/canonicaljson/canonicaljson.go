// Package canonicaljson implements the RFC 8785 JSON Canonicalization Scheme
// subset that every hash, signature, and content address in the vault
// engine is computed over. It is the determinism substrate: two calls with
// semantically equal input must produce byte-identical output, on any host,
// in any Go version.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"
)

// Bytes produces the canonical UTF-8 byte encoding of v: sorted object
// keys, no insignificant whitespace, ",", ":" separators, Unicode preserved.
// NaN and ±Infinity are rejected with an error rather than silently
// degrading to null (encoding/json's default behavior).
func Bytes(v any) ([]byte, error) {
	if err := rejectNonFinite(v); err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	raw := bytes.TrimRight(buf.Bytes(), "\n")

	// jcs.Transform's ES6 number formatting maps both +0.0 and -0.0 to the
	// literal "0" (es6numfmt.go: `if ieeeF64 == 0 { return "0", nil }`),
	// following ECMAScript's Number::toString. spec.md §4.1 requires -0.0
	// stay distinct from 0.0, so every "-0" token Go's own marshaler
	// already emitted is hidden from jcs behind a sentinel string and
	// restored afterward.
	out, err := jcs.Transform(markNegativeZero(raw))
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: jcs transform: %w", err)
	}
	return unmarkNegativeZero(out), nil
}

// negZeroSentinel stands in for a literal "-0" number token while jcs.
// Transform runs. Plain ASCII with nothing JSON string escaping would
// touch, so it survives jcs's string re-serialization byte-for-byte; the
// colon-delimited, package-namespaced form is vanishingly unlikely to
// collide with real payload content.
const negZeroSentinel = "provara:negative-zero"

// markNegativeZero rewrites every bare "-0" number token in raw (as
// produced by encoding/json, which preserves the sign of negative zero)
// into a quoted sentinel string, skipping over the contents of JSON
// strings so embedded "-0" text is never touched.
func markNegativeZero(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	inString := false
	for i := 0; i < len(raw); {
		c := raw[i]
		if inString {
			out = append(out, c)
			if c == '\\' && i+1 < len(raw) {
				out = append(out, raw[i+1])
				i += 2
				continue
			}
			if c == '"' {
				inString = false
			}
			i++
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			i++
			continue
		}
		if c == '-' && i+1 < len(raw) && raw[i+1] == '0' {
			end := i + 2
			if end >= len(raw) || isNumberBoundary(raw[end]) {
				out = append(out, '"')
				out = append(out, negZeroSentinel...)
				out = append(out, '"')
				i = end
				continue
			}
		}
		out = append(out, c)
		i++
	}
	return out
}

// isNumberBoundary reports whether c cannot continue a JSON number token,
// i.e. a "-0" immediately followed by c is the complete number (as opposed
// to a prefix of "-0.5" or similar, which markNegativeZero must leave alone).
func isNumberBoundary(c byte) bool {
	switch c {
	case ',', '}', ']', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// unmarkNegativeZero reverses markNegativeZero after jcs.Transform,
// restoring the sentinel string to a literal "-0" number token.
func unmarkNegativeZero(out []byte) []byte {
	quoted := []byte(`"` + negZeroSentinel + `"`)
	return bytes.ReplaceAll(out, quoted, []byte("-0"))
}

// Hash returns the lowercase hex SHA-256 digest of Bytes(v).
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// String is a convenience wrapper returning Bytes(v) as a string.
func String(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// rejectNonFinite walks v (as produced by typical map[string]any/struct
// values) looking for float64 NaN or Infinity, which encoding/json would
// otherwise reject with an opaque "unsupported value" error or, worse,
// silently coerce. We surface a typed, spec-referenced error instead.
func rejectNonFinite(v any) error {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("canonicaljson: NaN/Infinity is not representable in canonical JSON")
		}
	case map[string]any:
		for _, vv := range t {
			if err := rejectNonFinite(vv); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range t {
			if err := rejectNonFinite(vv); err != nil {
				return err
			}
		}
	case json.Number:
		// json.Number is a string; Unmarshal with UseNumber never produces
		// NaN/Inf literals since encoding/json rejects those tokens itself.
	}
	return nil
}

// Decode parses raw JSON bytes into a generic value using UseNumber, so
// that integers round-trip exactly instead of collapsing into float64.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	return v, nil
}

// Equal reports whether a and b canonicalize to identical bytes.
func Equal(a, b any) (bool, error) {
	ab, err := Bytes(a)
	if err != nil {
		return false, err
	}
	bb, err := Bytes(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
