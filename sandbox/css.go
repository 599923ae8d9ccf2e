package sandbox

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jmcleod/trustgate/verdict"
)

// DefaultMaxCSSBytes is the largest stylesheet scanned.
const DefaultMaxCSSBytes = 500 * 1024

// cssConstruct is one blocklist entry. In pattern, '(' and ':' may be
// preceded by whitespace. When loose is set, tab and newline characters are
// ignored anywhere in the match, as URL parsers do.
type cssConstruct struct {
	name    string
	pattern string
	loose   bool
}

var cssBlocklist = []cssConstruct{
	{name: "@import", pattern: "@import"},
	{name: "url(", pattern: "url("},
	{name: "expression(", pattern: "expression("},
	{name: "behavior:", pattern: "behavior:"},
	{name: "-moz-binding", pattern: "-moz-binding"},
	{name: "javascript:", pattern: "javascript:", loose: true},
	{name: "vbscript:", pattern: "vbscript:", loose: true},
	{name: "</style", pattern: "</style"},
}

// executableDataTypes are data: URI media types a browser may execute.
var executableDataTypes = map[string]bool{
	"text/html":                true,
	"application/xhtml+xml":    true,
	"image/svg+xml":            true,
	"text/javascript":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"application/ecmascript":   true,
	"text/ecmascript":          true,
	"text/xml":                 true,
	"application/xml":          true,
}

// SanitizeCSS checks a stylesheet against the default size limit. See
// (*Sandbox).SanitizeCSS.
func SanitizeCSS(src string) (string, []Finding) {
	return scanCSS(src, DefaultMaxCSSBytes)
}

// scanCSS rejects src when it is oversized or contains any blocklisted
// construct after comments are dropped and escapes decoded. Nothing is
// stripped: the result is src unchanged or the empty string.
func scanCSS(src string, maxBytes int) (string, []Finding) {
	if len(src) > maxBytes {
		return "", []Finding{{
			Reason:  verdict.Oversized,
			Message: fmt.Sprintf("stylesheet is %d bytes, limit %d", len(src), maxBytes),
		}}
	}

	d := decodeCSS(src)
	var findings []Finding
	seen := make(map[string]bool)
	report := func(construct string, at int) {
		if seen[construct] {
			return
		}
		seen[construct] = true
		findings = append(findings, Finding{
			Reason:    verdict.DangerousCSS,
			Construct: construct,
			Offset:    at,
			Message:   fmt.Sprintf("dangerous construct %s at offset %d", construct, at),
		})
	}

	for i := 0; i < len(d.text); i++ {
		for _, c := range cssBlocklist {
			if _, ok := d.match(i, c.pattern, c.loose); ok {
				report(c.name, d.offsets[i])
			}
		}
		if end, ok := d.match(i, "data:", true); ok {
			if mt := d.mediaType(end); executableDataTypes[mt] {
				report("data:"+mt, d.offsets[i])
			}
		}
	}

	if len(findings) > 0 {
		return "", findings
	}
	return src, nil
}

// decodedCSS is a stylesheet with comments removed, escapes decoded and
// ASCII lowercased. offsets maps each byte back to its source offset.
type decodedCSS struct {
	text    []byte
	offsets []int
}

func decodeCSS(src string) decodedCSS {
	d := decodedCSS{
		text:    make([]byte, 0, len(src)),
		offsets: make([]int, 0, len(src)),
	}
	emit := func(b byte, at int) {
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		d.text = append(d.text, b)
		d.offsets = append(d.offsets, at)
	}

	for i := 0; i < len(src); {
		switch {
		case src[i] == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
			} else {
				i += 2 + end + 2
			}
		case src[i] == '\\':
			r, n := decodeEscape(src, i)
			if r < 0 {
				i += n
				continue
			}
			var buf [utf8.UTFMax]byte
			for _, b := range buf[:utf8.EncodeRune(buf[:], r)] {
				emit(b, i)
			}
			i += n
		case src[i] == 0:
			i++
		default:
			emit(src[i], i)
			i++
		}
	}
	return d
}

// decodeEscape decodes the CSS escape starting at src[i] == '\\'. It
// returns the rune (or -1 for an escaped newline, which produces nothing)
// and the number of source bytes consumed.
func decodeEscape(src string, i int) (rune, int) {
	j := i + 1
	if j >= len(src) {
		return utf8.RuneError, 1
	}
	if isHex(src[j]) {
		var v rune
		k := j
		for k < len(src) && k-j < 6 && isHex(src[k]) {
			v = v<<4 | rune(hexVal(src[k]))
			k++
		}
		// One whitespace character after a hex escape belongs to it.
		if k < len(src) && isCSSSpace(src[k]) {
			if src[k] == '\r' && k+1 < len(src) && src[k+1] == '\n' {
				k++
			}
			k++
		}
		if v == 0 || v > utf8.MaxRune || (v >= 0xD800 && v <= 0xDFFF) {
			v = utf8.RuneError
		}
		return v, k - i
	}
	if src[j] == '\n' || src[j] == '\f' {
		return -1, 2
	}
	if src[j] == '\r' {
		if j+1 < len(src) && src[j+1] == '\n' {
			return -1, 3
		}
		return -1, 2
	}
	r, size := utf8.DecodeRuneInString(src[j:])
	return r, 1 + size
}

// match reports whether pattern occurs at position i and returns the
// position just past it.
func (d decodedCSS) match(i int, pattern string, loose bool) (int, bool) {
	k := i
	for p := 0; p < len(pattern); p++ {
		pc := pattern[p]
		if p > 0 && (pc == '(' || pc == ':') {
			for k < len(d.text) && isCSSSpace(d.text[k]) {
				k++
			}
		} else if loose && p > 0 {
			for k < len(d.text) && isURLIgnored(d.text[k]) {
				k++
			}
		}
		if k >= len(d.text) || d.text[k] != pc {
			return 0, false
		}
		k++
	}
	return k, true
}

// mediaType reads the media type of a data: URI whose body starts at i.
func (d decodedCSS) mediaType(i int) string {
	for i < len(d.text) && isCSSSpace(d.text[i]) {
		i++
	}
	start := i
	for i < len(d.text) {
		c := d.text[i]
		if c == ';' || c == ',' || c == '"' || c == '\'' || c == ')' || isCSSSpace(c) {
			break
		}
		i++
	}
	return string(d.text[start:i])
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func hexVal(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func isCSSSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isURLIgnored(c byte) bool {
	return c == '\t' || c == '\n' || c == '\r'
}
