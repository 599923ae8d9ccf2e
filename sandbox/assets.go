package sandbox

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jmcleod/trustgate/verdict"
)

const (
	DefaultMaxAssets     = 50
	DefaultMaxAssetBytes = 10 << 20

	// minPrintableRun is the shortest run of printable ASCII in which the
	// short shell metacharacter patterns are looked for.
	minPrintableRun = 16

	sniffLen = 512
)

// Asset is an uploaded file as declared by the client.
type Asset struct {
	Name         string `json:"name"`
	Data         []byte `json:"data"`
	DeclaredMIME string `json:"declared_mime"`
}

// AssetMetadata describes what was found in an asset.
type AssetMetadata struct {
	Name           string `json:"name"`
	DetectedFormat string `json:"detected_format"`
	SizeBytes      int    `json:"size_bytes"`
}

// AssetResult is the verdict over a batch of assets.
type AssetResult struct {
	Valid  bool            `json:"valid"`
	Errors []Finding       `json:"errors,omitempty"`
	Assets []AssetMetadata `json:"assets"`
}

type signature struct {
	format string
	mime   string
	match  func([]byte) bool
}

func prefix(magic ...byte) func([]byte) bool {
	return func(b []byte) bool { return bytes.HasPrefix(b, magic) }
}

var signatures = []signature{
	{"png", "image/png", prefix(0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A)},
	{"jpeg", "image/jpeg", prefix(0xFF, 0xD8, 0xFF)},
	{"webp", "image/webp", func(b []byte) bool {
		return len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WEBP"
	}},
	{"gif", "image/gif", func(b []byte) bool {
		return bytes.HasPrefix(b, []byte("GIF87a")) || bytes.HasPrefix(b, []byte("GIF89a"))
	}},
	{"woff", "font/woff", prefix('w', 'O', 'F', 'F')},
	{"woff2", "font/woff2", prefix('w', 'O', 'F', '2')},
	{"ttf", "font/ttf", func(b []byte) bool {
		return bytes.HasPrefix(b, []byte{0x00, 0x01, 0x00, 0x00}) || bytes.HasPrefix(b, []byte("true"))
	}},
	{"otf", "font/otf", prefix('O', 'T', 'T', 'O')},
}

// mimeAliases maps legacy media types to the ones in the signature table.
var mimeAliases = map[string]string{
	"image/jpg":                   "image/jpeg",
	"image/pjpeg":                 "image/jpeg",
	"application/font-woff":       "font/woff",
	"application/x-font-woff":     "font/woff",
	"application/font-woff2":      "font/woff2",
	"application/x-font-ttf":      "font/ttf",
	"application/x-font-truetype": "font/ttf",
	"font/sfnt":                   "font/ttf",
	"application/x-font-opentype": "font/otf",
	"application/vnd.ms-opentype": "font/otf",
}

var (
	// Long enough to be searched across the whole byte stream.
	suspiciousWords = []string{"cmd.exe", "powershell", "eval(", "<script", "/bin/sh"}
	// Short shell sequences, searched only inside printable runs.
	suspiciousShell = []string{"$(", "&&", ";rm ", "|sh", "`"}
)

// ValidateAssets checks assets against the default limits. See
// (*Sandbox).ValidateAssets.
func ValidateAssets(assets []Asset) AssetResult {
	return validateAssets(assets, assetLimits{maxAssets: DefaultMaxAssets, maxBytes: DefaultMaxAssetBytes})
}

type assetLimits struct {
	maxAssets int
	maxBytes  int
	// strictMZ treats "MZ" at any offset as an executable header.
	strictMZ bool
}

func validateAssets(assets []Asset, lim assetLimits) AssetResult {
	res := AssetResult{Assets: make([]AssetMetadata, 0, len(assets))}
	if len(assets) > lim.maxAssets {
		res.Errors = []Finding{{
			Reason:  verdict.TooManyAssets,
			Message: fmt.Sprintf("%d assets submitted, limit %d", len(assets), lim.maxAssets),
		}}
		return res
	}

	for _, a := range assets {
		meta := AssetMetadata{Name: a.Name, SizeBytes: len(a.Data)}
		f, format := checkAsset(a, lim)
		meta.DetectedFormat = format
		res.Assets = append(res.Assets, meta)
		if f != nil {
			f.Asset = a.Name
			res.Errors = append(res.Errors, *f)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// checkAsset returns the first problem found, in order: size, executable
// signature, suspicious strings, magic bytes.
func checkAsset(a Asset, lim assetLimits) (*Finding, string) {
	if len(a.Data) > lim.maxBytes {
		return &Finding{
			Reason:  verdict.Oversized,
			Message: fmt.Sprintf("asset is %d bytes, limit %d", len(a.Data), lim.maxBytes),
		}, ""
	}

	sig := detectSignature(a.Data)
	format := detectedFormat(a.Data, sig)

	if off, kind := findExecutable(a.Data, lim.strictMZ); off >= 0 {
		return &Finding{
			Reason:    verdict.ExecutableSignature,
			Construct: kind,
			Offset:    off,
			Message:   fmt.Sprintf("%s executable signature at offset %d", kind, off),
		}, format
	}
	if off, word := findSuspicious(a.Data); off >= 0 {
		return &Finding{
			Reason:    verdict.SuspiciousString,
			Construct: word,
			Offset:    off,
			Message:   fmt.Sprintf("suspicious string %q at offset %d", word, off),
		}, format
	}

	declared := normalizeMIME(a.DeclaredMIME)
	switch {
	case sig == nil:
		return &Finding{
			Reason:  verdict.MagicBytesMismatch,
			Message: fmt.Sprintf("magic bytes do not match any permitted format (looks like %s)", format),
		}, format
	case declared != sig.mime:
		return &Finding{
			Reason:  verdict.MagicBytesMismatch,
			Message: fmt.Sprintf("magic bytes do not match: declared %q, detected %s", declared, sig.mime),
		}, format
	}
	return nil, format
}

func detectSignature(b []byte) *signature {
	for i := range signatures {
		if signatures[i].match(b) {
			return &signatures[i]
		}
	}
	return nil
}

// detectedFormat names the content for metadata. Unknown content is
// described by the standard sniffer, then by mimetype.
func detectedFormat(b []byte, sig *signature) string {
	if sig != nil {
		return sig.mime
	}
	if len(b) == 0 {
		return "application/octet-stream"
	}
	head := b
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if mt := http.DetectContentType(head); mt != "application/octet-stream" {
		return mt
	}
	return mimetype.Detect(b).String()
}

// findExecutable looks for an ELF header anywhere, an MZ header at the
// start, and a PE image (MZ whose e_lfanew points at "PE\0\0") anywhere.
// In strict mode any MZ pair is a match.
func findExecutable(b []byte, strict bool) (int, string) {
	if bytes.HasPrefix(b, []byte("MZ")) {
		return 0, "MZ"
	}
	if i := bytes.Index(b, []byte{0x7F, 'E', 'L', 'F'}); i >= 0 {
		return i, "ELF"
	}
	if strict {
		if i := bytes.Index(b, []byte("MZ")); i >= 0 {
			return i, "MZ"
		}
	}
	for from := 0; ; {
		i := bytes.Index(b[from:], []byte("MZ"))
		if i < 0 {
			break
		}
		at := from + i
		if isPEImage(b[at:]) {
			return at, "MZ"
		}
		from = at + 1
	}
	if i := bytes.Index(b, []byte("This program cannot be run in DOS mode")); i >= 0 {
		return i, "MZ"
	}
	return -1, ""
}

func isPEImage(b []byte) bool {
	if len(b) < 0x40 {
		return false
	}
	lfanew := int(binary.LittleEndian.Uint32(b[0x3C:0x40]))
	if lfanew < 0x40 || lfanew > len(b)-4 {
		return false
	}
	return string(b[lfanew:lfanew+4]) == "PE\x00\x00"
}

func findSuspicious(b []byte) (int, string) {
	lower := asciiLower(b)
	for _, w := range suspiciousWords {
		if i := bytes.Index(lower, []byte(w)); i >= 0 {
			return i, w
		}
	}

	start := -1
	for i := 0; i <= len(lower); i++ {
		if i < len(lower) && lower[i] >= 0x20 && lower[i] < 0x7F {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minPrintableRun {
			run := lower[start:i]
			for _, w := range suspiciousShell {
				if j := bytes.Index(run, []byte(w)); j >= 0 {
					return start + j, w
				}
			}
		}
		start = -1
	}
	return -1, ""
}

func normalizeMIME(declared string) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(declared))
	}
	if alias, ok := mimeAliases[mt]; ok {
		return alias
	}
	return mt
}

// asciiLower folds A-Z only, keeping offsets aligned with the input.
func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
