package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustgate/verdict"
)

func constructs(findings []Finding) []string {
	var out []string
	for _, f := range findings {
		out = append(out, f.Construct)
	}
	return out
}

func TestSanitizeCSS_ImportScenario(t *testing.T) {
	out, findings := SanitizeCSS(`@import url("evil.css");`)
	assert.Empty(t, out)
	require.NotEmpty(t, findings)
	assert.Contains(t, constructs(findings), "@import")
	assert.Contains(t, findings[0].Message, "@import")
	assert.Equal(t, verdict.DangerousCSS, findings[0].Reason)
}

func TestSanitizeCSS_Clean(t *testing.T) {
	src := `.slide h1 { color: #333; font: 700 2rem/1.2 "Inter", sans-serif; }
/* headings */
.slide p::before { content: "\2014"; margin: 0 auto; }
@media (max-width: 600px) { .slide { padding: 1em } }`
	out, findings := SanitizeCSS(src)
	assert.Empty(t, findings)
	assert.Equal(t, src, out)
}

func TestSanitizeCSS_Blocklist(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{`@IMPORT "x.css";`, "@import"},
		{`.a { background: URL(http://x/y.png) }`, "url("},
		{`.a { background: url ( x ) }`, "url("},
		{`.a { width: expression(alert(1)) }`, "expression("},
		{`.a { behavior: url(x.htc) }`, "behavior:"},
		{`.a { behavior : x }`, "behavior:"},
		{`.a { -moz-binding: x }`, "-moz-binding"},
		{`.a { background-image: "javascript:alert(1)" }`, "javascript:"},
		{".a { content: \"java\tscript:alert(1)\" }", "javascript:"},
		{`.a { x: vbscript:msgbox }`, "vbscript:"},
		{`.a{} </style><script>alert(1)</script>`, "</style"},
	}
	for _, tc := range cases {
		_, findings := SanitizeCSS(tc.src)
		assert.Contains(t, constructs(findings), tc.want, tc.src)
	}
}

func TestSanitizeCSS_Obfuscation(t *testing.T) {
	cases := map[string]string{
		"comment inside keyword":  `@im/**/port "x.css";`,
		"comment before paren":    `.a { width: expression/* x */(1) }`,
		"hex escape":              `@\69mport "x.css";`,
		"hex escape with space":   `@\69 mport "x.css";`,
		"padded hex escape":       `@\000069mport "x.css";`,
		"escaped letter":          `.a { background: u\rl(x) }`,
		"escaped uppercase":       `.a { -MOZ-BI\NDING: x }`,
		"unterminated comment":    `.a { x: javascript:1 } /* never closed`,
		"nul byte":                ".a { x: expr\x00ession(1) }",
		"escaped newline in word": ".a { x: \"java\\\nscript:alert(1)\" }",
	}
	for name, src := range cases {
		_, findings := SanitizeCSS(src)
		assert.NotEmpty(t, findings, name)
	}
}

func TestSanitizeCSS_DataURIs(t *testing.T) {
	for _, mt := range []string{"text/html", "image/svg+xml", "application/javascript", "TEXT/HTML"} {
		src := `.a { content: "data:` + mt + `;base64,PHNjcmlwdD4=" }`
		_, findings := SanitizeCSS(src)
		require.Len(t, findings, 1, mt)
		assert.Equal(t, "data:"+strings.ToLower(mt), findings[0].Construct)
	}

	_, findings := SanitizeCSS(`.a { content: "data:image/png;base64,iVBORw0KGgo=" }`)
	assert.Empty(t, findings, "non-executable data: URIs outside url() are allowed")
}

func TestSanitizeCSS_OneFindingPerConstruct(t *testing.T) {
	_, findings := SanitizeCSS(strings.Repeat(`@import "x.css";`, 100))
	require.Len(t, findings, 1)
	assert.Equal(t, 0, findings[0].Offset)
}

func TestSanitizeCSS_OffsetsPointAtSource(t *testing.T) {
	src := `.a{}/* pad */ @\69mport "x";`
	_, findings := SanitizeCSS(src)
	require.Len(t, findings, 1)
	assert.Equal(t, strings.Index(src, "@"), findings[0].Offset)
}

func TestSanitizeCSS_SizeLimitBeforeScan(t *testing.T) {
	src := strings.Repeat("a", DefaultMaxCSSBytes) + `@import "x";`
	out, findings := SanitizeCSS(src)
	assert.Empty(t, out)
	require.Len(t, findings, 1)
	assert.Equal(t, verdict.Oversized, findings[0].Reason)

	_, findings = SanitizeCSS(strings.Repeat("a", DefaultMaxCSSBytes))
	assert.Empty(t, findings)

	s := New(WithMaxCSSBytes(10))
	_, findings = s.SanitizeCSS(".a{color:red}")
	require.Len(t, findings, 1)
	assert.Equal(t, verdict.Oversized, findings[0].Reason)
}

func TestDecodeEscape(t *testing.T) {
	cases := []struct {
		in   string
		r    rune
		size int
	}{
		{`\69`, 'i', 3},
		{`\69 x`, 'i', 4},
		{"\\69\r\nx", 'i', 5},
		{`\0000691`, 'i', 7},
		{`\0`, 0xFFFD, 2},
		{`\110000`, 0xFFFD, 7},
		{`\d800`, 0xFFFD, 5},
		{`\g`, 'g', 2},
		{`\é`, 'é', 3},
		{"\\\n", -1, 2},
		{`\`, 0xFFFD, 1},
	}
	for _, tc := range cases {
		r, n := decodeEscape(tc.in, 0)
		assert.Equal(t, tc.r, r, tc.in)
		assert.Equal(t, tc.size, n, tc.in)
	}
}

func TestSanitizeJS(t *testing.T) {
	out, findings := SanitizeJS("")
	assert.Empty(t, out)
	assert.Empty(t, findings)

	for _, src := range []string{"alert(1)", " ", "// comment only", "\n"} {
		out, findings := SanitizeJS(src)
		assert.Empty(t, out)
		require.Len(t, findings, 1, "%q", src)
		assert.Equal(t, verdict.JavaScriptNotAllowed, findings[0].Reason)
	}
}

func TestErr(t *testing.T) {
	assert.NoError(t, Err(nil))

	_, findings := SanitizeCSS(`@import "x"; .a { behavior: x }`)
	err := Err(findings)
	r, ok := verdict.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, verdict.DangerousCSS, r)
	assert.Contains(t, err.Error(), "and 1 more")
}
