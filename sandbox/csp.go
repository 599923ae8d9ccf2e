package sandbox

import "strings"

// Directive is one Content-Security-Policy directive.
type Directive struct {
	Name    string
	Sources []string
}

// themeDirectives is the policy for theme content. Styles are allowed
// inline only because they passed SanitizeCSS.
var themeDirectives = []Directive{
	{Name: "default-src", Sources: []string{"'none'"}},
	{Name: "script-src", Sources: []string{"'none'"}},
	{Name: "connect-src", Sources: []string{"'none'"}},
	{Name: "frame-src", Sources: []string{"'none'"}},
	{Name: "object-src", Sources: []string{"'none'"}},
	{Name: "style-src", Sources: []string{"'unsafe-inline'"}},
}

// GenerateCSP returns the Content-Security-Policy header value attached to
// theme content.
func GenerateCSP() string {
	return BuildCSP(themeDirectives...)
}

// GenerateAssetCSP is GenerateCSP plus img-src and font-src for the given
// origins, for themes that ship validated images and fonts.
func GenerateAssetCSP(origins ...string) string {
	if len(origins) == 0 {
		return GenerateCSP()
	}
	ds := append([]Directive(nil), themeDirectives...)
	ds = append(ds,
		Directive{Name: "img-src", Sources: origins},
		Directive{Name: "font-src", Sources: origins},
	)
	return BuildCSP(ds...)
}

// BuildCSP renders directives in order.
func BuildCSP(directives ...Directive) string {
	parts := make([]string, 0, len(directives))
	for _, d := range directives {
		parts = append(parts, d.Name+" "+strings.Join(d.Sources, " "))
	}
	return strings.Join(parts, "; ")
}
