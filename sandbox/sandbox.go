// Package sandbox decides whether theme content may be installed: CSS is
// scanned for constructs that load or execute anything, JavaScript is
// refused outright and binary assets are checked for format, embedded
// executables and shell payloads.
package sandbox

// Sandbox applies configurable limits to the checks in this package.
type Sandbox struct {
	maxCSSBytes   int
	maxAssets     int
	maxAssetBytes int
	strictMZ      bool
	csv           *CSVGuard
}

// Option configures a Sandbox.
type Option func(*Sandbox)

func WithMaxCSSBytes(n int) Option {
	return func(s *Sandbox) {
		s.maxCSSBytes = n
	}
}

func WithMaxAssets(n int) Option {
	return func(s *Sandbox) {
		s.maxAssets = n
	}
}

func WithMaxAssetBytes(n int) Option {
	return func(s *Sandbox) {
		s.maxAssetBytes = n
	}
}

// WithStrictExecutableScan rejects assets containing "MZ" at any offset.
func WithStrictExecutableScan(strict bool) Option {
	return func(s *Sandbox) {
		s.strictMZ = strict
	}
}

func WithCSVGuard(g *CSVGuard) Option {
	return func(s *Sandbox) {
		s.csv = g
	}
}

func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		maxCSSBytes:   DefaultMaxCSSBytes,
		maxAssets:     DefaultMaxAssets,
		maxAssetBytes: DefaultMaxAssetBytes,
		csv:           &CSVGuard{mode: CSVPrefix},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SanitizeCSS returns src unchanged with no findings, or "" and the
// reasons it was refused. Oversized input is refused before scanning.
func (s *Sandbox) SanitizeCSS(src string) (string, []Finding) {
	return scanCSS(src, s.maxCSSBytes)
}

func (s *Sandbox) SanitizeJS(src string) (string, []Finding) {
	return SanitizeJS(src)
}

// ValidateAssets checks the batch size limit, then each asset.
func (s *Sandbox) ValidateAssets(assets []Asset) AssetResult {
	return validateAssets(assets, assetLimits{
		maxAssets: s.maxAssets,
		maxBytes:  s.maxAssetBytes,
		strictMZ:  s.strictMZ,
	})
}

func (s *Sandbox) GenerateCSP() string {
	return GenerateCSP()
}

func (s *Sandbox) CSV() *CSVGuard {
	return s.csv
}

// Theme is a theme submitted for installation.
type Theme struct {
	CSS    string  `json:"css"`
	JS     string  `json:"js,omitempty"`
	Assets []Asset `json:"assets,omitempty"`
}

// ThemeVerdict is the combined result of every check on a Theme.
type ThemeVerdict struct {
	CSS      string      `json:"-"`
	Findings []Finding   `json:"findings,omitempty"`
	Assets   AssetResult `json:"assets"`
	CSP      string      `json:"-"`
}

// Accepted reports whether every check passed.
func (v ThemeVerdict) Accepted() bool {
	return len(v.Findings) == 0
}

// CheckTheme runs SanitizeCSS, SanitizeJS and ValidateAssets and collects
// every finding. CSP is set only when the theme is accepted; a theme that
// ships assets may load images and fonts from its own origin.
func (s *Sandbox) CheckTheme(t Theme) ThemeVerdict {
	var v ThemeVerdict
	css, cssFindings := s.SanitizeCSS(t.CSS)
	_, jsFindings := s.SanitizeJS(t.JS)
	v.Assets = s.ValidateAssets(t.Assets)

	v.Findings = append(v.Findings, cssFindings...)
	v.Findings = append(v.Findings, jsFindings...)
	v.Findings = append(v.Findings, v.Assets.Errors...)
	if v.Accepted() {
		v.CSS = css
		v.CSP = GenerateCSP()
		if len(t.Assets) > 0 {
			v.CSP = GenerateAssetCSP("'self'")
		}
	}
	return v
}
