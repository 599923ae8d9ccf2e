package sandbox

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/jmcleod/trustgate/verdict"
)

// CSVMode selects how CSVGuard treats a cell that a spreadsheet would
// evaluate as a formula.
type CSVMode string

const (
	// CSVPrefix neutralises the cell with a leading single quote. Weaker
	// than CSVReject: it relies on the spreadsheet honouring the quote.
	CSVPrefix CSVMode = "prefix"
	// CSVReject refuses the cell with formula_injection.
	CSVReject CSVMode = "reject"
)

// formulaTriggers are leading characters that start a formula.
const formulaTriggers = "=+-@\t\r"

// CSVGuard protects exported CSV against formula injection.
type CSVGuard struct {
	mode CSVMode
}

// NewCSVGuard returns a guard for mode. An empty mode means CSVPrefix.
func NewCSVGuard(mode CSVMode) (*CSVGuard, error) {
	switch mode {
	case "":
		mode = CSVPrefix
	case CSVPrefix, CSVReject:
	default:
		return nil, fmt.Errorf("sandbox: unknown csv mode %q", mode)
	}
	return &CSVGuard{mode: mode}, nil
}

func (g *CSVGuard) Mode() CSVMode { return g.mode }

// Cell returns v made safe for a spreadsheet.
func (g *CSVGuard) Cell(v string) (string, error) {
	if !isFormula(v) {
		return v, nil
	}
	if g.mode == CSVReject {
		return "", verdict.Rejectf(verdict.FormulaInjection, "cell starts with %q", strings.TrimLeft(v, " ")[:1])
	}
	return "'" + v, nil
}

// Row applies Cell to every field.
func (g *CSVGuard) Row(fields []string) ([]string, error) {
	out := make([]string, len(fields))
	for i, f := range fields {
		safe, err := g.Cell(f)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = safe
	}
	return out, nil
}

// WriteAll writes rows as CSV through the guard. Nothing is written when
// any cell is rejected.
func (g *CSVGuard) WriteAll(w io.Writer, rows [][]string) error {
	safe := make([][]string, len(rows))
	for i, row := range rows {
		r, err := g.Row(row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		safe[i] = r
	}
	return csv.NewWriter(w).WriteAll(safe)
}

// isFormula reports whether v, ignoring leading spaces, starts with a
// formula trigger.
func isFormula(v string) bool {
	t := strings.TrimLeft(v, " ")
	return t != "" && strings.ContainsRune(formulaTriggers, rune(t[0]))
}
