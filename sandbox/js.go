package sandbox

import (
	"fmt"

	"github.com/jmcleod/trustgate/verdict"
)

// SanitizeJS refuses any script. Themes may not ship JavaScript, so the
// only accepted input is the empty string and the result is always empty.
func SanitizeJS(src string) (string, []Finding) {
	if len(src) == 0 {
		return "", nil
	}
	return "", []Finding{{
		Reason:  verdict.JavaScriptNotAllowed,
		Message: fmt.Sprintf("theme JavaScript is not allowed (%d bytes submitted)", len(src)),
	}}
}
