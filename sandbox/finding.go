package sandbox

import (
	"fmt"

	"github.com/jmcleod/trustgate/verdict"
)

// Finding is one reason a piece of content was refused.
type Finding struct {
	Reason    verdict.Reason `json:"reason"`
	Construct string         `json:"construct,omitempty"`
	Asset     string         `json:"asset,omitempty"`
	Offset    int            `json:"offset"`
	Message   string         `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// Err turns findings into an error carrying the first finding's reason, or
// nil when there are none.
func Err(findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}
	f := findings[0]
	if len(findings) == 1 {
		return verdict.Rejectf(f.Reason, "%s", f.Message)
	}
	return verdict.Rejectf(f.Reason, "%s (and %d more)", f.Message, len(findings)-1)
}
