package event

import (
	"encoding/json"
	"fmt"
	"time"

	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
)

// Validation limits.
const (
	MaxTypeLen   = 255
	MaxSourceLen = 255
)

// Validate checks the event for structural problems.
// now and skew bound how far in the future a timestamp may be; a zero skew disables the check.
func (e Event) Validate(now time.Time, skew time.Duration) error {
	var errs eherrors.FieldErrors

	switch {
	case e.Type == "":
		errs.Add("type", "required")
	case len(e.Type) > MaxTypeLen:
		errs.Add("type", fmt.Sprintf("max length %d", MaxTypeLen))
	}

	switch {
	case e.Source == "":
		errs.Add("source", "required")
	case len(e.Source) > MaxSourceLen:
		errs.Add("source", fmt.Sprintf("max length %d", MaxSourceLen))
	}

	if e.Timestamp.IsZero() {
		errs.Add("timestamp", "required")
	} else if skew > 0 && e.Timestamp.After(now.Add(skew)) {
		errs.Add("timestamp", "must not be in the future (beyond allowed skew)")
	}

	for k := range e.Metadata {
		if k == "" {
			errs.Add("eventMetadata", "keys must be non-empty")
			break
		}
	}

	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		errs.Add("payload", "must be valid JSON")
	}

	return errs.Err()
}
