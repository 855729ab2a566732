package subscription

import (
	"fmt"

	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// MaxNameLen bounds event type and system name lengths.
const MaxNameLen = 255

// Validate checks a subscription request before it reaches the store.
// It returns eherrors.FieldErrors naming every invalid field.
func Validate(sub store.Subscription) error {
	var errs eherrors.FieldErrors

	switch {
	case sub.EventType == "":
		errs.Add("eventType", "required")
	case len(sub.EventType) > MaxNameLen:
		errs.Add("eventType", fmt.Sprintf("max length %d", MaxNameLen))
	}

	switch {
	case sub.Consumer.SystemName == "":
		errs.Add("consumer.systemName", "required")
	case len(sub.Consumer.SystemName) > MaxNameLen:
		errs.Add("consumer.systemName", fmt.Sprintf("max length %d", MaxNameLen))
	}

	if sub.Consumer.Address == "" {
		errs.Add("consumer.address", "required")
	}
	if sub.Consumer.Port < 0 || sub.Consumer.Port > 65535 {
		errs.Add("consumer.port", "must be between 0 and 65535")
	}
	if sub.Port < 1 || sub.Port > 65535 {
		errs.Add("port", "must be between 1 and 65535")
	}

	for _, src := range sub.Sources {
		if src == "" {
			errs.Add("sources", "entries must be non-empty")
			break
		}
	}

	if sub.StartDate != nil && sub.EndDate != nil && sub.EndDate.Before(*sub.StartDate) {
		errs.Add("endDate", "must not be before startDate")
	}

	if sub.MatchMetadata {
		for k := range sub.FilterMetadata {
			if k == "" {
				errs.Add("filterMetadata", "keys must be non-empty")
				break
			}
		}
	}

	return errs.Err()
}
