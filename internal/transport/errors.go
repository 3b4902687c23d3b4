package transport

import (
	"errors"
	"fmt"
)

// DeliveryError wraps a send failure with its classification.
//
// Permanent means the recipient can never be reached again (blocked the bot,
// deactivated account, bot kicked, chat deleted) and callers may prune it.
// Everything else is transient: rate limits, generic permission errors,
// unknown API errors. Classification happens inside the adapter, which is the
// only layer that understands platform error codes; callers must never match
// on error text.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("delivery failed (recipient gone): %v", e.Err)
	}
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanentlyUnreachable reports whether err carries an unambiguous
// recipient-gone signal. Transient and unclassified errors return false.
func IsPermanentlyUnreachable(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
