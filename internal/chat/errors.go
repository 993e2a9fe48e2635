package chat

import (
	"errors"
	"fmt"
)

// ErrForbidden is the sentinel for ownership rejections; match with
// errors.Is. The concrete *ForbiddenError carries the audit payload.
var ErrForbidden = errors.New("chat: access to session denied")

var ErrStreamingUnsupported = errors.New("chat: provider does not support streaming")

// ForbiddenError is returned when a session exists and its owner differs
// from the requester. It is distinguishable from infrastructure failures so
// callers can map it to a 403 and log both user ids.
type ForbiddenError struct {
	SessionID   string
	OwnerID     uint64
	RequesterID uint64
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("chat: session %s owned by user %d, requested by user %d",
		e.SessionID, e.OwnerID, e.RequesterID)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }
