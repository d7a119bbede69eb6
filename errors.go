package rtps

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/rtps/rhistory"
	"github.com/gordian-engine/rtps/rid"
)

var (
	// ErrResourceExhausted is returned when a history or its payload pool
	// is full and the policy forbids making room.
	ErrResourceExhausted = rhistory.ErrResourceExhausted

	// ErrNotFound is returned for an unmatched GUID or an absent change.
	ErrNotFound = rhistory.ErrNotFound

	// ErrTimeout is returned when a write blocked for max_blocking_time
	// without history space becoming available. The sample is not written.
	ErrTimeout = errors.New("timed out waiting for history space")

	// ErrEmpty is returned from take and read when no sample is available.
	ErrEmpty = errors.New("no unread sample available")

	// ErrKeyRequired is returned when a change needs an instance key
	// that the topic or sample does not provide.
	ErrKeyRequired = errors.New("operation requires a keyed topic")

	// ErrClosed is returned from operations on a closed endpoint or participant.
	ErrClosed = errors.New("closed")
)

// UnrecoverableGapError reports a range of changes that a reliable reader
// will never receive, because the writer no longer holds them.
// It is delivered through listeners rather than returned.
type UnrecoverableGapError struct {
	Writer, Reader rid.GUID
	First, Last    rid.SequenceNumber
}

func (e UnrecoverableGapError) Error() string {
	if e.First == e.Last {
		return fmt.Sprintf("change %d from writer %s lost for reader %s", e.First, e.Writer, e.Reader)
	}
	return fmt.Sprintf(
		"changes %d-%d from writer %s lost for reader %s",
		e.First, e.Last, e.Writer, e.Reader,
	)
}
