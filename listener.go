package rtps

import (
	"time"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rid"
)

// MatchStatus describes a match or unmatch of a remote endpoint.
type MatchStatus struct {
	Remote rid.GUID

	// Number of matched remote endpoints after the transition.
	Current int

	// +1 for a new match, -1 for an unmatch.
	Change int
}

// SampleInfo describes a sample returned from a reader.
type SampleInfo struct {
	Writer   rid.GUID
	Seq      rid.SequenceNumber
	Kind     rcache.ChangeKind
	Instance rcache.InstanceHandle

	SourceTimestamp    time.Time
	ReceptionTimestamp time.Time
}

func sampleInfo(c *rcache.Change) SampleInfo {
	return SampleInfo{
		Writer:             c.WriterGUID,
		Seq:                c.SequenceNumber,
		Kind:               c.Kind,
		Instance:           c.Instance,
		SourceTimestamp:    c.SourceTimestamp,
		ReceptionTimestamp: c.ReceptionTimestamp,
	}
}

// WriterListener receives writer events.
// Any field may be nil.
//
// Callbacks run on the goroutine that caused the event,
// after the writer's lock is released,
// so they may call back into the writer.
type WriterListener struct {
	OnReaderMatched func(MatchStatus)

	// A write found the history full and is blocking or failing.
	OnHistoryFull func()

	// A change left the history before a reliable reader acknowledged it.
	OnUnacknowledgedSampleRemoved func(reader rid.GUID, seq rid.SequenceNumber)

	// A reader requested changes the writer no longer holds.
	OnUnrecoverableGap func(UnrecoverableGapError)
}

// ReaderListener receives reader events.
// Any field may be nil.
//
// Callbacks run after the reader's lock is released.
type ReaderListener struct {
	OnWriterMatched func(MatchStatus)

	// A change was admitted to the history.
	// It may not be available yet if earlier changes are still missing.
	OnChangeAdded func(SampleInfo)

	// A change was dropped because the history is full.
	OnHistoryFull func()

	// Changes from a reliable writer were lost.
	OnUnrecoverableGap func(UnrecoverableGapError)
}
