package rqos

import (
	"errors"
	"fmt"
	"time"
)

// ReliabilityKind selects best-effort or reliable delivery.
// The ordering matters: a higher value is a stronger offer.
type ReliabilityKind uint8

const (
	BestEffort ReliabilityKind = iota + 1
	Reliable
)

func (k ReliabilityKind) String() string {
	switch k {
	case BestEffort:
		return "BEST_EFFORT"
	case Reliable:
		return "RELIABLE"
	}
	return fmt.Sprintf("ReliabilityKind(%d)", uint8(k))
}

// DurabilityKind controls whether late-joining readers receive earlier samples.
// The ordering matters: a higher value is a stronger offer.
type DurabilityKind uint8

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

func (k DurabilityKind) String() string {
	switch k {
	case Volatile:
		return "VOLATILE"
	case TransientLocal:
		return "TRANSIENT_LOCAL"
	case Transient:
		return "TRANSIENT"
	case Persistent:
		return "PERSISTENT"
	}
	return fmt.Sprintf("DurabilityKind(%d)", uint8(k))
}

// HistoryKind selects between depth-bounded and unbounded retention.
type HistoryKind uint8

const (
	KeepLast HistoryKind = iota
	KeepAll
)

func (k HistoryKind) String() string {
	switch k {
	case KeepLast:
		return "KEEP_LAST"
	case KeepAll:
		return "KEEP_ALL"
	}
	return fmt.Sprintf("HistoryKind(%d)", uint8(k))
}

// OwnershipKind selects whether several writers may update the same instance.
type OwnershipKind uint8

const (
	Shared OwnershipKind = iota
	Exclusive
)

func (k OwnershipKind) String() string {
	switch k {
	case Shared:
		return "SHARED"
	case Exclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("OwnershipKind(%d)", uint8(k))
}

// TopicKind says whether samples carry a key.
type TopicKind uint8

const (
	NoKey TopicKind = iota
	WithKey
)

// PublishMode selects whether write sends on the calling goroutine.
type PublishMode uint8

const (
	Synchronous PublishMode = iota
	Asynchronous
)

// Reliability is the RELIABILITY policy.
type Reliability struct {
	Kind ReliabilityKind

	// How long a write may block waiting for history space.
	MaxBlockingTime time.Duration
}

// History is the HISTORY policy.
type History struct {
	Kind HistoryKind

	// Number of samples kept per instance with KeepLast.
	Depth int
}

// ResourceLimits is the RESOURCE_LIMITS policy.
// A zero field means unlimited.
type ResourceLimits struct {
	MaxSamples            int
	MaxInstances          int
	MaxSamplesPerInstance int
}

// Ownership is the OWNERSHIP and OWNERSHIP_STRENGTH policy pair.
// Strength is only meaningful on writers.
type Ownership struct {
	Kind     OwnershipKind
	Strength uint32
}

// FlowControl limits asynchronous publication throughput.
// A zero BytesPerSecond disables the limit.
type FlowControl struct {
	BytesPerSecond int
	Burst          int
}

// WriterTimes are the reliable writer protocol timings.
type WriterTimes struct {
	// Period between heartbeats announcing available changes.
	HeartbeatPeriod time.Duration

	// Delay before answering a NACK, to coalesce requests.
	NackResponseDelay time.Duration

	// NACKs arriving within this window after a send are ignored.
	NackSuppressionDuration time.Duration
}

// ReaderTimes are the reliable reader protocol timings.
type ReaderTimes struct {
	// Delay before answering a heartbeat with an ACKNACK.
	HeartbeatResponseDelay time.Duration
}

// WriterQoS is the full policy set consumed when a writer is created.
type WriterQoS struct {
	Reliability    Reliability
	Durability     DurabilityKind
	History        History
	ResourceLimits ResourceLimits
	Ownership      Ownership
	TopicKind      TopicKind

	PublishMode PublishMode
	FlowControl FlowControl

	Times WriterTimes
}

// ReaderQoS is the full policy set consumed when a reader is created.
type ReaderQoS struct {
	Reliability    Reliability
	Durability     DurabilityKind
	History        History
	ResourceLimits ResourceLimits
	Ownership      Ownership
	TopicKind      TopicKind

	Times ReaderTimes
}

// DefaultWriterTimes returns the protocol timings used when none are given.
func DefaultWriterTimes() WriterTimes {
	return WriterTimes{
		HeartbeatPeriod:         100 * time.Millisecond,
		NackResponseDelay:       5 * time.Millisecond,
		NackSuppressionDuration: 0,
	}
}

// DefaultWriterQoS returns a reliable, volatile, keep-last(1) writer policy set.
func DefaultWriterQoS() WriterQoS {
	return WriterQoS{
		Reliability: Reliability{
			Kind:            Reliable,
			MaxBlockingTime: 100 * time.Millisecond,
		},
		Durability: Volatile,
		History:    History{Kind: KeepLast, Depth: 1},
		Times:      DefaultWriterTimes(),
	}
}

// DefaultReaderQoS returns a best-effort, volatile, keep-last(1) reader policy set.
func DefaultReaderQoS() ReaderQoS {
	return ReaderQoS{
		Reliability: Reliability{Kind: BestEffort},
		Durability:  Volatile,
		History:     History{Kind: KeepLast, Depth: 1},
		Times: ReaderTimes{
			HeartbeatResponseDelay: 0,
		},
	}
}

// ErrInvalidQoS is wrapped by every validation failure.
var ErrInvalidQoS = errors.New("invalid QoS")

func validateCommon(rel Reliability, h History, rl ResourceLimits) error {
	switch rel.Kind {
	case BestEffort, Reliable:
	default:
		return fmt.Errorf("%w: unknown reliability kind %d", ErrInvalidQoS, rel.Kind)
	}
	if rel.MaxBlockingTime < 0 {
		return fmt.Errorf("%w: negative max blocking time", ErrInvalidQoS)
	}

	if rl.MaxSamples < 0 || rl.MaxInstances < 0 || rl.MaxSamplesPerInstance < 0 {
		return fmt.Errorf("%w: negative resource limit", ErrInvalidQoS)
	}
	if rl.MaxSamples > 0 && rl.MaxSamplesPerInstance > rl.MaxSamples {
		return fmt.Errorf(
			"%w: max_samples_per_instance %d exceeds max_samples %d",
			ErrInvalidQoS, rl.MaxSamplesPerInstance, rl.MaxSamples,
		)
	}

	switch h.Kind {
	case KeepLast:
		if h.Depth <= 0 {
			return fmt.Errorf("%w: keep-last depth must be positive (got %d)", ErrInvalidQoS, h.Depth)
		}
		if rl.MaxSamplesPerInstance > 0 && h.Depth > rl.MaxSamplesPerInstance {
			return fmt.Errorf(
				"%w: depth %d exceeds max_samples_per_instance %d",
				ErrInvalidQoS, h.Depth, rl.MaxSamplesPerInstance,
			)
		}
	case KeepAll:
	default:
		return fmt.Errorf("%w: unknown history kind %d", ErrInvalidQoS, h.Kind)
	}

	return nil
}

// Validate reports whether q is internally consistent.
func (q WriterQoS) Validate() error {
	if err := validateCommon(q.Reliability, q.History, q.ResourceLimits); err != nil {
		return err
	}
	if q.Reliability.Kind == Reliable && q.Times.HeartbeatPeriod <= 0 {
		return fmt.Errorf("%w: reliable writer needs a positive heartbeat period", ErrInvalidQoS)
	}
	if q.FlowControl.BytesPerSecond < 0 || q.FlowControl.Burst < 0 {
		return fmt.Errorf("%w: negative flow control", ErrInvalidQoS)
	}
	if q.Ownership.Kind == Shared && q.Ownership.Strength != 0 {
		return fmt.Errorf("%w: ownership strength requires exclusive ownership", ErrInvalidQoS)
	}
	return nil
}

// Validate reports whether q is internally consistent.
func (q ReaderQoS) Validate() error {
	if err := validateCommon(q.Reliability, q.History, q.ResourceLimits); err != nil {
		return err
	}
	if q.Times.HeartbeatResponseDelay < 0 {
		return fmt.Errorf("%w: negative heartbeat response delay", ErrInvalidQoS)
	}
	return nil
}

// IsReliable reports whether the writer policy is reliable.
func (q WriterQoS) IsReliable() bool { return q.Reliability.Kind == Reliable }

// IsReliable reports whether the reader policy is reliable.
func (q ReaderQoS) IsReliable() bool { return q.Reliability.Kind == Reliable }
