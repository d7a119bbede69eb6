package rqos

import (
	"strings"
)

// IncompatibleQoSError lists the policies for which
// a writer's offer does not satisfy a reader's request.
type IncompatibleQoSError struct {
	Policies []string
}

func (e IncompatibleQoSError) Error() string {
	return "incompatible QoS: " + strings.Join(e.Policies, ", ")
}

// CheckCompatible applies the request/offered rules:
// the writer must offer at least the reader's reliability and durability,
// and both must agree on ownership kind and topic kind.
//
// It returns nil or an [IncompatibleQoSError].
func CheckCompatible(w WriterQoS, r ReaderQoS) error {
	var bad []string

	if w.Reliability.Kind < r.Reliability.Kind {
		bad = append(bad, "RELIABILITY")
	}
	if w.Durability < r.Durability {
		bad = append(bad, "DURABILITY")
	}
	if w.Ownership.Kind != r.Ownership.Kind {
		bad = append(bad, "OWNERSHIP")
	}
	if w.TopicKind != r.TopicKind {
		bad = append(bad, "TOPIC_KIND")
	}

	if len(bad) == 0 {
		return nil
	}
	return IncompatibleQoSError{Policies: bad}
}
