// Package transfer implements TransferEngine (spec §4.4): one instance per
// in-flight file transfer, handling chunk windowing, retries, progress
// reporting, and whole-file assembly. Grounded on the teacher's sender/
// receiver pair (daemon/transport/chunk_sender.go, chunk_receiver.go) and
// its CAS-backed completion path (daemon/service/cas_service.go),
// re-expressed over internal/wire envelopes and internal/store chunks
// instead of the teacher's raw QUIC stream framing.
package transfer

import "fmt"

// Status is the TransferDescriptor lifecycle from spec §3/§4.4: exactly
// five values. Cancellation is not a status of its own — it is recorded
// as a boolean flag plus reason on the Descriptor and always resolves to
// Failed (spec §4.4's state diagram: "cancel() -> Failed(reason=cancelled)").
type Status int

const (
	Pending Status = iota
	InProgress
	Paused
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case InProgress:
		return "InProgress"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrInvalidTransition reports a disallowed status change.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("transfer: invalid transition %s -> %s", e.From, e.To)
}

var validTransitions = map[Status][]Status{
	Pending:    {InProgress, Failed},
	InProgress: {Paused, Completed, Failed},
	Paused:     {InProgress, Failed},
	Completed:  {},
	Failed:     {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
