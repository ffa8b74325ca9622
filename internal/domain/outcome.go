package domain

// OutcomeKind tags a per-notification delivery result.
type OutcomeKind int

const (
	OutcomeSent OutcomeKind = iota + 1
	OutcomeFailed
)

// Outcome is the delivery result of a single notification id.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Sent() Outcome { return Outcome{Kind: OutcomeSent} }

func Failed(reason string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }

// DeliveryResult maps notification ids to their outcome for one destination call.
type DeliveryResult map[string]Outcome

// ReasonNoResult is used for ids the endpoint answered neither way.
const ReasonNoResult = "no delivery result reported"

// Resolve returns the outcome for id; ids missing from the result count as failures.
func (r DeliveryResult) Resolve(id string) Outcome {
	if outcome, ok := r[id]; ok {
		return outcome
	}
	return Failed(ReasonNoResult)
}
