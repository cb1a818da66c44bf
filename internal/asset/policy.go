package asset

import "fmt"

// Policy orders waiting reservation requests when freed capacity is offered
// to the queue. Grants remain all-or-nothing per request regardless of
// policy; only the scan order changes.
type Policy interface {
	// Name returns the policy identifier used in configuration.
	Name() string

	// Arrange returns the order in which waiters are offered capacity.
	// Implementations must not mutate the input slice.
	Arrange(waiters []*waiter) []*waiter
}

// fifoPolicy offers capacity strictly in arrival order.
type fifoPolicy struct{}

// FIFOPolicy returns the default arrival-order policy.
func FIFOPolicy() Policy {
	return fifoPolicy{}
}

func (fifoPolicy) Name() string { return "fifo" }

func (fifoPolicy) Arrange(waiters []*waiter) []*waiter { return waiters }

// NewPolicy resolves a configured policy name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", "fifo":
		return FIFOPolicy(), nil
	default:
		return nil, fmt.Errorf("asset: unknown reservation policy %q", name)
	}
}
