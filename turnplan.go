package parley

import (
	"fmt"
	"sync"
)

// TurnPlan is a preset's turn layout: the declared node order and an
// optional per-node cadence. Nodes missing from Cadence default to firing
// every iteration.
type TurnPlan struct {
	Order   []string
	Cadence map[string]int
}

// TurnScheduler decides which nodes fire on a given iteration. Iterations
// are 1-based. Implementations are pure: no I/O, no internal state, same
// input gives same output. Ordering within an iteration always follows the
// plan's declared order.
type TurnScheduler interface {
	Pick(iter int, plan TurnPlan) []string
}

// EveryN fires node n on every iteration divisible by its cadence:
// cadence 1 fires every iteration, cadence 3 fires on iterations 3, 6, 9.
type EveryN struct{}

func (EveryN) Pick(iter int, plan TurnPlan) []string {
	picked := make([]string, 0, len(plan.Order))
	for _, id := range plan.Order {
		cadence := plan.Cadence[id]
		if cadence <= 0 {
			cadence = 1
		}
		if iter%cadence == 0 {
			picked = append(picked, id)
		}
	}
	return picked
}

// RoundRobin fires exactly one node per iteration, cycling through the plan
// order. Cadence is ignored.
type RoundRobin struct{}

func (RoundRobin) Pick(iter int, plan TurnPlan) []string {
	if len(plan.Order) == 0 {
		return nil
	}
	return []string{plan.Order[(iter-1)%len(plan.Order)]}
}

// compile-time checks
var (
	_ TurnScheduler = EveryN{}
	_ TurnScheduler = RoundRobin{}
)

var (
	turnSchedulersMu sync.RWMutex
	turnSchedulers   = map[string]TurnScheduler{
		"every_n":     EveryN{},
		"round_robin": RoundRobin{},
	}
)

// RegisterTurnScheduler makes a scheduler available to presets under the
// given name, replacing any previous registration.
func RegisterTurnScheduler(name string, s TurnScheduler) {
	turnSchedulersMu.Lock()
	defer turnSchedulersMu.Unlock()
	turnSchedulers[name] = s
}

// TurnSchedulerByName resolves a preset's scheduler reference.
func TurnSchedulerByName(name string) (TurnScheduler, error) {
	turnSchedulersMu.RLock()
	defer turnSchedulersMu.RUnlock()
	s, ok := turnSchedulers[name]
	if !ok {
		return nil, fmt.Errorf("turn scheduler %q not registered", name)
	}
	return s, nil
}
