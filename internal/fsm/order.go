package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// OrderStateMachine validates order status transitions. pending is the only
// state with outgoing edges; completed and cancelled are absorbing.
type OrderStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewOrderStateMachine() *OrderStateMachine {
	osm := &OrderStateMachine{}
	osm.fsm = fsm.NewFSM(
		OrderStatePending,
		fsm.Events{
			{Name: OrderEventComplete, Src: []string{OrderStatePending}, Dst: OrderStateCompleted},
			{Name: OrderEventCancel, Src: []string{OrderStatePending}, Dst: OrderStateCancelled},
		},
		fsm.Callbacks{},
	)
	return osm
}

// Transition applies event to an order in currentState and returns the
// resulting state. The machine holds no per-order state between calls.
func (osm *OrderStateMachine) Transition(ctx context.Context, currentState, event string) (string, error) {
	osm.mu.Lock()
	defer osm.mu.Unlock()

	osm.fsm.SetState(currentState)
	if err := osm.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return osm.fsm.Current(), nil
}

// IsTerminal reports whether no event can leave the given state.
func IsTerminal(state string) bool {
	return state == OrderStateCompleted || state == OrderStateCancelled
}
