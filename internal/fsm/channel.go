package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// ChannelStateMachine tracks which payment detection channel is active.
// It is the process-wide capability flag: written by the prober and the
// listener supervisor, read by everything that needs to know whether
// push events are authoritative.
type ChannelStateMachine struct {
	fsm     *fsm.FSM
	mu      sync.Mutex
	onEnter map[string]func(from string)
}

func NewChannelStateMachine() *ChannelStateMachine {
	cs := &ChannelStateMachine{
		onEnter: make(map[string]func(from string)),
	}
	cs.fsm = fsm.NewFSM(
		ChannelStateProbing,
		fsm.Events{
			{Name: ChannelEventPushReady, Src: []string{ChannelStateProbing}, Dst: ChannelStatePush},
			{Name: ChannelEventPushUnsupported, Src: []string{ChannelStateProbing}, Dst: ChannelStatePoll},
			{Name: ChannelEventProbeFailed, Src: []string{ChannelStateProbing}, Dst: ChannelStatePoll},
			{Name: ChannelEventListenerFailed, Src: []string{ChannelStatePush}, Dst: ChannelStatePoll},
			{Name: ChannelEventInitFailed, Src: []string{ChannelStateProbing}, Dst: ChannelStateDisabled},
		},
		fsm.Callbacks{
			// Hooks run while the machine lock is held; they must not call
			// back into the machine synchronously.
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if fn, ok := cs.onEnter[e.Dst]; ok {
					fn(e.Src)
				}
			},
		},
	)
	return cs
}

func (cs *ChannelStateMachine) Current() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fsm.Current()
}

func (cs *ChannelStateMachine) Event(ctx context.Context, event string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fsm.Event(ctx, event)
}

// OnEnter registers fn to run whenever the machine enters state. fn receives
// the state being left.
func (cs *ChannelStateMachine) OnEnter(state string, fn func(from string)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onEnter[state] = fn
}

// EventChannelUsable reports whether the push channel is authoritative.
func (cs *ChannelStateMachine) EventChannelUsable() bool {
	return cs.Current() == ChannelStatePush
}
