package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State is a controller lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateListening   State = "listening"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateErrored     State = "errored"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

func (s State) String() string { return string(s) }

// fsm event names.
const (
	evStart     = "start"
	evReady     = "ready"
	evSpeak     = "speak"
	evInterrupt = "interrupt"
	evResume    = "resume"
	evClose     = "close"
	evClosed    = "closed"
	evFail      = "fail"
)

// transitions is the controller's transition table. Interrupted is transient:
// the controller resumes to Listening right after the sink was flushed.
var transitions = fsm.Events{
	{Name: evStart, Src: []string{string(StateIdle)}, Dst: string(StateConnecting)},
	{Name: evReady, Src: []string{string(StateConnecting)}, Dst: string(StateListening)},
	{Name: evSpeak, Src: []string{string(StateListening)}, Dst: string(StateSpeaking)},
	{Name: evInterrupt, Src: []string{string(StateSpeaking)}, Dst: string(StateInterrupted)},
	{Name: evResume, Src: []string{string(StateSpeaking), string(StateInterrupted)}, Dst: string(StateListening)},
	{Name: evClose, Src: []string{
		string(StateIdle), string(StateConnecting), string(StateListening),
		string(StateSpeaking), string(StateInterrupted),
	}, Dst: string(StateClosing)},
	{Name: evClosed, Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
	{Name: evFail, Src: []string{
		string(StateIdle), string(StateConnecting), string(StateListening),
		string(StateSpeaking), string(StateInterrupted), string(StateClosing),
	}, Dst: string(StateErrored)},
}

// newMachine builds the state machine. changed runs after every transition,
// outside the machine's locks.
func newMachine(changed func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		transitions,
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				changed(State(e.Src), State(e.Dst))
			},
		},
	)
}
