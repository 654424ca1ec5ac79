package assembler

import (
	"fmt"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
)

// lifecycle tracks one session's state machine. Transitions outside the
// legal edge set are programming errors and surface loudly.
type lifecycle struct {
	state telemetry.SessionState
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: telemetry.StateNew}
}

func (l *lifecycle) current() telemetry.SessionState {
	return l.state
}

func (l *lifecycle) terminal() bool {
	return l.state.Terminal()
}

func (l *lifecycle) transition(to telemetry.SessionState) error {
	if err := to.Validate(); err != nil {
		return err
	}
	if !telemetry.CanTransition(l.state, to) {
		return fmt.Errorf("illegal session transition %s -> %s", l.state, to)
	}
	l.state = to
	return nil
}
