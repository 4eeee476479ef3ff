package presentation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		event   Event
		to      State
		command Command
		wantErr bool
	}{
		{from: StateIdle, event: EventResolve, to: StateResolving, command: CommandLoadDocuments},
		{from: StateResolving, event: EventLoaded, to: StateMatching, command: CommandMatch},
		{from: StateMatching, event: EventMatched, to: StateAwaitingConsent, command: CommandAwaitConsent},
		{from: StateMatching, event: EventNotMatched, to: StateFailed, command: CommandReportFailure},
		{from: StateAwaitingConsent, event: EventConsent, to: StateBuilding, command: CommandBuild},
		{from: StateBuilding, event: EventBuilt, to: StateDispatched, command: CommandDispatch},
		{from: StateBuilding, event: EventBuildFailed, to: StateFailed, command: CommandReportFailure},
		{from: StateBuilding, event: EventCancel, to: StateFailed, command: CommandAbortBuild},
		{from: StateAwaitingConsent, event: EventCancel, to: StateFailed, command: CommandReportFailure},
		{from: StateIdle, event: EventCancel, to: StateFailed, command: CommandReportFailure},
		{from: StateResolving, event: EventFail, to: StateFailed, command: CommandReportFailure},

		{from: StateIdle, event: EventConsent, wantErr: true},
		{from: StateAwaitingConsent, event: EventResolve, wantErr: true},
		{from: StateMatching, event: EventBuilt, wantErr: true},
		{from: StateDispatched, event: EventCancel, wantErr: true},
		{from: StateFailed, event: EventResolve, wantErr: true},
		{from: StateFailed, event: EventCancel, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event.String(), func(t *testing.T) {
			to, cmd, err := Transition(tt.from, tt.event)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, to, "state is unchanged on a rejected event")
				assert.Equal(t, CommandNone, cmd)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.command, cmd)
		})
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, s := range []State{StateDispatched, StateFailed} {
		assert.True(t, s.Terminal())
		for e := EventResolve; e <= EventFail; e++ {
			_, _, err := Transition(s, e)
			assert.Error(t, err, "%s on %s", e, s)
		}
	}
}
