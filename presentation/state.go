package presentation

import (
	"errors"
	"fmt"
)

type State int

const (
	StateIdle State = iota
	StateResolving
	StateMatching
	StateAwaitingConsent
	StateBuilding
	StateDispatched
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateMatching:
		return "matching"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateBuilding:
		return "building"
	case StateDispatched:
		return "dispatched"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further event is accepted.
func (s State) Terminal() bool {
	return s == StateDispatched || s == StateFailed
}

type Event int

const (
	EventResolve Event = iota
	EventLoaded
	EventMatched
	EventNotMatched
	EventConsent
	EventBuilt
	EventBuildFailed
	EventCancel
	EventFail
)

func (e Event) String() string {
	switch e {
	case EventResolve:
		return "resolve"
	case EventLoaded:
		return "loaded"
	case EventMatched:
		return "matched"
	case EventNotMatched:
		return "not_matched"
	case EventConsent:
		return "consent"
	case EventBuilt:
		return "built"
	case EventBuildFailed:
		return "build_failed"
	case EventCancel:
		return "cancel"
	case EventFail:
		return "fail"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Command is the side effect the session runs after a transition.
type Command int

const (
	CommandNone Command = iota
	CommandLoadDocuments
	CommandMatch
	CommandAwaitConsent
	CommandBuild
	CommandDispatch
	CommandAbortBuild
	CommandReportFailure
)

var ErrInvalidTransition = errors.New("invalid session transition")

type transitionKey struct {
	from  State
	event Event
}

type transitionTarget struct {
	to      State
	command Command
}

var transitions = map[transitionKey]transitionTarget{
	{StateIdle, EventResolve}:            {StateResolving, CommandLoadDocuments},
	{StateResolving, EventLoaded}:        {StateMatching, CommandMatch},
	{StateMatching, EventMatched}:        {StateAwaitingConsent, CommandAwaitConsent},
	{StateMatching, EventNotMatched}:     {StateFailed, CommandReportFailure},
	{StateAwaitingConsent, EventConsent}: {StateBuilding, CommandBuild},
	{StateBuilding, EventBuilt}:          {StateDispatched, CommandDispatch},
	{StateBuilding, EventBuildFailed}:    {StateFailed, CommandReportFailure},
	{StateBuilding, EventCancel}:         {StateFailed, CommandAbortBuild},
	{StateIdle, EventCancel}:             {StateFailed, CommandReportFailure},
	{StateResolving, EventCancel}:        {StateFailed, CommandReportFailure},
	{StateMatching, EventCancel}:         {StateFailed, CommandReportFailure},
	{StateAwaitingConsent, EventCancel}:  {StateFailed, CommandReportFailure},
	{StateIdle, EventFail}:               {StateFailed, CommandReportFailure},
	{StateResolving, EventFail}:          {StateFailed, CommandReportFailure},
	{StateMatching, EventFail}:           {StateFailed, CommandReportFailure},
	{StateAwaitingConsent, EventFail}:    {StateFailed, CommandReportFailure},
	{StateBuilding, EventFail}:           {StateFailed, CommandAbortBuild},
}

// Transition returns the state reached from s on e and the command to run.
// It has no side effects.
func Transition(s State, e Event) (State, Command, error) {
	t, ok := transitions[transitionKey{s, e}]
	if !ok {
		return s, CommandNone, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
	}
	return t.to, t.command, nil
}
