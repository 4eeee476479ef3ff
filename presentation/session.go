package presentation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/metrics"
	domainerrors "github.com/kokukuma/mdoc-wallet/pkg/domain-errors"
)

// Session answers one query. Its methods may be called from different
// goroutines; Cancel in particular may interrupt Resolve or Consent.
type Session struct {
	ID string

	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	query   Query
	matched *Matched
	// abort cancels the blocking step in progress, if any.
	abort context.CancelFunc
	err   error
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the classified cause of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Matched is the current selection once matching succeeded.
func (s *Session) Matched() *Matched {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matched
}

// fire applies e and runs the bookkeeping of the resulting command. cause
// is recorded when e fails the session. Callers hold s.mu.
func (s *Session) fire(e Event, cause error) (Command, error) {
	next, cmd, err := Transition(s.state, e)
	if err != nil {
		if s.state == StateFailed && s.err != nil {
			return CommandNone, s.err
		}
		return CommandNone, domainerrors.Wrap(err, domainerrors.CodeMalformedInput, err.Error())
	}
	s.logger.Debug("session transition", "from", s.state, "event", e, "to", next)
	s.state = next

	switch cmd {
	case CommandAbortBuild, CommandReportFailure:
		if s.abort != nil {
			s.abort()
		}
		s.err = cause
		code, _ := domainerrors.CodeOf(cause)
		s.engine.metrics.IncrementSession(string(code))
		s.logger.Warn("presentation failed", "code", code, "error", cause)
	case CommandDispatch:
		s.engine.metrics.IncrementSession(metrics.OutcomeDispatched)
	}
	return cmd, nil
}

// failWith moves the session to Failed unless it already is, and returns
// the error the session ended with.
func (s *Session) failWith(e Event, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.fire(e, cause); err != nil {
		if s.state == StateFailed {
			return s.err
		}
		s.state = StateFailed
		s.err = cause
	}
	return s.err
}

// Resolve reads the current holdings once and matches them against q. A
// *NotMatched result comes with a NoMatch error and ends the session.
func (s *Session) Resolve(ctx context.Context, q Query) (result MatchResult, err error) {
	ctx, span := s.engine.tracer.Start(ctx, "presentation.Resolve", trace.WithAttributes(
		attribute.String("session", s.ID),
		attribute.String("protocol", string(q.Protocol)),
		attribute.String("definition", q.Definition.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if _, err := s.fire(EventResolve, nil); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.query = q
	s.abort = cancel
	s.mu.Unlock()

	if err := q.validate(); err != nil {
		return nil, s.failWith(EventFail, err)
	}
	if err := q.checkRequester(s.engine.requireTrusted); err != nil {
		return nil, s.failWith(EventFail, err)
	}

	docs, err := s.load(ctx)
	if err != nil {
		return nil, s.failWith(EventFail, classify(err, domainerrors.CodeMalformedInput))
	}

	s.mu.Lock()
	_, err = s.fire(EventLoaded, nil)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result, err = s.engine.matcher.Match(ctx, q.Definition, docs)
	if err != nil {
		return nil, s.failWith(EventFail, classify(err, domainerrors.CodeMalformedInput))
	}

	switch r := result.(type) {
	case *NotMatched:
		s.engine.metrics.IncrementMatch(string(q.Protocol), metrics.MatchNotMatched)
		cause := domainerrors.New(domainerrors.CodeNoMatch,
			fmt.Sprintf("no document satisfies input descriptors %v", r.Unmatched))
		return r, s.failWith(EventNotMatched, cause)
	case *Matched:
		s.engine.metrics.IncrementMatch(string(q.Protocol), metrics.MatchMatched)
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.fire(EventMatched, nil); err != nil {
			return nil, err
		}
		s.matched = r
		s.abort = nil
		return r, nil
	}
	return nil, s.failWith(EventFail, domainerrors.New(domainerrors.CodeNoMatch, "no match result"))
}

func (s *Session) load(ctx context.Context) ([]document.CredentialDocument, error) {
	stream := s.engine.repo.Documents(ctx)
	select {
	case docs, ok := <-stream:
		if !ok {
			return nil, ctx.Err()
		}
		return docs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) awaitingConsent() (*Matched, error) {
	if s.state != StateAwaitingConsent {
		return nil, domainerrors.Wrap(ErrInvalidTransition, domainerrors.CodeMalformedInput,
			fmt.Sprintf("selection cannot change in state %s", s.state))
	}
	return s.matched, nil
}

func (s *Session) descriptor(id string) (*DescriptorMatch, error) {
	matched, err := s.awaitingConsent()
	if err != nil {
		return nil, err
	}
	d, ok := matched.Descriptor(id)
	if !ok {
		return nil, domainerrors.New(domainerrors.CodeMalformedInput, fmt.Sprintf("unknown input descriptor %s", id))
	}
	return d, nil
}

// Choose selects another satisfying document for a descriptor.
func (s *Session) Choose(descriptorID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.descriptor(descriptorID)
	if err != nil {
		return err
	}
	c, ok := lo.Find(d.Alternatives, func(c Candidate) bool { return c.Document.ID() == documentID })
	if !ok {
		return domainerrors.New(domainerrors.CodeMalformedInput,
			fmt.Sprintf("document %s does not satisfy input descriptor %s", documentID, descriptorID))
	}
	d.Candidate = c
	return nil
}

// SetChecked selects or deselects one field of a descriptor's selected
// document. path may use dot or bracket notation. Mandatory fields cannot
// be deselected.
func (s *Session) SetChecked(descriptorID, path string, checked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.descriptor(descriptorID)
	if err != nil {
		return err
	}
	want, err := document.ParsePath(path)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeMalformedInput, err.Error())
	}
	field, ok := lo.Find(d.Fields, func(f *document.MatchedField) bool {
		attr, ok := f.Field.Attribute()
		return ok && attr.Path.Canonical() == want.Canonical()
	})
	if !ok {
		return domainerrors.New(domainerrors.CodeMalformedInput,
			fmt.Sprintf("field %s is not part of input descriptor %s", path, descriptorID))
	}
	if err := field.SetChecked(checked); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeMalformedInput, err.Error())
	}
	return nil
}

// Consent builds the response from the current selection. Signing may run
// concurrently; if the session is cancelled meanwhile every produced
// signature is dropped.
func (s *Session) Consent(ctx context.Context) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if _, err := s.fire(EventConsent, nil); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.abort = cancel
	q, matched := s.query, s.matched
	s.mu.Unlock()

	start := time.Now()
	resp, err := s.engine.build(ctx, q, matched)
	s.engine.metrics.ObserveBuild(string(q.Protocol), start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort = nil
	if s.state != StateBuilding {
		return nil, s.err
	}
	if err != nil {
		cause := classify(err, domainerrors.CodeSigningFailure)
		if _, ferr := s.fire(EventBuildFailed, cause); ferr != nil {
			s.logger.Error("cannot record build failure", "state", s.state, "cause", cause, "error", ferr)
		}
		return nil, cause
	}
	if _, err := s.fire(EventBuilt, nil); err != nil {
		return nil, err
	}
	return resp, nil
}

// Cancel ends the session with UserCancelled. A build in progress is
// interrupted and its output discarded.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if _, err := s.fire(EventCancel, domainerrors.New(domainerrors.CodeUserCancelled, "presentation cancelled by the user")); err != nil {
		s.logger.Error("cannot cancel session", "state", s.state, "error", err)
	}
}
