package presentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"github.com/bluele/gcache"
	"github.com/samber/lo"
	"github.com/xeipuuv/gojsonschema"

	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	domainerrors "github.com/kokukuma/mdoc-wallet/pkg/domain-errors"
)

// MatchResult is either *Matched or *NotMatched.
type MatchResult interface {
	matchResult()
}

// Candidate is one document able to answer a descriptor, with the fields
// it would disclose.
type Candidate struct {
	Document document.CredentialDocument
	Fields   []*document.MatchedField
}

// DescriptorMatch is the answer selected for one input descriptor.
// Alternatives lists every satisfying document in repository order; the
// first one is selected unless the caller chooses another.
type DescriptorMatch struct {
	DescriptorID string
	Format       document.CredentialType
	Candidate
	Alternatives []Candidate
}

// Matched assigns a document to every input descriptor, in definition
// order.
type Matched struct {
	DefinitionID string
	Descriptors  []*DescriptorMatch
}

// NotMatched lists the descriptors no document could satisfy.
type NotMatched struct {
	DefinitionID string
	Unmatched    []string
}

func (*Matched) matchResult()    {}
func (*NotMatched) matchResult() {}

func (m *Matched) Descriptor(id string) (*DescriptorMatch, bool) {
	return lo.Find(m.Descriptors, func(d *DescriptorMatch) bool { return d.DescriptorID == id })
}

type (
	pathCacheKey   string
	schemaCacheKey string
)

const defaultCacheSize = 256

// Matcher evaluates presentation definitions against held documents.
// Compiled paths and filters are cached across sessions.
type Matcher struct {
	lang   gval.Language
	cache  gcache.Cache
	now    func() time.Time
	logger *slog.Logger
}

type MatcherOption func(*Matcher)

func WithMatcherClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) {
		m.now = now
	}
}

func WithMatcherLogger(logger *slog.Logger) MatcherOption {
	return func(m *Matcher) {
		m.logger = logger
	}
}

func WithCacheSize(size int) MatcherOption {
	return func(m *Matcher) {
		m.cache = gcache.New(size).LRU().Build()
	}
}

func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		lang:   gval.Full(jsonpath.PlaceholderExtension()),
		cache:  gcache.New(defaultCacheSize).LRU().Build(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match runs every descriptor of def against docs. Documents are tried in
// the order given, so the same inputs always give the same selection.
func (m *Matcher) Match(ctx context.Context, def document.PresentationDefinition, docs []document.CredentialDocument) (MatchResult, error) {
	now := m.now()
	live := lo.Reject(docs, func(d document.CredentialDocument, _ int) bool { return d.ExpiredAt(now) })
	projections := make(map[string]projection, len(live))
	for _, d := range live {
		projections[d.ID()] = project(d)
	}

	matched := &Matched{DefinitionID: def.ID}
	var unmatched []string
	for _, desc := range def.InputDescriptors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		formats := desc.Formats(def.Format)

		var candidates []Candidate
		for _, doc := range live {
			if !acceptsDocument(desc, formats, doc) {
				continue
			}
			fields, ok, err := m.evaluate(ctx, desc, doc.DocType(), projections[doc.ID()])
			if err != nil {
				return nil, err
			}
			if ok {
				candidates = append(candidates, Candidate{Document: doc, Fields: fields})
			}
		}

		if len(candidates) == 0 {
			m.logger.Debug("input descriptor not matched", "definition", def.ID, "descriptor", desc.ID)
			unmatched = append(unmatched, desc.ID)
			continue
		}
		matched.Descriptors = append(matched.Descriptors, &DescriptorMatch{
			DescriptorID: desc.ID,
			Format:       submissionFormat(formats, candidates[0].Document),
			Candidate:    candidates[0],
			Alternatives: candidates,
		})
	}

	if len(unmatched) > 0 {
		return &NotMatched{DefinitionID: def.ID, Unmatched: unmatched}, nil
	}
	return matched, nil
}

func acceptsDocument(desc document.InputDescriptor, formats []document.CredentialType, doc document.CredentialDocument) bool {
	if len(formats) > 0 && !lo.ContainsBy(formats, func(f document.CredentialType) bool { return f.Accepts(doc.Format()) }) {
		return false
	}
	switch d := doc.(type) {
	case *document.MdocDocument:
		return desc.ID == string(d.DocType())
	case *document.SDJWTDocument:
		// SD-JWT descriptors are typed by a $.vct filter, not by their id.
		return true
	}
	return false
}

// submissionFormat reports SD-JWT under the media type the descriptor asked
// for.
func submissionFormat(formats []document.CredentialType, doc document.CredentialDocument) document.CredentialType {
	if doc.Format() == document.CredentialTypeSDJWT &&
		lo.Contains(formats, document.CredentialTypeDCSDJWT) && !lo.Contains(formats, document.CredentialTypeSDJWT) {
		return document.CredentialTypeDCSDJWT
	}
	return doc.Format()
}

// evaluate checks every field constraint of desc against one projection.
// A descriptor is satisfied when all mandatory constraints resolve and pass
// their filter and at least one field can be disclosed.
func (m *Matcher) evaluate(ctx context.Context, desc document.InputDescriptor, docType mdoc.DocType, p projection) ([]*document.MatchedField, bool, error) {
	mandatory := map[int]bool{}
	selected := map[int]bool{}

	for _, constraint := range desc.Constraints.Fields {
		path, ok, err := m.resolve(ctx, constraint, p.claim)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if constraint.Optional {
				continue
			}
			return nil, false, nil
		}
		for _, i := range addressed(docType, path, p.fields) {
			selected[i] = true
			if !constraint.Optional {
				mandatory[i] = true
			}
		}
	}

	var fields []*document.MatchedField
	for i, f := range p.fields {
		if selected[i] {
			fields = append(fields, document.NewMatchedField(f, mandatory[i]))
		}
	}
	return fields, len(fields) > 0, nil
}

// resolve returns the first path of constraint that addresses a value in
// claim, provided that value passes the filter.
func (m *Matcher) resolve(ctx context.Context, constraint document.PathField, claim map[string]interface{}) (document.JSONPath, bool, error) {
	for _, raw := range constraint.Path {
		path, err := document.ParsePath(raw)
		if err != nil {
			m.logger.Debug("skipping unsupported path", "path", raw, "error", err)
			continue
		}
		value, ok, err := m.selectValue(ctx, path, claim)
		if err != nil {
			return document.JSONPath{}, false, err
		}
		if !ok {
			continue
		}
		if !constraint.HasFilter() {
			return path, true, nil
		}
		valid, err := m.validate(constraint.Filter, value)
		if err != nil {
			return document.JSONPath{}, false, err
		}
		return path, valid, nil
	}
	return document.JSONPath{}, false, nil
}

// selectValue evaluates path over claim. Member names are always rendered
// as double quoted brackets so that keys such as "18" or dotted
// namespaces are addressed literally.
func (m *Matcher) selectValue(ctx context.Context, path document.JSONPath, claim map[string]interface{}) (interface{}, bool, error) {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path.Segments() {
		b.WriteString("[")
		b.WriteString(strconv.Quote(seg))
		b.WriteString("]")
	}
	expr := b.String()

	eval, err := m.compile(expr)
	if err != nil {
		return nil, false, domainerrors.Wrap(err, domainerrors.CodeMalformedInput, fmt.Sprintf("invalid path %s", path))
	}
	value, err := eval(ctx, claim)
	if err != nil {
		// Unknown keys are reported as errors by jsonpath.
		return nil, false, nil
	}
	return value, true, nil
}

func (m *Matcher) compile(expr string) (gval.Evaluable, error) {
	cached, err := m.cache.Get(pathCacheKey(expr))
	if err == nil {
		return cached.(gval.Evaluable), nil
	}
	if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, err
	}
	eval, err := m.lang.NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to build json path evaluator: %w", err)
	}
	if err := m.cache.Set(pathCacheKey(expr), eval); err != nil {
		return nil, err
	}
	return eval, nil
}

// validate checks value against the JSON schema filter, compiled from the
// bytes the relying party sent.
func (m *Matcher) validate(filter document.Filter, value interface{}) (bool, error) {
	raw := []byte(filter)

	var schema *gojsonschema.Schema
	cached, err := m.cache.Get(schemaCacheKey(raw))
	switch {
	case err == nil:
		schema = cached.(*gojsonschema.Schema)
	case errors.Is(err, gcache.KeyNotFoundError):
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return false, domainerrors.Wrap(err, domainerrors.CodeMalformedInput, "invalid field filter")
		}
		if err := m.cache.Set(schemaCacheKey(raw), schema); err != nil {
			return false, err
		}
	default:
		return false, err
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		// Values that cannot be expressed as JSON never pass a filter.
		return false, nil
	}
	return result.Valid(), nil
}

// addressed returns the indexes of the fields path selects. A path naming
// a registered attribute selects exactly that attribute; any other path
// selects every field below it.
func addressed(docType mdoc.DocType, path document.JSONPath, fields []document.DocumentField) []int {
	attr, registered := document.LookupPath(docType, path.String())
	var out []int
	for i, f := range fields {
		if registered {
			if fa, ok := f.Attribute(); ok && fa.Key == attr.Key {
				out = append(out, i)
			}
			continue
		}
		if hasPrefix(f.Path, path.Segments()) {
			out = append(out, i)
		}
	}
	return out
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}
