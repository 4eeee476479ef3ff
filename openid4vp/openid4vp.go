// Package openid4vp is the wallet side of OpenID for Verifiable
// Presentations: the authorization request it receives and the
// response it posts back.
package openid4vp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kokukuma/mdoc-wallet/document"
)

// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html

const (
	ResponseTypeVPToken    = "vp_token"
	ResponseModeDirectPost = "direct_post"

	ClientIDSchemeX509SanDNS  = "x509_san_dns"
	ClientIDSchemeRedirectURI = "redirect_uri"
)

var ErrInvalidRequest = errors.New("invalid authorization request")

type AuthorizationRequest struct {
	ClientID               string                           `json:"client_id"`
	ClientIDScheme         string                           `json:"client_id_scheme,omitempty"`
	ResponseType           string                           `json:"response_type"`
	Nonce                  string                           `json:"nonce"`
	PresentationDefinition *document.PresentationDefinition `json:"presentation_definition,omitempty"`
	ResponseURI            string                           `json:"response_uri,omitempty"`
	ResponseMode           string                           `json:"response_mode,omitempty"`
	Scope                  string                           `json:"scope,omitempty"`
	State                  string                           `json:"state,omitempty"`
	ClientMetadata         *ClientMetadata                  `json:"client_metadata,omitempty"`
}

type ClientMetadata struct {
	JwksURI                     string           `json:"jwks_uri,omitempty"`
	VPFormats                   *document.Format `json:"vp_formats,omitempty"`
	SubjectSyntaxTypesSupported []string         `json:"subject_syntax_types_supported,omitempty"`
}

// Validate checks what the wallet needs to answer the request.
func (r *AuthorizationRequest) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("%w: client_id is missing", ErrInvalidRequest)
	}
	if !strings.Contains(r.ResponseType, ResponseTypeVPToken) {
		return fmt.Errorf("%w: unsupported response_type %q", ErrInvalidRequest, r.ResponseType)
	}
	if r.Nonce == "" {
		return fmt.Errorf("%w: nonce is missing", ErrInvalidRequest)
	}
	if r.PresentationDefinition == nil {
		return fmt.Errorf("%w: presentation_definition is missing", ErrInvalidRequest)
	}
	if len(r.PresentationDefinition.InputDescriptors) == 0 {
		return fmt.Errorf("%w: no input descriptors", ErrInvalidRequest)
	}
	if r.ResponseMode == ResponseModeDirectPost && r.ResponseURI == "" {
		return fmt.Errorf("%w: direct_post without response_uri", ErrInvalidRequest)
	}
	return nil
}

// VPToken holds one presentation per descriptor map entry. It encodes as a
// bare string when it holds exactly one, as an array otherwise.
type VPToken []string

func (v VPToken) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

func (v *VPToken) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = VPToken{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("vp_token is neither a string nor an array of strings: %w", err)
	}
	*v = many
	return nil
}

type AuthorizationResponse struct {
	VPToken                VPToken                `json:"vp_token"`
	State                  string                 `json:"state,omitempty"`
	PresentationSubmission PresentationSubmission `json:"presentation_submission"`
}

type PresentationSubmission struct {
	ID            string               `json:"id"`
	DefinitionID  string               `json:"definition_id"`
	DescriptorMap []DescriptorMapEntry `json:"descriptor_map"`
}

type DescriptorMapEntry struct {
	ID     string                  `json:"id"`
	Format document.CredentialType `json:"format"`
	Path   string                  `json:"path"`
}

// DescriptorPath addresses presentation i of n inside vp_token.
func DescriptorPath(i, n int) string {
	if n == 1 {
		return "$"
	}
	return fmt.Sprintf("$[%d]", i)
}

// NewPresentationSubmission numbers entries by position; entries must
// already be in vp_token order.
func NewPresentationSubmission(definitionID string, entries []DescriptorMapEntry) PresentationSubmission {
	dm := make([]DescriptorMapEntry, len(entries))
	for i, e := range entries {
		e.Path = DescriptorPath(i, len(entries))
		dm[i] = e
	}
	return PresentationSubmission{
		ID:            uuid.NewString(),
		DefinitionID:  definitionID,
		DescriptorMap: dm,
	}
}
