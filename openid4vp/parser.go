package openid4vp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kokukuma/mdoc-wallet/mdoc"
)

// EncodeDeviceResponse is the vp_token form of an mdoc DeviceResponse.
func EncodeDeviceResponse(deviceResponse []byte) string {
	return base64.RawURLEncoding.EncodeToString(deviceResponse)
}

func ParseDeviceResponse(vpToken string) (*mdoc.DeviceResponse, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(vpToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vp_token: %w", err)
	}
	return mdoc.ParseDeviceResponse(decoded)
}

func ParseVPTokenResponse(data string) (*AuthorizationResponse, error) {
	var msg AuthorizationResponse
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to parse data as JSON: %w", err)
	}
	return &msg, nil
}

// Form encodes the response for direct_post.
func (r *AuthorizationResponse) Form() (url.Values, error) {
	values := url.Values{}
	switch len(r.VPToken) {
	case 0:
		return nil, fmt.Errorf("vp_token is empty")
	case 1:
		values.Set("vp_token", r.VPToken[0])
	default:
		token, err := json.Marshal(r.VPToken)
		if err != nil {
			return nil, err
		}
		values.Set("vp_token", string(token))
	}
	submission, err := json.Marshal(r.PresentationSubmission)
	if err != nil {
		return nil, err
	}
	values.Set("presentation_submission", string(submission))
	if r.State != "" {
		values.Set("state", r.State)
	}
	return values, nil
}

// ParseDirectPost reads a direct_post response as the verifier receives it.
func ParseDirectPost(r *http.Request) (*AuthorizationResponse, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %v", err)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/x-www-form-urlencoded" {
		return nil, fmt.Errorf("unexpected Content-Type: %s", contentType)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse query: %v", err)
	}

	vpToken := values.Get("vp_token")
	if vpToken == "" {
		return nil, fmt.Errorf("vp_token parameter is missing")
	}
	msg := AuthorizationResponse{State: values.Get("state")}
	if strings.HasPrefix(vpToken, "[") {
		if err := json.Unmarshal([]byte(vpToken), &msg.VPToken); err != nil {
			return nil, fmt.Errorf("invalid vp_token: %w", err)
		}
	} else {
		msg.VPToken = VPToken{vpToken}
	}
	if err := json.Unmarshal([]byte(values.Get("presentation_submission")), &msg.PresentationSubmission); err != nil {
		return nil, fmt.Errorf("invalid presentation_submission: %w", err)
	}
	return &msg, nil
}

// SubmitResult is what the verifier answers to a direct_post.
type SubmitResult struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// Submit posts the response to responseURI.
func Submit(ctx context.Context, client *http.Client, responseURI string, resp *AuthorizationResponse) (*SubmitResult, error) {
	form, err := resp.Form()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURI, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifier rejected response: status %d: %s", res.StatusCode, body)
	}
	result := &SubmitResult{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return nil, fmt.Errorf("invalid verifier answer: %w", err)
		}
	}
	return result, nil
}
