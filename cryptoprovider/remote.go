package cryptoprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kokukuma/mdoc-wallet/document"
)

// Wire types of the custody service.
type (
	GenerateKeyRequest struct {
		KeyType document.KeyType `json:"key_type"`
	}
	GenerateKeyResponse struct {
		KeyID string `json:"key_id"`
	}
	AttestKeyRequest struct {
		Nonce string `json:"nonce"`
	}
	AttestKeyResponse struct {
		KeyID       string           `json:"key_id"`
		KeyType     document.KeyType `json:"key_type"`
		Attestation string           `json:"attestation"`
	}
	SignRequest struct {
		Data []byte `json:"data"`
	}
	SignResponse struct {
		Signature []byte `json:"signature"`
	}
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// RemoteProvider delegates every key operation to the custody service.
// Private keys never reach this process.
type RemoteProvider struct {
	baseURL *url.URL
	client  *http.Client
	now     func() time.Time
}

type RemoteOption func(*RemoteProvider)

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(p *RemoteProvider) {
		p.client = client
	}
}

func WithRemoteClock(now func() time.Time) RemoteOption {
	return func(p *RemoteProvider) {
		p.now = now
	}
}

func NewRemoteProvider(baseURL string, opts ...RemoteOption) (*RemoteProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid custody url: %w", err)
	}
	p := &RemoteProvider{
		baseURL: u,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *RemoteProvider) Kind() Kind { return KindRemote }
func (p *RemoteProvider) provider()  {}

func (p *RemoteProvider) GenerateKey(ctx context.Context, keyType document.KeyType) (string, error) {
	var resp GenerateKeyResponse
	if err := p.call(ctx, "/keys", GenerateKeyRequest{KeyType: keyType}, &resp); err != nil {
		return "", err
	}
	return resp.KeyID, nil
}

func (p *RemoteProvider) AttestKey(ctx context.Context, keyID, nonce string) (*document.KeyAttestation, error) {
	var resp AttestKeyResponse
	if err := p.call(ctx, "/keys/"+url.PathEscape(keyID)+"/attestation", AttestKeyRequest{Nonce: nonce}, &resp); err != nil {
		return nil, err
	}
	return document.NewKeyAttestation(resp.KeyID, []byte(resp.Attestation), resp.KeyType), nil
}

func (p *RemoteProvider) Sign(ctx context.Context, ka *document.KeyAttestation, data []byte) ([]byte, error) {
	if err := checkUsable(ka, p.now()); err != nil {
		return nil, err
	}
	return p.sign(ctx, ka.KeyID, data)
}

func (p *RemoteProvider) sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	var resp SignResponse
	if err := p.call(ctx, "/keys/"+url.PathEscape(keyID)+"/sign", SignRequest{Data: data}, &resp); err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

func (p *RemoteProvider) KeyBindingSigner(ctx context.Context, ka *document.KeyAttestation) (Signer, error) {
	return p.signer(ctx, ka)
}

func (p *RemoteProvider) DeviceSigner(ctx context.Context, ka *document.KeyAttestation) (Signer, error) {
	return p.signer(ctx, ka)
}

func (p *RemoteProvider) signer(ctx context.Context, ka *document.KeyAttestation) (Signer, error) {
	if err := checkUsable(ka, p.now()); err != nil {
		return nil, err
	}
	alg, err := ka.SigningAlgorithm()
	if err != nil {
		return nil, err
	}
	keyID := ka.KeyID
	return &boundSigner{
		alg:  alg,
		sign: func(data []byte) ([]byte, error) { return p.sign(ctx, keyID, data) },
	}, nil
}

func (p *RemoteProvider) call(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("invalid custody response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrKeyNotFound, errorMessage(data))
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrBackendUnreachable, resp.StatusCode)
	}
	return fmt.Errorf("custody service: status %d: %s", resp.StatusCode, errorMessage(data))
}

func errorMessage(data []byte) string {
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		return string(data)
	}
	return e.Error
}
