package main

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/config"
	"github.com/kokukuma/mdoc-wallet/internal/cryptoroot"
	"github.com/kokukuma/mdoc-wallet/internal/custody"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
)

// lockedBuffer is written by the demo verifier's handler goroutine.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func useConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func anchorDir(t *testing.T, certs ...*x509.Certificate) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, cryptoroot.WriteCertificatesPEM(certs, filepath.Join(dir, "anchors.pem")))
	return dir
}

func TestDemo_OpenID4VP(t *testing.T) {
	useConfig(t, &config.Config{Profile: "test"})
	ctx := context.Background()

	w, err := newDemoWallet(ctx, "")
	require.NoError(t, err)
	out := &lockedBuffer{}
	require.NoError(t, w.presentOpenID4VP(ctx, out, []string{"pid:$.address.locality"}))

	got := out.String()
	assert.Contains(t, got, "request from Demo Verifier")
	assert.Contains(t, got, "deselected pid $.address.locality")
	assert.Contains(t, got, "verifier: pid given_name = Erika")
	assert.Contains(t, got, "verifier: org.iso.18013.5.1.mDL org.iso.18013.5.1/age_over_21 = true")
	assert.NotContains(t, got, "locality = Berlin")
	assert.NotContains(t, got, "age_over_18")
	assert.Contains(t, got, "accepted, redirect_uri=")
}

func TestDemo_OmitMandatoryField(t *testing.T) {
	useConfig(t, &config.Config{Profile: "test"})
	ctx := context.Background()

	w, err := newDemoWallet(ctx, "")
	require.NoError(t, err)
	err = w.presentOpenID4VP(ctx, &lockedBuffer{}, []string{"pid:$.given_name"})
	assert.ErrorIs(t, err, document.ErrMandatoryField)

	err = w.presentOpenID4VP(ctx, &lockedBuffer{}, []string{"no-separator"})
	assert.Error(t, err)
}

func TestDemo_Proximity(t *testing.T) {
	useConfig(t, &config.Config{Profile: "test"})
	ctx := context.Background()

	w, err := newDemoWallet(ctx, "")
	require.NoError(t, err)
	out := &lockedBuffer{}
	require.NoError(t, w.presentProximity(ctx, out, nil))

	got := out.String()
	assert.Contains(t, got, "reader authenticated=true trusted=true")
	assert.Contains(t, got, "DeviceResponse verified")
}

func TestDemo_CustodyHeldKey(t *testing.T) {
	useConfig(t, &config.Config{Profile: "test"})
	ctx := context.Background()

	attester, _, err := cryptoprovider.NewDevelopmentAttester()
	require.NoError(t, err)
	srv := httptest.NewServer(custody.NewServer(cryptoprovider.NewLocalProvider(attester)).Router())
	defer srv.Close()

	w, err := newDemoWallet(ctx, srv.URL)
	require.NoError(t, err)
	out := &lockedBuffer{}
	require.NoError(t, w.presentOpenID4VP(ctx, out, nil))
	assert.Contains(t, out.String(), "verifier: pid family_name = Mustermann")
}

func TestFetchAuthorizationRequest(t *testing.T) {
	ctx := context.Background()
	verifier, err := startDemoVerifier(nil, &lockedBuffer{})
	require.NoError(t, err)
	defer verifier.Close()

	t.Run("trusted", func(t *testing.T) {
		useConfig(t, &config.Config{TrustAnchorDir: anchorDir(t, verifier.Anchors()...)})
		var out bytes.Buffer
		require.NoError(t, fetchAuthorizationRequest(ctx, &out, http.DefaultClient, verifier.AuthorizeURL()))
		assert.Contains(t, out.String(), "verifier: CN=Demo Verifier")
		assert.Contains(t, out.String(), `"client_id": "verifier.example.com"`)
	})

	t.Run("untrusted", func(t *testing.T) {
		other, err := cryptoroot.NewRootAuthority("Other Root")
		require.NoError(t, err)
		useConfig(t, &config.Config{TrustAnchorDir: anchorDir(t, other.Certificate)})
		err = fetchAuthorizationRequest(ctx, &bytes.Buffer{}, http.DefaultClient, verifier.AuthorizeURL())
		assert.ErrorIs(t, err, openid4vp.ErrUntrustedVerifier)
	})
}

func TestWriteQRCode(t *testing.T) {
	const authorizeURL = "openid4vp://?client_id=verifier.example.com&request_uri=https%3A%2F%2Fverifier.example.com%2Frequest.jwt"
	pngMagic := []byte("\x89PNG\r\n\x1a\n")

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "request.png")
		require.NoError(t, writeQRCode(&bytes.Buffer{}, authorizeURL, path, 128))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, pngMagic))
	})

	t.Run("stdout", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeQRCode(&out, authorizeURL, "-", 128))
		assert.True(t, bytes.HasPrefix(out.Bytes(), pngMagic))
	})

	t.Run("not an authorize url", func(t *testing.T) {
		assert.Error(t, writeQRCode(&bytes.Buffer{}, "https://example.com/", "-", 128))
	})
}

func TestVerifyChain(t *testing.T) {
	ctx := context.Background()
	root, err := cryptoroot.NewRootAuthority("Chain Test Root")
	require.NoError(t, err)
	_, chain, err := root.IssueLeaf("Chain Test Reader", cryptoroot.UsageReaderAuth)
	require.NoError(t, err)
	chainFile := filepath.Join(t.TempDir(), "chain.pem")
	require.NoError(t, cryptoroot.WriteCertificatesPEM(chain, chainFile))

	useConfig(t, &config.Config{TrustAnchorDir: anchorDir(t, root.Certificate)})
	var out bytes.Buffer
	require.NoError(t, verifyChain(ctx, &out, chainFile))
	assert.Contains(t, out.String(), "trusted=true")

	other, err := cryptoroot.NewRootAuthority("Other Root")
	require.NoError(t, err)
	useConfig(t, &config.Config{TrustAnchorDir: anchorDir(t, other.Certificate)})
	assert.Error(t, verifyChain(ctx, &bytes.Buffer{}, chainFile))
}

func TestParseDeviceRequest(t *testing.T) {
	useConfig(t, &config.Config{})
	dr, err := mdoc.NewDocRequest(mdoc.ItemsRequest{
		DocType: document.IsoMDL,
		NameSpaces: map[mdoc.NameSpace]mdoc.DataElements{
			document.ISO1801351: {document.IsoFamilyName: true},
		},
	})
	require.NoError(t, err)
	data, err := mdoc.NewDeviceRequest(dr).Encode()
	require.NoError(t, err)
	transcript, err := mdoc.Marshal([]interface{}{nil, nil, "cli"})
	require.NoError(t, err)

	input := filepath.Join(t.TempDir(), "request.hex")
	require.NoError(t, os.WriteFile(input, []byte(hex.EncodeToString(data)+"\n"), 0o600))
	raw, err := readInput(input, true)
	require.NoError(t, err)
	assert.Equal(t, data, raw)

	var out bytes.Buffer
	require.NoError(t, parseDeviceRequest(context.Background(), &out, raw, transcript))
	got := out.String()
	assert.Contains(t, got, "docType=org.iso.18013.5.1.mDL readerAuth=false")
	assert.Contains(t, got, `"intent_to_retain": true`)
	assert.True(t, strings.Contains(got, "family_name"))
}

func TestTokenAt(t *testing.T) {
	vp := openid4vp.VPToken{"a", "b"}
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "$[0]", want: "a"},
		{path: "$[1]", want: "b"},
		{path: "$[2]", wantErr: true},
		{path: "$", wantErr: true},
		{path: "$.x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := tokenAt(vp, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	single, err := tokenAt(openid4vp.VPToken{"only"}, "$")
	require.NoError(t, err)
	assert.Equal(t, "only", single)
}

func TestAnchors(t *testing.T) {
	dir := t.TempDir()
	useConfig(t, &config.Config{TrustAnchorDir: dir})
	root, err := cryptoroot.NewRootAuthority("CLI Anchor Root")
	require.NoError(t, err)
	certFile := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, cryptoroot.WriteCertificatesPEM([]*x509.Certificate{root.Certificate}, certFile))

	var out bytes.Buffer
	require.NoError(t, addAnchor(&out, "cli-root", certFile))
	assert.Contains(t, out.String(), `"filename": "cli-root.pem"`)

	out.Reset()
	require.NoError(t, listAnchors(&out))
	assert.Contains(t, out.String(), `"subject": "CN=CLI Anchor Root"`)

	anchors, err := cfg.TrustAnchors()
	require.NoError(t, err)
	assert.Len(t, anchors, 1)

	out.Reset()
	require.NoError(t, removeAnchor(&out, "cli-root"))
	assert.Equal(t, "removed cli-root\n", out.String())
	assert.ErrorIs(t, removeAnchor(&bytes.Buffer{}, "cli-root"), pki.ErrAnchorNotFound)

	_, err = cfg.TrustAnchors()
	assert.Error(t, err)
}

func TestDemoDefinition(t *testing.T) {
	pd, err := demoDefinition()
	require.NoError(t, err)
	require.Len(t, pd.InputDescriptors, 2)

	pid := pd.InputDescriptors[0]
	assert.Equal(t, "pid", pid.ID)
	assert.Equal(t, []document.CredentialType{document.CredentialTypeSDJWT}, pid.Formats(nil))
	assert.Equal(t, []string{"$.vct"}, pid.Constraints.Fields[0].Path)
	assert.True(t, pid.Constraints.Fields[3].Optional)

	mdl := pd.InputDescriptors[1]
	assert.Equal(t, string(document.IsoMDL), mdl.ID)
	assert.Equal(t, "required", mdl.Constraints.LimitDisclosure)
	assert.Equal(t, []string{"$['org.iso.18013.5.1']['age_over_21']"}, mdl.Constraints.Fields[1].Path)
	assert.JSONEq(t, `{"type":"boolean","const":true}`, string(mdl.Constraints.Fields[1].Filter))
	assert.True(t, mdl.Constraints.Fields[1].IntentToRetain)
}
