package cryptoprovider_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/custody"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
)

func verifyRS(t *testing.T, pub *ecdsa.PublicKey, data, sig []byte) bool {
	t.Helper()
	require.Len(t, sig, 64)
	digest := sha256.Sum256(data)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

func newAttester(t *testing.T, opts ...cryptoprovider.AttesterOption) (*cryptoprovider.Attester, *x509.Certificate) {
	t.Helper()
	attester, root, err := cryptoprovider.NewDevelopmentAttester(opts...)
	require.NoError(t, err)
	return attester, root
}

func TestLocalProvider_SignAndAttest(t *testing.T) {
	ctx := context.Background()
	attester, root := newAttester(t)
	local := cryptoprovider.NewLocalProvider(attester)

	keyID, err := local.GenerateKey(ctx, document.KeyTypeP256)
	require.NoError(t, err)

	ka, err := local.AttestKey(ctx, keyID, "n-0S6_WzA2Mj")
	require.NoError(t, err)
	assert.Equal(t, keyID, ka.KeyID)

	nonce, err := ka.Nonce()
	require.NoError(t, err)
	assert.Equal(t, "n-0S6_WzA2Mj", nonce)

	require.NoError(t, cryptoprovider.VerifyAttestation(ctx, ka, pki.NewValidator(), []*x509.Certificate{root}))

	pub, err := ka.PublicKey()
	require.NoError(t, err)
	held, _, err := local.PublicKey(keyID)
	require.NoError(t, err)
	assert.True(t, held.Equal(pub))

	data := []byte("device authentication")
	sig, err := local.Sign(ctx, ka, data)
	require.NoError(t, err)
	assert.True(t, verifyRS(t, pub, data, sig))

	signer, err := local.DeviceSigner(ctx, ka)
	require.NoError(t, err)
	assert.Equal(t, "ES256", signer.Algorithm())
	sig, err = signer.Sign(data)
	require.NoError(t, err)
	assert.True(t, verifyRS(t, pub, data, sig))
}

func TestLocalProvider_P384SignatureSize(t *testing.T) {
	ctx := context.Background()
	attester, _ := newAttester(t)
	local := cryptoprovider.NewLocalProvider(attester)

	keyID, err := local.GenerateKey(ctx, document.KeyTypeP384)
	require.NoError(t, err)
	ka, err := local.AttestKey(ctx, keyID, "")
	require.NoError(t, err)

	sig, err := local.Sign(ctx, ka, []byte("x"))
	require.NoError(t, err)
	assert.Len(t, sig, 96)
}

func TestLocalProvider_Errors(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	attester, _ := newAttester(t, cryptoprovider.WithAttestationTTL(time.Hour), cryptoprovider.WithAttesterClock(func() time.Time { return now }))

	tests := []struct {
		name    string
		later   time.Duration
		keyType document.KeyType
		forget  bool
		wantErr error
	}{
		{name: "expired attestation", later: 2 * time.Hour, keyType: document.KeyTypeP256, wantErr: cryptoprovider.ErrAttestationExpired},
		{name: "unknown key", keyType: document.KeyTypeP256, forget: true, wantErr: cryptoprovider.ErrKeyNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := cryptoprovider.NewLocalProvider(attester, cryptoprovider.WithLocalClock(func() time.Time { return now.Add(tt.later) }))
			keyID, err := local.GenerateKey(ctx, tt.keyType)
			require.NoError(t, err)
			ka, err := local.AttestKey(ctx, keyID, "")
			require.NoError(t, err)

			if tt.forget {
				ka = document.NewKeyAttestation("missing", ka.Attestation, ka.KeyType)
			}
			_, err = local.Sign(ctx, ka, []byte("data"))
			assert.ErrorIs(t, err, tt.wantErr)
			_, err = local.KeyBindingSigner(ctx, ka)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := cryptoprovider.NewLocalProvider(attester).GenerateKey(ctx, "Ed25519")
	assert.ErrorIs(t, err, cryptoprovider.ErrUnsupportedKeyType)
}

func TestLocalProvider_SignerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attester, _ := newAttester(t)
	local := cryptoprovider.NewLocalProvider(attester)

	keyID, err := local.GenerateKey(ctx, document.KeyTypeP256)
	require.NoError(t, err)
	ka, err := local.AttestKey(ctx, keyID, "")
	require.NoError(t, err)
	signer, err := local.KeyBindingSigner(ctx, ka)
	require.NoError(t, err)

	cancel()
	_, err = signer.Sign([]byte("data"))
	assert.ErrorIs(t, err, context.Canceled)
}

func newCustody(t *testing.T) (*custody.Server, *httptest.Server, *x509.Certificate) {
	t.Helper()
	attester, root := newAttester(t)
	srv := custody.NewServer(cryptoprovider.NewLocalProvider(attester))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts, root
}

func TestRemoteProvider(t *testing.T) {
	ctx := context.Background()
	srv, ts, root := newCustody(t)

	remote, err := cryptoprovider.NewRemoteProvider(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, cryptoprovider.KindRemote, remote.Kind())

	keyID, err := remote.GenerateKey(ctx, document.KeyTypeP256)
	require.NoError(t, err)
	ka, err := remote.AttestKey(ctx, keyID, "abc")
	require.NoError(t, err)
	require.NoError(t, cryptoprovider.VerifyAttestation(ctx, ka, pki.NewValidator(), []*x509.Certificate{root}))

	pub, err := ka.PublicKey()
	require.NoError(t, err)
	signer, err := remote.KeyBindingSigner(ctx, ka)
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("kb-jwt"))
	require.NoError(t, err)
	assert.True(t, verifyRS(t, pub, []byte("kb-jwt"), sig))

	t.Run("unknown key maps to ErrKeyNotFound", func(t *testing.T) {
		_, err := remote.AttestKey(ctx, "does-not-exist", "")
		assert.ErrorIs(t, err, cryptoprovider.ErrKeyNotFound)
	})

	t.Run("draining maps to ErrBackendUnreachable", func(t *testing.T) {
		srv.Drain()
		defer srv.Resume()
		_, err := remote.Sign(ctx, ka, []byte("data"))
		assert.ErrorIs(t, err, cryptoprovider.ErrBackendUnreachable)
	})

	t.Run("closed server maps to ErrBackendUnreachable", func(t *testing.T) {
		down, err := cryptoprovider.NewRemoteProvider("http://127.0.0.1:1")
		require.NoError(t, err)
		_, err = down.GenerateKey(ctx, document.KeyTypeP256)
		assert.ErrorIs(t, err, cryptoprovider.ErrBackendUnreachable)
	})
}

func TestRemoteProvider_ExpiredAttestationNeverReachesBackend(t *testing.T) {
	ctx := context.Background()
	srv, ts, _ := newCustody(t)

	remote, err := cryptoprovider.NewRemoteProvider(ts.URL, cryptoprovider.WithRemoteClock(func() time.Time {
		return time.Now().Add(48 * time.Hour)
	}))
	require.NoError(t, err)
	keyID, err := remote.GenerateKey(ctx, document.KeyTypeP256)
	require.NoError(t, err)
	ka, err := remote.AttestKey(ctx, keyID, "")
	require.NoError(t, err)

	srv.Drain()
	_, err = remote.Sign(ctx, ka, []byte("data"))
	assert.ErrorIs(t, err, cryptoprovider.ErrAttestationExpired)
}

type memPending map[string]string

func (m memPending) Save(_ context.Context, state, keyID string) error {
	m[state] = keyID
	return nil
}

func (m memPending) Consume(_ context.Context, state string) (string, error) {
	keyID, ok := m[state]
	if !ok {
		return "", cryptoprovider.ErrKeyNotFound
	}
	delete(m, state)
	return keyID, nil
}

func TestFactory_Routing(t *testing.T) {
	ctx := context.Background()
	attester, root := newAttester(t)
	local := cryptoprovider.NewLocalProvider(attester)
	_, ts, _ := newCustody(t)
	remote, err := cryptoprovider.NewRemoteProvider(ts.URL)
	require.NoError(t, err)

	f := cryptoprovider.NewFactory(
		cryptoprovider.WithProvider(local, document.KeyTypeP256),
		cryptoprovider.WithProvider(remote, document.KeyTypeP384),
		cryptoprovider.WithPendingKeys(memPending{}),
	)

	kaLocal, err := f.CreateKey(ctx, document.KeyTypeP256, "")
	require.NoError(t, err)
	kaRemote, err := f.CreateKey(ctx, document.KeyTypeP384, "")
	require.NoError(t, err)

	p, err := f.ForAttestation(kaLocal)
	require.NoError(t, err)
	assert.Equal(t, cryptoprovider.KindLocal, p.Kind())

	p, err = f.ForAttestation(kaRemote)
	require.NoError(t, err)
	assert.Equal(t, cryptoprovider.KindRemote, p.Kind())

	t.Run("unrouted key", func(t *testing.T) {
		_, err := f.ForAttestation(document.NewKeyAttestation("nobody", nil, document.KeyTypeP256))
		assert.ErrorIs(t, err, cryptoprovider.ErrKeyNotFound)
	})

	t.Run("no provider for key type", func(t *testing.T) {
		_, err := f.CreateKey(ctx, document.KeyTypeP521, "")
		assert.ErrorIs(t, err, cryptoprovider.ErrUnsupportedKeyType)
	})

	t.Run("restore", func(t *testing.T) {
		f2 := cryptoprovider.NewFactory(cryptoprovider.WithProvider(local, document.KeyTypeP256))
		require.NoError(t, f2.Restore(kaLocal, cryptoprovider.KindLocal))
		p, err := f2.ForAttestation(kaLocal)
		require.NoError(t, err)
		assert.Equal(t, cryptoprovider.KindLocal, p.Kind())
		assert.Error(t, f2.Restore(kaLocal, cryptoprovider.KindRemote))
	})

	t.Run("authorization completes once", func(t *testing.T) {
		state, ka, err := f.CreateKeyForAuthorization(ctx, document.KeyTypeP256, "")
		require.NoError(t, err)
		keyID, p, err := f.CompleteAuthorization(ctx, state)
		require.NoError(t, err)
		assert.Equal(t, ka.KeyID, keyID)
		assert.Equal(t, cryptoprovider.KindLocal, p.Kind())

		_, _, err = f.CompleteAuthorization(ctx, state)
		assert.Error(t, err)
	})

	t.Run("attestation trust", func(t *testing.T) {
		other, _ := newAttester(t)
		untrusted := cryptoprovider.NewFactory(
			cryptoprovider.WithProvider(cryptoprovider.NewLocalProvider(other), document.KeyTypeP256),
			cryptoprovider.WithAttestationTrust(pki.NewValidator(), []*x509.Certificate{root}),
		)
		_, err := untrusted.CreateKey(ctx, document.KeyTypeP256, "")
		assert.Error(t, err)
	})
}
