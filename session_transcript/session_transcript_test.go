package session_transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/mdoc-wallet/pkg/hash"
)

func TestAndroidHandoverV1(t *testing.T) {
	transcript, err := AndroidHandoverV1([]byte("testnonce"), "com.example.verifier", []byte("requesterIdHash"))
	require.NoError(t, err)

	handover, err := Handover(transcript)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{
		ANDROID_HANDOVER_V1,
		[]byte("testnonce"),
		[]byte("com.example.verifier"),
		[]byte("requesterIdHash"),
	}, handover)
}

func TestOID4VPHandover(t *testing.T) {
	generated, err := NewMdocGeneratedNonce()
	require.NoError(t, err)

	transcript, err := OID4VPHandover([]byte("testnonce"), "client123", "https://response.uri", generated)
	require.NoError(t, err)

	handover, err := Handover(transcript)
	require.NoError(t, err)
	require.Len(t, handover, 3)
	assert.Len(t, handover[0], 32)
	assert.Len(t, handover[1], 32)
	assert.Equal(t, "testnonce", handover[2])

	again, err := OID4VPHandover([]byte("testnonce"), "client123", "https://response.uri", generated)
	require.NoError(t, err)
	assert.Equal(t, transcript, again)

	other, err := OID4VPHandover([]byte("testnonce"), "client456", "https://response.uri", generated)
	require.NoError(t, err)
	assert.NotEqual(t, transcript, other)

	assert.NotEqual(t, hash.SHA256([]byte("client123")), handover[0])
}

func TestHandover_Validation(t *testing.T) {
	tests := []struct {
		name string
		fn   func() ([]byte, error)
	}{
		{"android without nonce", func() ([]byte, error) { return AndroidHandoverV1(nil, "pkg", []byte("h")) }},
		{"android without package", func() ([]byte, error) { return AndroidHandoverV1([]byte("n"), "", []byte("h")) }},
		{"oid4vp without client", func() ([]byte, error) { return OID4VPHandover([]byte("n"), "", "https://r", "abc") }},
		{"oid4vp with bad generated nonce", func() ([]byte, error) { return OID4VPHandover([]byte("n"), "c", "https://r", "***") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			assert.Error(t, err)
		})
	}

	_, err := Handover([]byte{0x80})
	assert.Error(t, err)
}
