package document_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/fixtures"
)

func holderKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func fieldNames(fields []document.DocumentField) []string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, string(f.Name))
	}
	return names
}

func TestNewMdocDocument(t *testing.T) {
	issuer, err := fixtures.NewIssuer("Doc Issuer")
	require.NoError(t, err)
	validUntil := time.Now().Add(time.Hour)

	is, err := issuer.IssueMdoc(document.IsoMDL, []fixtures.Element{
		{NameSpace: document.ISO1801351, Identifier: document.IsoFamilyName, Value: "Mustermann"},
		{NameSpace: document.ISO1801351, Identifier: document.IsoGivenName, Value: "Erika"},
		{NameSpace: document.ISO1801351, Identifier: "vendor_specific", Value: 7},
	}, &holderKey(t).PublicKey, validUntil)
	require.NoError(t, err)

	doc, err := document.NewMdocDocument("mdl-1", is, document.Attestation{ID: "mdl-1"})
	require.NoError(t, err)

	assert.Equal(t, "mdl-1", doc.ID())
	assert.Equal(t, document.IsoMDL, doc.DocType())
	assert.Equal(t, document.CredentialTypeMDOC, doc.Format())
	assert.Equal(t, document.CredentialTypeMDOC, doc.Attestation().Type)
	assert.Equal(t, []string{"family_name", "given_name", "vendor_specific"}, fieldNames(doc.Fields()))

	fields := doc.Fields()
	assert.Equal(t, []string{"org.iso.18013.5.1", "family_name"}, fields[0].Path)
	attr, ok := fields[0].Attribute()
	require.True(t, ok)
	assert.Equal(t, "$['org.iso.18013.5.1']['family_name']", attr.Path.String())
	_, ok = fields[2].Attribute()
	assert.False(t, ok, "unregistered element is opaque")

	assert.False(t, doc.ExpiredAt(time.Now()))
	assert.True(t, doc.ExpiredAt(validUntil.Add(time.Minute)))

	_, err = document.NewMdocDocument("", is, document.Attestation{})
	assert.Error(t, err)
}

func TestNewSDJWTDocument(t *testing.T) {
	issuer, err := fixtures.NewIssuer("PID Issuer")
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour)

	combined, err := issuer.IssueSDJWT(string(document.EudiPidSDJWT), map[string]interface{}{
		"given_name":  "Erika",
		"family_name": "Mustermann",
		"address": map[string]interface{}{
			"locality": "Berlin",
			"country":  "DE",
		},
		"age_equal_or_over": map[string]interface{}{"18": true},
		"nationalities":     []interface{}{"DE"},
	}, &holderKey(t).PublicKey, exp)
	require.NoError(t, err)

	doc, err := document.NewSDJWTDocument("pid-1", combined, document.Attestation{ID: "pid-1"})
	require.NoError(t, err)

	assert.Equal(t, document.EudiPidSDJWT, doc.DocType())
	assert.Equal(t, document.CredentialTypeSDJWT, doc.Format())
	assert.Equal(t, []byte(combined), doc.Attestation().Credential)
	assert.Equal(t, []string{
		"address.country",
		"address.locality",
		"age_equal_or_over.18",
		"family_name",
		"given_name",
		"nationalities",
		"vct",
	}, fieldNames(doc.Fields()))

	for _, f := range doc.Fields() {
		_, ok := f.Attribute()
		assert.True(t, ok, "%s should be registered", f.Name)
	}

	assert.False(t, doc.Expired())
	assert.True(t, doc.ExpiredAt(exp.Add(time.Minute)))

	_, err = document.NewSDJWTDocument("pid-2", "not-an-sd-jwt", document.Attestation{})
	assert.Error(t, err)
}

func TestMatchedField_SetChecked(t *testing.T) {
	field := document.DocumentField{Name: document.IsoFamilyName}

	mandatory := document.NewMatchedField(field, true)
	assert.True(t, mandatory.Checked)
	assert.ErrorIs(t, mandatory.SetChecked(false), document.ErrMandatoryField)
	assert.True(t, mandatory.Checked)
	assert.NoError(t, mandatory.SetChecked(true))

	optional := document.NewMatchedField(field, false)
	assert.True(t, optional.Checked)
	require.NoError(t, optional.SetChecked(false))
	assert.False(t, optional.Checked)
}

func TestKeyAttestation(t *testing.T) {
	now := time.Now()
	attester, _, err := cryptoprovider.NewDevelopmentAttester(
		cryptoprovider.WithAttestationTTL(time.Hour),
		cryptoprovider.WithAttesterClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	key := holderKey(t)

	ka, err := attester.Attest("key-1", &key.PublicKey, document.KeyTypeP256, "nonce-1")
	require.NoError(t, err)

	pub, err := ka.PublicKey()
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	jwk, err := ka.PublicJWK()
	require.NoError(t, err)
	assert.Equal(t, "key-1", jwk.KeyID)

	alg, err := ka.SigningAlgorithm()
	require.NoError(t, err)
	assert.Equal(t, "ES256", alg)

	nonce, err := ka.Nonce()
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", nonce)

	expired, err := ka.Expired(now.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)
	expired, err = ka.Expired(now.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	relabelled := document.NewKeyAttestation("key-1", ka.Attestation, document.KeyTypeP384)
	_, err = relabelled.SigningAlgorithm()
	assert.ErrorContains(t, err, "does not match attested P-256 key")
	unlabelled := document.NewKeyAttestation("key-1", ka.Attestation, "")
	alg, err = unlabelled.SigningAlgorithm()
	require.NoError(t, err)
	assert.Equal(t, "ES256", alg)

	broken := document.NewKeyAttestation("key-2", []byte("garbage"), document.KeyTypeP256)
	_, err = broken.PublicKey()
	assert.Error(t, err)
	_, err = broken.Expired(now)
	assert.Error(t, err)
	_, err = broken.SigningAlgorithm()
	assert.Error(t, err)
}

func TestKeyType(t *testing.T) {
	tests := []struct {
		keyType document.KeyType
		alg     string
		wantErr bool
	}{
		{keyType: document.KeyTypeP256, alg: "ES256"},
		{keyType: document.KeyTypeP384, alg: "ES384"},
		{keyType: document.KeyTypeP521, alg: "ES512"},
		{keyType: "Ed25519", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.keyType), func(t *testing.T) {
			alg, err := tt.keyType.Algorithm()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.alg, alg)
		})
	}
}
