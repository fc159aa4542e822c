package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCredentials(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{Organization: []string{"Test Org"}, CommonName: "Test Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

const unsignedDoc = `<?xml version="1.0" encoding="UTF-8"?>
<factura id="comprobante" version="1.1.0">
  <infoTributaria>
    <claveAcceso>1503202601179316860400110010020000000421234567811</claveAcceso>
  </infoTributaria>
</factura>`

func TestSignInsertsEnvelopedSignature(t *testing.T) {
	key, cert := testCredentials(t)
	s := New(key, cert)

	signed, err := s.Sign([]byte(unsignedDoc))
	require.NoError(t, err)

	out := string(signed)
	require.Contains(t, out, "<ds:Signature ")
	require.Contains(t, out, "</ds:Signature></factura>")
	require.Contains(t, out, "<etsi:SigningTime>")
	require.Contains(t, out, base64.StdEncoding.EncodeToString(cert.Raw))
}

func TestSignPreservesBusinessBytes(t *testing.T) {
	key, cert := testCredentials(t)
	s := New(key, cert)

	signed, err := s.Sign([]byte(unsignedDoc))
	require.NoError(t, err)

	// Removing the signature block yields the original document untouched.
	out := string(signed)
	start := strings.Index(out, "<ds:Signature ")
	end := strings.Index(out, "</ds:Signature>") + len("</ds:Signature>")
	require.Greater(t, start, 0)
	stripped := out[:start] + out[end:]
	require.Equal(t, unsignedDoc, stripped)
}

func TestSignDocumentDigest(t *testing.T) {
	key, cert := testCredentials(t)
	s := New(key, cert)

	signed, err := s.Sign([]byte(unsignedDoc))
	require.NoError(t, err)

	// The first Reference digest covers the document from its root element.
	withoutDecl := unsignedDoc[strings.Index(unsignedDoc, "<factura"):]
	sum := sha1.Sum([]byte(withoutDecl))
	require.Contains(t, string(signed), base64.StdEncoding.EncodeToString(sum[:]))
}

func TestSignRejectsForeignDocument(t *testing.T) {
	key, cert := testCredentials(t)
	s := New(key, cert)

	_, err := s.Sign([]byte("<otro>doc</otro>"))
	var sigErr *SigningError
	require.ErrorAs(t, err, &sigErr)
}

func TestOpenMissingContainer(t *testing.T) {
	_, err := Open("/nonexistent/firma.p12", "secret")
	var sigErr *SigningError
	require.ErrorAs(t, err, &sigErr)
	require.Contains(t, sigErr.Error(), "cannot read credential container")
}

func TestOpenGarbageContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.p12")
	require.NoError(t, os.WriteFile(path, []byte("not a pkcs12 container"), 0o600))

	_, err := Open(path, "secret")
	var sigErr *SigningError
	require.ErrorAs(t, err, &sigErr)
}
