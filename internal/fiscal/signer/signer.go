// Package signer attaches a XAdES-BES enveloped signature to an unsigned
// fiscal document using a PKCS#12 credential container. The authority's
// validator accepts RSA-SHA1 digests; the structure of the signature blocks
// is byte-exact so the referenced hashes stay stable.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// SigningError wraps credential or signature failures. It is local and
// user-actionable; callers must never retry it automatically.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signer: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("signer: %s", e.Reason)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Signer holds the credential extracted from the container.
type Signer struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate

	now func() time.Time
}

// New builds a Signer from in-memory credentials. Used by tests and by
// deployments that keep keys outside a PKCS#12 file.
func New(key *rsa.PrivateKey, cert *x509.Certificate) *Signer {
	return &Signer{key: key, cert: cert, now: time.Now}
}

// Open loads a PKCS#12 container from disk. A wrong passphrase, missing file
// or a container without an RSA key and certificate all yield a SigningError.
func Open(path, passphrase string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SigningError{Reason: "cannot read credential container", Err: err}
	}
	blocks, err := pkcs12.ToPEM(data, passphrase)
	if err != nil {
		return nil, &SigningError{Reason: "wrong passphrase or corrupt container", Err: err}
	}

	var key *rsa.PrivateKey
	var cert *x509.Certificate
	for _, block := range blocks {
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
				key = k
			} else if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
				if rsaKey, ok := k.(*rsa.PrivateKey); ok {
					key = rsaKey
				}
			}
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				continue
			}
			// Prefer the leaf over any CA bundled in the container.
			if !c.IsCA || cert == nil {
				cert = c
			}
		}
	}

	if key == nil {
		return nil, &SigningError{Reason: "no private key in container"}
	}
	if cert == nil {
		return nil, &SigningError{Reason: "no certificate in container"}
	}
	if now := time.Now(); now.After(cert.NotAfter) {
		return nil, &SigningError{Reason: fmt.Sprintf("certificate expired %s", cert.NotAfter.Format(time.RFC3339))}
	}
	return New(key, cert), nil
}

// Validate checks that a container can be opened with the given passphrase.
func Validate(path, passphrase string) error {
	_, err := Open(path, passphrase)
	return err
}

// Certificate exposes the signing certificate for diagnostics.
func (s *Signer) Certificate() *x509.Certificate { return s.cert }

// Sign inserts an enveloped XAdES-BES signature before the document's closing
// tag. All business bytes of the input are preserved verbatim; only the
// signature block is added.
func (s *Signer) Sign(unsigned []byte) ([]byte, error) {
	doc := string(unsigned)
	const closeTag = "</factura>"
	if !strings.Contains(doc, closeTag) {
		return nil, &SigningError{Reason: "document has no closing factura tag"}
	}

	signatureID := fmt.Sprintf("Signature-%d", mrand.IntN(1000000))
	signedPropsID := "SignedProperties-" + signatureID
	objectID := "Object-" + signatureID
	referenceID := "Reference-" + signatureID
	signedInfoID := "SignedInfo-" + signatureID
	keyInfoID := "KeyInfo-" + signatureID

	// The reference targets the root element, so the digest excludes the XML
	// declaration.
	forHash := doc
	if idx := strings.Index(forHash, "<factura"); idx != -1 {
		forHash = forHash[idx:]
	}
	docDigest := sha1.Sum([]byte(forHash))
	docDigestB64 := base64.StdEncoding.EncodeToString(docDigest[:])

	certDigest := sha1.Sum(s.cert.Raw)
	certDigestB64 := base64.StdEncoding.EncodeToString(certDigest[:])
	issuerName := s.cert.Issuer.String()
	serialNumber := s.cert.SerialNumber.String()
	signingTime := s.now().Format("2006-01-02T15:04:05")

	// SignedProperties is hashed over this exact byte sequence; the namespace
	// declarations must match the ones in SignedInfo.
	signedProps := fmt.Sprintf(`<etsi:SignedProperties Id="%s" xmlns:etsi="http://uri.etsi.org/01903/v1.3.2#"><etsi:SignedSignatureProperties><etsi:SigningTime>%s</etsi:SigningTime><etsi:SigningCertificate><etsi:Cert><etsi:CertDigest><ds:DigestMethod Algorithm="http://www.w3.org/2000/09/xmldsig#sha1" xmlns:ds="http://www.w3.org/2000/09/xmldsig#"></ds:DigestMethod><ds:DigestValue xmlns:ds="http://www.w3.org/2000/09/xmldsig#">%s</ds:DigestValue></etsi:CertDigest><etsi:IssuerSerial><ds:X509IssuerName xmlns:ds="http://www.w3.org/2000/09/xmldsig#">%s</ds:X509IssuerName><ds:X509SerialNumber xmlns:ds="http://www.w3.org/2000/09/xmldsig#">%s</ds:X509SerialNumber></etsi:IssuerSerial></etsi:Cert></etsi:SigningCertificate></etsi:SignedSignatureProperties><etsi:SignedDataObjectProperties><etsi:DataObjectFormat ObjectReference="#%s"><etsi:Description>contenido comprobante</etsi:Description><etsi:MimeType>text/xml</etsi:MimeType></etsi:DataObjectFormat></etsi:SignedDataObjectProperties></etsi:SignedProperties>`,
		signedPropsID, signingTime, certDigestB64, issuerName, serialNumber, referenceID)

	propsDigest := sha1.Sum([]byte(signedProps))
	propsDigestB64 := base64.StdEncoding.EncodeToString(propsDigest[:])

	modulusB64 := base64.StdEncoding.EncodeToString(s.key.N.Bytes())
	exponentB64 := base64.StdEncoding.EncodeToString(big.NewInt(int64(s.key.E)).Bytes())

	signedInfo := fmt.Sprintf(`<ds:SignedInfo Id="%s" xmlns:ds="http://www.w3.org/2000/09/xmldsig#" xmlns:etsi="http://uri.etsi.org/01903/v1.3.2#"><ds:CanonicalizationMethod Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"></ds:CanonicalizationMethod><ds:SignatureMethod Algorithm="http://www.w3.org/2000/09/xmldsig#rsa-sha1"></ds:SignatureMethod><ds:Reference Id="%s" URI="#comprobante"><ds:Transforms><ds:Transform Algorithm="http://www.w3.org/2000/09/xmldsig#enveloped-signature"></ds:Transform></ds:Transforms><ds:DigestMethod Algorithm="http://www.w3.org/2000/09/xmldsig#sha1"></ds:DigestMethod><ds:DigestValue>%s</ds:DigestValue></ds:Reference><ds:Reference URI="#%s"><ds:Transforms><ds:Transform Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"></ds:Transform></ds:Transforms><ds:DigestMethod Algorithm="http://www.w3.org/2000/09/xmldsig#sha1"></ds:DigestMethod><ds:DigestValue>%s</ds:DigestValue></ds:Reference></ds:SignedInfo>`,
		signedInfoID, referenceID, docDigestB64, signedPropsID, propsDigestB64)

	infoDigest := sha1.Sum([]byte(signedInfo))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, infoDigest[:])
	if err != nil {
		return nil, &SigningError{Reason: "rsa signature failed", Err: err}
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)
	certB64 := base64.StdEncoding.EncodeToString(s.cert.Raw)

	full := fmt.Sprintf(`<ds:Signature Id="%s" xmlns:ds="http://www.w3.org/2000/09/xmldsig#" xmlns:etsi="http://uri.etsi.org/01903/v1.3.2#">%s<ds:SignatureValue Id="SignatureValue-%s">%s</ds:SignatureValue><ds:KeyInfo Id="%s"><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data><ds:KeyValue><ds:RSAKeyValue><ds:Modulus>%s</ds:Modulus><ds:Exponent>%s</ds:Exponent></ds:RSAKeyValue></ds:KeyValue></ds:KeyInfo><ds:Object Id="%s"><etsi:QualifyingProperties Target="#%s"><etsi:SignedProperties Id="%s"><etsi:SignedSignatureProperties><etsi:SigningTime>%s</etsi:SigningTime><etsi:SigningCertificate><etsi:Cert><etsi:CertDigest><ds:DigestMethod Algorithm="http://www.w3.org/2000/09/xmldsig#sha1"></ds:DigestMethod><ds:DigestValue>%s</ds:DigestValue></etsi:CertDigest><etsi:IssuerSerial><ds:X509IssuerName>%s</ds:X509IssuerName><ds:X509SerialNumber>%s</ds:X509SerialNumber></etsi:IssuerSerial></etsi:Cert></etsi:SigningCertificate></etsi:SignedSignatureProperties><etsi:SignedDataObjectProperties><etsi:DataObjectFormat ObjectReference="#%s"><etsi:Description>contenido comprobante</etsi:Description><etsi:MimeType>text/xml</etsi:MimeType></etsi:DataObjectFormat></etsi:SignedDataObjectProperties></etsi:SignedProperties></etsi:QualifyingProperties></ds:Object></ds:Signature>`,
		signatureID, signedInfo, signatureID, sigB64, keyInfoID, certB64, modulusB64, exponentB64,
		objectID, signatureID, signedPropsID, signingTime, certDigestB64, issuerName, serialNumber, referenceID)

	return []byte(strings.Replace(doc, closeTag, full+closeTag, 1)), nil
}
