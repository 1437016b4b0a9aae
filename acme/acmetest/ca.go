package acmetest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/taoyuan/nacme/acme/resources"
)

// testCA issues short-lived certificates for finalized orders.
type testCA struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	pem  []byte
}

func newTestCA() (*testCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "nacme mock ACME root",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &testCA{
		key:  key,
		cert: cert,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// issueForCSR validates the CSR against the order's identifiers and issues
// a leaf certificate. The returned bytes are the PEM chain (leaf first).
func (ca *testCA) issueForCSR(csrDER []byte, identifiers []resources.Identifier) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("unparseable CSR: %s", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature check failed: %s", err)
	}

	// Every name in the CSR must be covered by an order identifier.
	allowed := map[string]bool{}
	for _, ident := range identifiers {
		allowed[ident.Value] = true
	}
	names := csr.DNSNames
	if csr.Subject.CommonName != "" {
		names = append([]string{csr.Subject.CommonName}, names...)
	}
	for _, name := range names {
		if !allowed[name] {
			return nil, fmt.Errorf("CSR name %q is not an order identifier", name)
		}
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: csr.Subject.CommonName,
		},
		DNSNames:    csr.DNSNames,
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return nil, err
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	var chain strings.Builder
	chain.Write(leafPEM)
	chain.Write(ca.pem)
	return []byte(chain.String()), nil
}

// randomToken returns a 128 bit base64url token, the shape real servers use
// for challenge tokens and nonces.
func randomToken() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func copyBody(w io.Writer, r *http.Request) (int64, error) {
	defer r.Body.Close()
	return io.Copy(w, r.Body)
}
