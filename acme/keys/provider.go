package keys

import (
	"net"
	"time"
)

// CertificateRequest describes the subject and subject alternative names for
// a CSR built by a Provider. Alt names are emitted as DNS (type 2) or IP
// (type 7) SAN entries per RFC 5280.
type CertificateRequest struct {
	CommonName       string
	AltNames         []string
	IPAddresses      []net.IP
	Country          string
	State            string
	Locality         string
	Organization     string
	OrganizationUnit string
	EmailAddress     string
}

// CertificateInfo holds the fields extracted from a parsed certificate.
type CertificateInfo struct {
	CommonName string
	AltNames   []string
	NotBefore  time.Time
	NotAfter   time.Time
}

// CSRDomains holds the identifiers recovered from a parsed CSR. The common
// name (when present) leads and the SAN order is preserved.
type CSRDomains struct {
	CommonName string
	AltNames   []string
}

// Provider is the capability set the protocol engine requires from its
// crypto backend. Two interchangeable implementations exist: a pure Go
// provider backed by crypto/rsa and crypto/x509, and a subprocess wrapper
// around the openssl binary. Both must behave identically for all inputs.
type Provider interface {
	// GenerateKey creates a new RSA private key with the given modulus size
	// and returns its PEM encoding.
	GenerateKey(bits int) ([]byte, error)
	// Modulus extracts the RSA modulus from a PEM encoded private key or
	// certificate as big-endian bytes without leading zero padding.
	Modulus(pemData []byte) ([]byte, error)
	// PublicExponent extracts the RSA public exponent from a PEM encoded
	// private key or certificate as big-endian bytes.
	PublicExponent(pemData []byte) ([]byte, error)
	// CreateCSR builds a PKCS#10 certificate signing request, signed with
	// SHA-256, for the given subject. If keyPEM is nil a new RSA key is
	// generated. Both the key and the CSR are returned PEM encoded.
	CreateCSR(req CertificateRequest, keyPEM []byte) (key []byte, csr []byte, err error)
	// ParseCertificate extracts the domains and validity window from a PEM
	// encoded certificate.
	ParseCertificate(certPEM []byte) (*CertificateInfo, error)
	// SignRS256 produces an RSASSA-PKCS1-v1_5 SHA-256 signature over data
	// using the PEM encoded private key.
	SignRS256(keyPEM []byte, data []byte) ([]byte, error)
}

// Default returns the pure Go Provider.
func Default() Provider {
	return Native()
}
