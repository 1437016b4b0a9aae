package client

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// PEMCSR is the PEM encoding of an x509 Certificate Signing Request (CSR)
type PEMCSR string

// B64CSR is the Base64URLSafe encoding of an x509 Certificate Signing
// Request (CSR)
type B64CSR string

// CSR produces a CertificateSigningRequest for the provided commonName and
// SAN names, signed with SHA-256 by the given private key. The CSR will use
// the public component of this key as the CSR public key. If no commonName
// is provided the first of the names will be used. CSR returns the
// base64url encoding of the CSR DER (the form submitted at order
// finalization) as well as the PEM encoding.
func CSR(commonName string, names []string, privateKey crypto.Signer) (B64CSR, PEMCSR, error) {
	if len(names) == 0 {
		return B64CSR(""), PEMCSR(""), fmt.Errorf("no names specified")
	}

	if commonName == "" {
		commonName = names[0]
	}

	template := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: commonName,
		},
		DNSNames: names,
	}

	if privateKey == nil {
		return B64CSR(""), PEMCSR(""), fmt.Errorf("no private key specified")
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &template, privateKey)
	if err != nil {
		return B64CSR(""), PEMCSR(""), err
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE REQUEST", Bytes: csrBytes,
	})

	return B64CSR(base64.RawURLEncoding.EncodeToString(csrBytes)),
		PEMCSR(pemBytes),
		nil
}
