package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// nativeProvider implements Provider with the standard library's crypto
// packages.
type nativeProvider struct{}

// Native returns the pure Go crypto Provider.
func Native() Provider {
	return nativeProvider{}
}

func (nativeProvider) GenerateKey(bits int) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), nil
}

// rsaPublicKey recovers the RSA public key from a PEM encoded private key or
// certificate.
func rsaPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in input")
	}

	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate public key is %T, not RSA", cert.PublicKey)
		}
		return pub, nil
	}

	signer, err := SignerFromPEM(pemData)
	if err != nil {
		return nil, err
	}
	key, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", signer)
	}
	return &key.PublicKey, nil
}

func (nativeProvider) Modulus(pemData []byte) ([]byte, error) {
	pub, err := rsaPublicKey(pemData)
	if err != nil {
		return nil, err
	}
	return pub.N.Bytes(), nil
}

func (nativeProvider) PublicExponent(pemData []byte) ([]byte, error) {
	pub, err := rsaPublicKey(pemData)
	if err != nil {
		return nil, err
	}
	e := pub.E
	var out []byte
	for e > 0 {
		out = append([]byte{byte(e & 0xff)}, out...)
		e >>= 8
	}
	return out, nil
}

func (p nativeProvider) CreateCSR(req CertificateRequest, keyPEM []byte) ([]byte, []byte, error) {
	if keyPEM == nil {
		generated, err := p.GenerateKey(AccountKeyBits)
		if err != nil {
			return nil, nil, err
		}
		keyPEM = generated
	}

	signer, err := SignerFromPEM(keyPEM)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: req.CommonName,
		},
		DNSNames:    req.AltNames,
		IPAddresses: req.IPAddresses,
	}
	if req.Country != "" {
		template.Subject.Country = []string{req.Country}
	}
	if req.State != "" {
		template.Subject.Province = []string{req.State}
	}
	if req.Locality != "" {
		template.Subject.Locality = []string{req.Locality}
	}
	if req.Organization != "" {
		template.Subject.Organization = []string{req.Organization}
	}
	if req.OrganizationUnit != "" {
		template.Subject.OrganizationalUnit = []string{req.OrganizationUnit}
	}
	if req.EmailAddress != "" {
		template.EmailAddresses = []string{req.EmailAddress}
	}
	switch signer.(type) {
	case *rsa.PrivateKey:
		template.SignatureAlgorithm = x509.SHA256WithRSA
	default:
		template.SignatureAlgorithm = x509.ECDSAWithSHA256
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, nil, err
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE REQUEST", Bytes: csrBytes,
	})
	return keyPEM, csrPEM, nil
}

func (nativeProvider) ParseCertificate(certPEM []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE PEM block found in input")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	info := &CertificateInfo{
		CommonName: cert.Subject.CommonName,
		AltNames:   cert.DNSNames,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
	}
	for _, ip := range cert.IPAddresses {
		info.AltNames = append(info.AltNames, ip.String())
	}
	return info, nil
}

func (nativeProvider) SignRS256(keyPEM []byte, data []byte) ([]byte, error) {
	signer, err := SignerFromPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	key, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", signer)
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

// ParseCSRDomains recovers the common name and SAN entries from a PEM
// encoded CSR. The order of the DNS SANs is preserved; IP SANs follow them.
func ParseCSRDomains(csrPEM []byte) (*CSRDomains, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("no CERTIFICATE REQUEST PEM block found in input")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}

	domains := &CSRDomains{
		CommonName: csr.Subject.CommonName,
		AltNames:   csr.DNSNames,
	}
	for _, ip := range csr.IPAddresses {
		domains.AltNames = append(domains.AltNames, ip.String())
	}
	return domains, nil
}
