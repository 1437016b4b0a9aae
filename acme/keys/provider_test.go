package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCertPEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		DNSNames:     []string{"example.com", "www.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestNativeGenerateKey(t *testing.T) {
	provider := Native()

	keyPEM, err := provider.GenerateKey(2048)
	require.NoError(t, err)

	signer, err := SignerFromPEM(keyPEM)
	require.NoError(t, err)
	require.Equal(t, 2048, signer.(*rsa.PrivateKey).N.BitLen())
}

func TestNativeModulusAndExponent(t *testing.T) {
	provider := Native()
	key := testRSAKey(t)
	keyPEM, err := SignerToPEM(key)
	require.NoError(t, err)
	certPEM := testCertPEM(t, key)

	// The key and a certificate for the same key agree.
	keyMod, err := provider.Modulus([]byte(keyPEM))
	require.NoError(t, err)
	certMod, err := provider.Modulus(certPEM)
	require.NoError(t, err)
	require.Equal(t, keyMod, certMod)
	require.Equal(t, key.N.Bytes(), keyMod)

	keyExp, err := provider.PublicExponent([]byte(keyPEM))
	require.NoError(t, err)
	certExp, err := provider.PublicExponent(certPEM)
	require.NoError(t, err)
	require.Equal(t, keyExp, certExp)
	require.Equal(t, []byte{0x01, 0x00, 0x01}, keyExp)
}

// CSR round trip: building a CSR and parsing its domains back yields the
// input common name and SANs with order preserved.
func TestCSRRoundTrip(t *testing.T) {
	provider := Native()

	req := CertificateRequest{
		CommonName: "example.com",
		AltNames:   []string{"example.com", "b.example.com", "a.example.com"},
	}
	keyPEM, csrPEM, err := provider.CreateCSR(req, nil)
	require.NoError(t, err)
	require.NotEmpty(t, keyPEM)

	domains, err := ParseCSRDomains(csrPEM)
	require.NoError(t, err)
	require.Equal(t, "example.com", domains.CommonName)
	require.Equal(t, []string{"example.com", "b.example.com", "a.example.com"}, domains.AltNames)
}

func TestCSRWithIPAndSubjectFields(t *testing.T) {
	provider := Native()

	req := CertificateRequest{
		CommonName:   "internal.example.com",
		AltNames:     []string{"internal.example.com"},
		IPAddresses:  []net.IP{net.ParseIP("10.0.0.1")},
		Country:      "US",
		Organization: "Example Org",
	}
	_, csrPEM, err := provider.CreateCSR(req, nil)
	require.NoError(t, err)

	block, _ := pem.Decode(csrPEM)
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	require.Equal(t, x509.SHA256WithRSA, csr.SignatureAlgorithm)
	require.Equal(t, []string{"US"}, csr.Subject.Country)
	require.Len(t, csr.IPAddresses, 1)
	require.True(t, csr.IPAddresses[0].Equal(net.ParseIP("10.0.0.1")))

	domains, err := ParseCSRDomains(csrPEM)
	require.NoError(t, err)
	require.Equal(t, []string{"internal.example.com", "10.0.0.1"}, domains.AltNames)
}

func TestNativeSignRS256(t *testing.T) {
	provider := Native()
	key := testRSAKey(t)
	keyPEM, err := SignerToPEM(key)
	require.NoError(t, err)

	data := []byte("protected.payload")
	sig, err := provider.SignRS256([]byte(keyPEM), data)
	require.NoError(t, err)

	digest := sha256.Sum256(data)
	require.NoError(t,
		rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestNativeParseCertificate(t *testing.T) {
	provider := Native()
	key := testRSAKey(t)
	certPEM := testCertPEM(t, key)

	info, err := provider.ParseCertificate(certPEM)
	require.NoError(t, err)
	require.Equal(t, "example.com", info.CommonName)
	require.Equal(t, []string{"example.com", "www.example.com"}, info.AltNames)
	require.True(t, info.NotBefore.Before(info.NotAfter))
}

// The openssl-backed provider must agree with the native provider. Skipped
// when no openssl binary is on PATH.
func TestProviderEquivalence(t *testing.T) {
	if !OpenSSLAvailable() {
		t.Skip("no openssl binary on PATH")
	}

	native := Native()
	openssl := OpenSSL()

	key := testRSAKey(t)
	keyPEM, err := SignerToPEM(key)
	require.NoError(t, err)
	certPEM := testCertPEM(t, key)

	for _, input := range [][]byte{[]byte(keyPEM), certPEM} {
		nativeMod, err := native.Modulus(input)
		require.NoError(t, err)
		opensslMod, err := openssl.Modulus(input)
		require.NoError(t, err)
		require.Equal(t, nativeMod, opensslMod)

		nativeExp, err := native.PublicExponent(input)
		require.NoError(t, err)
		opensslExp, err := openssl.PublicExponent(input)
		require.NoError(t, err)
		require.Equal(t, nativeExp, opensslExp)
	}

	// RS256 is deterministic (PKCS#1 v1.5): both backends must produce the
	// identical signature.
	data := []byte("the same bytes for both")
	nativeSig, err := native.SignRS256([]byte(keyPEM), data)
	require.NoError(t, err)
	opensslSig, err := openssl.SignRS256([]byte(keyPEM), data)
	require.NoError(t, err)
	require.Equal(t, nativeSig, opensslSig)

	// A CSR built by one backend parses identically with the other.
	req := CertificateRequest{
		CommonName: "example.com",
		AltNames:   []string{"example.com", "alt.example.com"},
	}
	_, nativeCSR, err := native.CreateCSR(req, []byte(keyPEM))
	require.NoError(t, err)
	_, opensslCSR, err := openssl.CreateCSR(req, []byte(keyPEM))
	require.NoError(t, err)

	nativeDomains, err := ParseCSRDomains(nativeCSR)
	require.NoError(t, err)
	opensslDomains, err := ParseCSRDomains(opensslCSR)
	require.NoError(t, err)
	require.Equal(t, nativeDomains, opensslDomains)

	// A certificate parses to the same fields through both backends.
	nativeInfo, err := native.ParseCertificate(certPEM)
	require.NoError(t, err)
	opensslInfo, err := openssl.ParseCertificate(certPEM)
	require.NoError(t, err)
	require.Equal(t, nativeInfo.CommonName, opensslInfo.CommonName)
	require.Equal(t, nativeInfo.AltNames, opensslInfo.AltNames)
	require.True(t, nativeInfo.NotBefore.Equal(opensslInfo.NotBefore))
	require.True(t, nativeInfo.NotAfter.Equal(opensslInfo.NotAfter))
}
