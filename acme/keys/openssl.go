package keys

import (
	"bytes"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// opensslProvider implements Provider by shelling out to the openssl binary.
// It exists to cross-check the native provider: both must produce the same
// results for all inputs.
type opensslProvider struct {
	// Path to the openssl binary. Defaults to "openssl" resolved via PATH.
	binary string
}

// OpenSSL returns a Provider backed by the openssl command line tool.
func OpenSSL() Provider {
	return opensslProvider{binary: "openssl"}
}

// OpenSSLAvailable reports whether an openssl binary can be found on PATH.
func OpenSSLAvailable() bool {
	_, err := exec.LookPath("openssl")
	return err == nil
}

func (p opensslProvider) run(stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.Command(p.binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("openssl %s: %s: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// tempFile writes data to a temporary file and returns its path. The caller
// removes it.
func tempFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "nacme-openssl-")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// isCertificate distinguishes a certificate PEM input from a private key.
func isCertificate(pemData []byte) (bool, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return false, fmt.Errorf("no PEM block found in input")
	}
	return block.Type == "CERTIFICATE", nil
}

func (p opensslProvider) GenerateKey(bits int) ([]byte, error) {
	return p.run(nil, "genrsa", fmt.Sprintf("%d", bits))
}

func (p opensslProvider) Modulus(pemData []byte) ([]byte, error) {
	cert, err := isCertificate(pemData)
	if err != nil {
		return nil, err
	}
	subcommand := "rsa"
	if cert {
		subcommand = "x509"
	}
	out, err := p.run(pemData, subcommand, "-noout", "-modulus")
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(string(out))
	hexStr, ok := strings.CutPrefix(line, "Modulus=")
	if !ok {
		return nil, fmt.Errorf("unexpected openssl modulus output %q", line)
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	// big.Int normalizes away any leading zero bytes, matching crypto/rsa.
	return new(big.Int).SetBytes(raw).Bytes(), nil
}

var exponentRe = regexp.MustCompile(`(?:publicExponent|Exponent): (\d+)`)

func (p opensslProvider) PublicExponent(pemData []byte) ([]byte, error) {
	cert, err := isCertificate(pemData)
	if err != nil {
		return nil, err
	}
	subcommand := "rsa"
	if cert {
		subcommand = "x509"
	}
	out, err := p.run(pemData, subcommand, "-noout", "-text")
	if err != nil {
		return nil, err
	}
	m := exponentRe.FindSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no public exponent in openssl output")
	}
	e, ok := new(big.Int).SetString(string(m[1]), 10)
	if !ok {
		return nil, fmt.Errorf("unparseable public exponent %q", m[1])
	}
	return e.Bytes(), nil
}

func (p opensslProvider) CreateCSR(req CertificateRequest, keyPEM []byte) ([]byte, []byte, error) {
	if keyPEM == nil {
		generated, err := p.GenerateKey(AccountKeyBits)
		if err != nil {
			return nil, nil, err
		}
		keyPEM = generated
	}

	keyPath, err := tempFile(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(keyPath)

	var cfg strings.Builder
	cfg.WriteString("[req]\n")
	cfg.WriteString("distinguished_name = req_distinguished_name\n")
	cfg.WriteString("prompt = no\n")

	var sans []string
	for _, name := range req.AltNames {
		sans = append(sans, "DNS:"+name)
	}
	for _, ip := range req.IPAddresses {
		sans = append(sans, "IP:"+ip.String())
	}
	if req.EmailAddress != "" {
		sans = append(sans, "email:"+req.EmailAddress)
	}
	if len(sans) > 0 {
		cfg.WriteString("req_extensions = v3_req\n")
	}

	cfg.WriteString("[req_distinguished_name]\n")
	subject := []struct{ key, value string }{
		{"CN", req.CommonName},
		{"C", req.Country},
		{"ST", req.State},
		{"L", req.Locality},
		{"O", req.Organization},
		{"OU", req.OrganizationUnit},
	}
	for _, field := range subject {
		if field.value != "" {
			fmt.Fprintf(&cfg, "%s = %s\n", field.key, field.value)
		}
	}

	if len(sans) > 0 {
		cfg.WriteString("[v3_req]\n")
		fmt.Fprintf(&cfg, "subjectAltName = %s\n", strings.Join(sans, ","))
	}

	cfgPath, err := tempFile([]byte(cfg.String()))
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(cfgPath)

	csrPEM, err := p.run(nil, "req", "-new", "-sha256",
		"-key", keyPath, "-config", cfgPath)
	if err != nil {
		return nil, nil, err
	}
	return keyPEM, csrPEM, nil
}

var (
	subjectCNRe = regexp.MustCompile(`CN\s*=\s*([^,/\n]+)`)
	notBeforeRe = regexp.MustCompile(`notBefore=(.+)`)
	notAfterRe  = regexp.MustCompile(`notAfter=(.+)`)
)

// parseOpenSSLDate parses openssl's "Jun  1 12:00:00 2026 GMT" date format.
func parseOpenSSLDate(value string) (time.Time, error) {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(value)), " ")
	return time.Parse("Jan 2 15:04:05 2006 MST", normalized)
}

func (p opensslProvider) ParseCertificate(certPEM []byte) (*CertificateInfo, error) {
	out, err := p.run(certPEM, "x509", "-noout", "-subject", "-dates")
	if err != nil {
		return nil, err
	}

	info := &CertificateInfo{}
	if m := subjectCNRe.FindSubmatch(out); m != nil {
		info.CommonName = strings.TrimSpace(string(m[1]))
	}
	m := notBeforeRe.FindSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no notBefore in openssl output")
	}
	if info.NotBefore, err = parseOpenSSLDate(string(m[1])); err != nil {
		return nil, err
	}
	m = notAfterRe.FindSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no notAfter in openssl output")
	}
	if info.NotAfter, err = parseOpenSSLDate(string(m[1])); err != nil {
		return nil, err
	}

	sanOut, err := p.run(certPEM, "x509", "-noout", "-ext", "subjectAltName")
	if err == nil {
		for _, m := range sanEntryRe.FindAllSubmatch(sanOut, -1) {
			info.AltNames = append(info.AltNames, string(m[2]))
		}
	}
	return info, nil
}

var sanEntryRe = regexp.MustCompile(`(DNS|IP Address):([^,\s]+)`)

func (p opensslProvider) SignRS256(keyPEM []byte, data []byte) ([]byte, error) {
	keyPath, err := tempFile(keyPEM)
	if err != nil {
		return nil, err
	}
	defer os.Remove(keyPath)

	return p.run(data, "dgst", "-sha256", "-sign", keyPath)
}
