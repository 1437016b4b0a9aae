package auto

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/asn1"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/client"
	"github.com/taoyuan/nacme/acme/keys"
	"github.com/taoyuan/nacme/acme/resources"
)

// verifyChallenge checks, from the client's own vantage point, that the
// challenge response has been provisioned before the server is asked to
// validate it. The check runs under the same backoff as status polling so
// slow DNS propagation or server reloads get a chance to settle.
func verifyChallenge(ctx context.Context, c *client.Client, authz *resources.Authorization, chall *resources.Challenge, keyAuth string, opts Options) error {
	retryOpts := RetryOptions{Attempts: c.BackoffAttempts, Min: c.BackoffMin, Max: c.BackoffMax}
	host := strings.TrimPrefix(authz.Identifier.Value, "*.")

	return Retry(ctx, retryOpts, func(abort func()) error {
		switch chall.Type {
		case acme.CHALLENGE_HTTP01:
			return verifyHTTP01(ctx, host, opts.HTTPPort, chall.Token, keyAuth)
		case acme.CHALLENGE_DNS01:
			return verifyDNS01(ctx, host, opts.VerifyResolver, keyAuth)
		case acme.CHALLENGE_TLSALPN01:
			return verifyTLSALPN01(ctx, host, opts.TLSALPNPort, keyAuth)
		default:
			abort()
			return fmt.Errorf("cannot verify unknown challenge type %q", chall.Type)
		}
	})
}

// verifyHTTP01 fetches the well-known challenge path over plain HTTP and
// compares the trimmed body to the expected key authorization.
//
// See https://tools.ietf.org/html/rfc8555#section-8.3
func verifyHTTP01(ctx context.Context, host string, port int, token, keyAuth string) error {
	url := fmt.Sprintf("http://%s%s%s",
		net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		acme.HTTP01_WELL_KNOWN_PREFIX, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verify http-01: GET %q returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if got := strings.TrimSpace(string(body)); got != keyAuth {
		return fmt.Errorf("verify http-01: %q served %q, expected key authorization %q",
			url, got, keyAuth)
	}
	return nil
}

// verifyDNS01 resolves TXT records at the _acme-challenge label and checks
// that one of them is the hashed key authorization. Multiple TXT records
// may coexist for overlapping SAN orders.
//
// See https://tools.ietf.org/html/rfc8555#section-8.4
func verifyDNS01(ctx context.Context, host, resolver, keyAuth string) error {
	name := acme.DNS01_LABEL + host
	expected := keys.KeyAuthDigest(keyAuth)

	records, err := lookupTXT(ctx, name, resolver)
	if err != nil {
		return err
	}

	for _, record := range records {
		if record == expected {
			return nil
		}
	}
	return fmt.Errorf("verify dns-01: no TXT record at %q matches the hashed key authorization (%d found)",
		name, len(records))
}

// lookupTXT resolves TXT records either through the system resolver or, when
// a resolver address is configured, by querying it directly.
func lookupTXT(ctx context.Context, name, resolver string) ([]string, error) {
	if resolver == "" {
		return net.DefaultResolver.LookupTXT(ctx, name)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	dnsClient := new(dns.Client)
	in, _, err := dnsClient.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return nil, err
	}

	var records []string
	for _, answer := range in.Answer {
		if txt, ok := answer.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}

// verifyTLSALPN01 is a best-effort check: it opens a TLS connection with
// the acme-tls/1 ALPN protocol and inspects the offered self-signed
// validation certificate for the identifier SAN and the acmeIdentifier
// extension carrying the SHA-256 digest of the key authorization.
//
// See RFC 8737 Section 3.
func verifyTLSALPN01(ctx context.Context, host string, port int, keyAuth string) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName:         host,
			NextProtos:         []string{acme.TLSALPN01_PROTOCOL},
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if state.NegotiatedProtocol != acme.TLSALPN01_PROTOCOL {
		return fmt.Errorf("verify tls-alpn-01: %q negotiated protocol %q, expected %q",
			addr, state.NegotiatedProtocol, acme.TLSALPN01_PROTOCOL)
	}
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("verify tls-alpn-01: %q offered no certificate", addr)
	}
	cert := state.PeerCertificates[0]

	sanMatch := false
	for _, san := range cert.DNSNames {
		if strings.EqualFold(san, host) {
			sanMatch = true
			break
		}
	}
	if !sanMatch {
		return fmt.Errorf("verify tls-alpn-01: certificate SANs %v do not cover %q",
			cert.DNSNames, host)
	}

	expected := keys.KeyAuthDigestBytes(keyAuth)
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(acme.IDPeAcmeIdentifier) {
			continue
		}
		var digest []byte
		if _, err := asn1.Unmarshal(ext.Value, &digest); err != nil {
			return fmt.Errorf("verify tls-alpn-01: unparseable acmeIdentifier extension: %v", err)
		}
		if !bytes.Equal(digest, expected) {
			return fmt.Errorf("verify tls-alpn-01: acmeIdentifier digest mismatch for %q", host)
		}
		return nil
	}
	return fmt.Errorf("verify tls-alpn-01: certificate for %q has no acmeIdentifier extension", host)
}
