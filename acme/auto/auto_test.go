package auto

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/letsencrypt/challtestsrv"
	"github.com/stretchr/testify/require"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/acmetest"
	"github.com/taoyuan/nacme/acme/client"
	"github.com/taoyuan/nacme/acme/keys"
	"github.com/taoyuan/nacme/acme/resources"
)

const (
	challHTTPAddr    = "127.0.0.1:5002"
	challTLSALPNAddr = "127.0.0.1:5001"
	challDNSAddr     = "127.0.0.1:8053"

	challHTTPPort    = 5002
	challTLSALPNPort = 5001
)

func testServer(t *testing.T) *acmetest.Server {
	t.Helper()
	server, err := acmetest.NewServer()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func testClient(t *testing.T, server *acmetest.Server) *client.Client {
	t.Helper()
	signer, err := keys.NewSigner("rsa")
	require.NoError(t, err)
	keyPEM, err := keys.SignerToPEM(signer)
	require.NoError(t, err)

	c, err := client.NewClient(client.ClientConfig{
		DirectoryURL:    server.DirectoryURL(),
		AccountKey:      keyPEM,
		BackoffAttempts: 10,
		BackoffMin:      time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func testChallSrv(t *testing.T) *challtestsrv.ChallSrv {
	t.Helper()
	srv, err := challtestsrv.New(challtestsrv.Config{
		HTTPOneAddrs:    []string{challHTTPAddr},
		TLSALPNOneAddrs: []string{challTLSALPNAddr},
		DNSOneAddrs:     []string{challDNSAddr},
	})
	require.NoError(t, err)
	go srv.Run()
	t.Cleanup(func() { srv.Shutdown() })
	// Give the listeners a beat to come up.
	time.Sleep(50 * time.Millisecond)
	return srv
}

func testCSR(t *testing.T, commonName string, names []string) []byte {
	t.Helper()
	signer, err := keys.NewSigner("rsa")
	require.NoError(t, err)
	_, pemCSR, err := client.CSR(commonName, names, signer)
	require.NoError(t, err)
	return []byte(pemCSR)
}

// countingCallbacks tracks challenge create/remove invocations.
type countingCallbacks struct {
	mu      sync.Mutex
	created []string
	removed []string
	onMake  ChallengeFn
}

func (cb *countingCallbacks) create(authz *resources.Authorization, chall *resources.Challenge, keyAuth string) error {
	cb.mu.Lock()
	cb.created = append(cb.created, authz.Identifier.Value)
	cb.mu.Unlock()
	if cb.onMake != nil {
		return cb.onMake(authz, chall, keyAuth)
	}
	return nil
}

func (cb *countingCallbacks) remove(authz *resources.Authorization, chall *resources.Challenge, keyAuth string) error {
	cb.mu.Lock()
	cb.removed = append(cb.removed, authz.Identifier.Value)
	cb.mu.Unlock()
	return nil
}

func (cb *countingCallbacks) counts() (int, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.created), len(cb.removed)
}

func parseChain(t *testing.T, chain []byte) []*x509.Certificate {
	t.Helper()
	var certs []*x509.Certificate
	rest := chain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		require.Equal(t, "CERTIFICATE", block.Type)
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		certs = append(certs, cert)
	}
	return certs
}

// S3: a full http-01 order for a single identifier, with client-side
// pre-validation against the challenge server.
func TestAutoHTTP01(t *testing.T) {
	server := testServer(t)
	challSrv := testChallSrv(t)
	c := testClient(t, server)

	cb := &countingCallbacks{}
	cb.onMake = func(authz *resources.Authorization, chall *resources.Challenge, keyAuth string) error {
		if chall.Type != acme.CHALLENGE_HTTP01 {
			return fmt.Errorf("expected http-01, challenge is %q", chall.Type)
		}
		if want := chall.Token + "." + keys.JWKThumbprint(c.Signer()); keyAuth != want {
			return fmt.Errorf("key authorization %q, expected %q", keyAuth, want)
		}
		challSrv.AddHTTPOneChallenge(chall.Token, keyAuth)
		return nil
	}

	chain, err := Auto(context.Background(), c, Options{
		CSR:                  testCSR(t, "localhost", []string{"localhost"}),
		Email:                "admin@example.com",
		TermsOfServiceAgreed: true,
		ChallengeCreateFn:    cb.create,
		ChallengeRemoveFn:    cb.remove,
		HTTPPort:             challHTTPPort,
	})
	require.NoError(t, err)

	certs := parseChain(t, chain)
	require.Len(t, certs, 2)
	require.Equal(t, []string{"localhost"}, certs[0].DNSNames)

	created, removed := cb.counts()
	require.Equal(t, 1, created)
	require.Equal(t, 1, removed)

	// The keyAuthorization rode along in the completeChallenge POST.
	require.Len(t, server.RecordedKeyAuths, 1)
	require.True(t, strings.HasSuffix(
		server.RecordedKeyAuths[0], "."+keys.JWKThumbprint(c.Signer())))
}

// S4: a wildcard identifier must be solved with dns-01 no matter the
// priority list, and the published TXT value is the hashed key
// authorization.
func TestAutoDNS01Wildcard(t *testing.T) {
	server := testServer(t)
	challSrv := testChallSrv(t)
	c := testClient(t, server)

	cb := &countingCallbacks{}
	cb.onMake = func(authz *resources.Authorization, chall *resources.Challenge, keyAuth string) error {
		if chall.Type != acme.CHALLENGE_DNS01 {
			return fmt.Errorf("expected dns-01 for wildcard, challenge is %q", chall.Type)
		}
		if !authz.Wildcard {
			return fmt.Errorf("authorization for %q should be wildcard", authz.Identifier.Value)
		}
		challSrv.AddDNSOneChallenge(acme.DNS01_LABEL+authz.Identifier.Value+".", keys.KeyAuthDigest(keyAuth))
		return nil
	}

	chain, err := Auto(context.Background(), c, Options{
		CSR:                  testCSR(t, "*.example.com", []string{"*.example.com"}),
		TermsOfServiceAgreed: true,
		// http-01 leads the priority list; the wildcard must override it.
		ChallengePriority: []string{acme.CHALLENGE_HTTP01, acme.CHALLENGE_DNS01},
		ChallengeCreateFn: cb.create,
		ChallengeRemoveFn: cb.remove,
		VerifyResolver:    challDNSAddr,
	})
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	certs := parseChain(t, chain)
	require.Equal(t, []string{"*.example.com"}, certs[0].DNSNames)

	created, removed := cb.counts()
	require.Equal(t, 1, created)
	require.Equal(t, 1, removed)
}

// tls-alpn-01 pre-validation inspects the acme-tls/1 certificate served by
// the challenge server.
func TestAutoTLSALPN01(t *testing.T) {
	server := testServer(t)
	challSrv := testChallSrv(t)
	c := testClient(t, server)

	cb := &countingCallbacks{}
	cb.onMake = func(authz *resources.Authorization, chall *resources.Challenge, keyAuth string) error {
		challSrv.AddTLSALPNChallenge(authz.Identifier.Value, keyAuth)
		return nil
	}

	chain, err := Auto(context.Background(), c, Options{
		CSR:                  testCSR(t, "localhost", []string{"localhost"}),
		TermsOfServiceAgreed: true,
		ChallengePriority:    []string{acme.CHALLENGE_TLSALPN01},
		ChallengeCreateFn:    cb.create,
		ChallengeRemoveFn:    cb.remove,
		TLSALPNPort:          challTLSALPNPort,
	})
	require.NoError(t, err)
	require.NotEmpty(t, chain)
}

// S6: an authorization that turns invalid surfaces a StateError carrying
// the server-reported detail, after the cleanup callback ran.
func TestAutoAuthorizationInvalid(t *testing.T) {
	server := testServer(t)
	server.FailAuthzDetail = "dns lookup failed"
	c := testClient(t, server)

	cb := &countingCallbacks{}
	_, err := Auto(context.Background(), c, Options{
		CSR:                       testCSR(t, "example.com", []string{"example.com"}),
		TermsOfServiceAgreed:      true,
		ChallengeCreateFn:         cb.create,
		ChallengeRemoveFn:         cb.remove,
		SkipChallengeVerification: true,
	})

	var stateErr acme.StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, "authorization", stateErr.Resource)
	require.Equal(t, resources.StatusAuthzInvalid, stateErr.Status)
	require.Contains(t, stateErr.Detail, "dns lookup failed")

	created, removed := cb.counts()
	require.Equal(t, 1, created)
	require.Equal(t, 1, removed)
}

// Multiple identifiers are authorized concurrently and fan in before
// finalization.
func TestAutoMultipleIdentifiers(t *testing.T) {
	server := testServer(t)
	c := testClient(t, server)

	cb := &countingCallbacks{}
	chain, err := Auto(context.Background(), c, Options{
		CSR: testCSR(t, "example.com",
			[]string{"example.com", "www.example.com", "api.example.com"}),
		TermsOfServiceAgreed:      true,
		ChallengeCreateFn:         cb.create,
		ChallengeRemoveFn:         cb.remove,
		SkipChallengeVerification: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	created, removed := cb.counts()
	require.Equal(t, 3, created)
	require.Equal(t, 3, removed)
}

// Cleanup runs even when the create callback itself fails.
func TestAutoCleanupAfterCreateFailure(t *testing.T) {
	server := testServer(t)
	c := testClient(t, server)

	cb := &countingCallbacks{}
	cb.onMake = func(*resources.Authorization, *resources.Challenge, string) error {
		return errors.New("provisioning backend is down")
	}

	_, err := Auto(context.Background(), c, Options{
		CSR:                       testCSR(t, "example.com", []string{"example.com"}),
		TermsOfServiceAgreed:      true,
		ChallengeCreateFn:         cb.create,
		ChallengeRemoveFn:         cb.remove,
		SkipChallengeVerification: true,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "provisioning backend is down")

	created, removed := cb.counts()
	require.Equal(t, 1, created)
	require.Equal(t, 1, removed)
}

// Cancellation right after a challenge is provisioned surfaces a
// CancelledError after cleanup ran.
func TestAutoCancellation(t *testing.T) {
	server := testServer(t)
	// Never progress: the flow can only end through the cancellation.
	server.AuthzValidAfterPolls = 1 << 30
	c := testClient(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cb := &countingCallbacks{}
	cb.onMake = func(*resources.Authorization, *resources.Challenge, string) error {
		// Cancel as soon as the challenge is provisioned: everything after
		// the create callback must observe the cancellation.
		cancel()
		return nil
	}

	_, err := Auto(ctx, c, Options{
		CSR:                       testCSR(t, "example.com", []string{"example.com"}),
		TermsOfServiceAgreed:      true,
		ChallengeCreateFn:         cb.create,
		ChallengeRemoveFn:         cb.remove,
		SkipChallengeVerification: true,
	})

	var cancelledErr acme.CancelledError
	require.ErrorAs(t, err, &cancelledErr)

	created, removed := cb.counts()
	require.Equal(t, 1, created)
	require.Equal(t, 1, removed)
}

func TestAutoOptionValidation(t *testing.T) {
	server := testServer(t)
	c := testClient(t, server)
	noop := func(*resources.Authorization, *resources.Challenge, string) error { return nil }

	var confErr acme.ConfigError

	_, err := Auto(context.Background(), c, Options{
		ChallengeCreateFn: noop, ChallengeRemoveFn: noop,
	})
	require.ErrorAs(t, err, &confErr)
	require.Equal(t, "CSR", confErr.Field)

	_, err = Auto(context.Background(), c, Options{
		CSR: testCSR(t, "example.com", []string{"example.com"}),
	})
	require.ErrorAs(t, err, &confErr)
	require.Equal(t, "ChallengeCreateFn", confErr.Field)
}

func TestCSRIdentifiersDedup(t *testing.T) {
	csrPEM := testCSR(t, "example.com",
		[]string{"example.com", "www.example.com", "example.com"})

	identifiers, err := csrIdentifiers(csrPEM)
	require.NoError(t, err)
	require.Equal(t, []resources.Identifier{
		{Type: "dns", Value: "example.com"},
		{Type: "dns", Value: "www.example.com"},
	}, identifiers)
}

func TestSelectChallenge(t *testing.T) {
	authz := &resources.Authorization{
		ID:         "https://mock/authz/1",
		Status:     resources.StatusAuthzPending,
		Identifier: resources.Identifier{Type: "dns", Value: "example.com"},
		Challenges: []resources.Challenge{
			{Type: acme.CHALLENGE_DNS01, URL: "https://mock/chall/1"},
			{Type: acme.CHALLENGE_HTTP01, URL: "https://mock/chall/2"},
		},
	}

	chall, err := selectChallenge(authz, []string{acme.CHALLENGE_HTTP01, acme.CHALLENGE_DNS01})
	require.NoError(t, err)
	require.Equal(t, acme.CHALLENGE_HTTP01, chall.Type)

	chall, err = selectChallenge(authz, []string{acme.CHALLENGE_DNS01})
	require.NoError(t, err)
	require.Equal(t, acme.CHALLENGE_DNS01, chall.Type)

	// Wildcard identifiers must use dns-01 even when it trails the
	// priority list.
	authz.Wildcard = true
	chall, err = selectChallenge(authz, []string{acme.CHALLENGE_HTTP01, acme.CHALLENGE_DNS01})
	require.NoError(t, err)
	require.Equal(t, acme.CHALLENGE_DNS01, chall.Type)

	// No overlap between offered and supported challenge types.
	authz.Wildcard = false
	authz.Challenges = authz.Challenges[:1]
	_, err = selectChallenge(authz, []string{acme.CHALLENGE_HTTP01})
	var stateErr acme.StateError
	require.ErrorAs(t, err, &stateErr)
}
