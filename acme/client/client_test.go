package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/acmetest"
	"github.com/taoyuan/nacme/acme/keys"
	"github.com/taoyuan/nacme/acme/resources"
)

func testKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	signer, err := keys.NewSigner("rsa")
	require.NoError(t, err)
	pemStr, err := keys.SignerToPEM(signer)
	require.NoError(t, err)
	return pemStr, signer.(*rsa.PrivateKey)
}

func testServer(t *testing.T) *acmetest.Server {
	t.Helper()
	server, err := acmetest.NewServer()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func testClient(t *testing.T, server *acmetest.Server, keyPEM string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		DirectoryURL: server.DirectoryURL(),
		AccountKey:   keyPEM,
		BackoffMin:   time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestClientConfigValidation(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)

	var confErr acme.ConfigError

	_, err := NewClient(ClientConfig{AccountKey: keyPEM})
	require.ErrorAs(t, err, &confErr)
	require.Equal(t, "DirectoryURL", confErr.Field)

	_, err = NewClient(ClientConfig{DirectoryURL: "http://localhost/dir"})
	require.ErrorAs(t, err, &confErr)
	require.Equal(t, "AccountKey", confErr.Field)

	_, err = NewClient(ClientConfig{
		DirectoryURL: "http://localhost/dir",
		AccountKey:   "garbage",
	})
	require.ErrorAs(t, err, &confErr)
	require.Equal(t, "AccountKey", confErr.Field)

	// EC account keys are rejected: the engine signs RS256.
	ecSigner, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	ecPEM, err := keys.SignerToPEM(ecSigner)
	require.NoError(t, err)
	_, err = NewClient(ClientConfig{
		DirectoryURL: "http://localhost/dir",
		AccountKey:   ecPEM,
	})
	require.ErrorAs(t, err, &confErr)
	require.Equal(t, "AccountKey", confErr.Field)
}

func TestDirectoryLookup(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	url, err := c.EndpointURL(ctx, acme.NEW_NONCE_ENDPOINT)
	require.NoError(t, err)
	require.Equal(t, server.URL+"/new-nonce", url)

	_, err = c.EndpointURL(ctx, "newWidget")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown directory resource")
}

// S1: a fresh key registers a new account and the Location header becomes
// the account URL.
func TestNewAccount(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	acct := resources.NewAccount([]string{"a@example.com"})
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))

	require.NotEmpty(t, acct.ID)
	require.Equal(t, acct.ID, c.AccountURL())
	require.Equal(t, resources.StatusAccountValid, acct.Status)
	require.Equal(t, []string{"mailto:a@example.com"}, acct.Contact)
	require.Equal(t, 1, server.AccountCount())
}

func TestNewAccountRequiresToS(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)

	acct := resources.NewAccount(nil)
	err := c.NewAccount(context.Background(), acct)

	var protoErr acme.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, http.StatusBadRequest, protoErr.Status)
}

// S2: posting newAccount with an already-registered key is treated as
// discovery, not an error.
func TestNewAccountExisting(t *testing.T) {
	server := testServer(t)
	keyPEM, key := testKeyPEM(t)

	existingURL, err := server.RegisterAccount(key.Public())
	require.NoError(t, err)

	c := testClient(t, server, keyPEM)
	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(context.Background(), acct))

	require.Equal(t, existingURL, acct.ID)
	require.Equal(t, existingURL, c.AccountURL())
	require.Equal(t, 1, server.AccountCount())
}

func TestFindAccount(t *testing.T) {
	server := testServer(t)
	keyPEM, key := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	// Nothing registered for the key yet.
	err := c.FindAccount(ctx, &resources.Account{})
	var protoErr acme.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, http.StatusBadRequest, protoErr.Status)
	require.Contains(t, protoErr.Type, "accountDoesNotExist")

	existingURL, err := server.RegisterAccount(key.Public())
	require.NoError(t, err)

	acct := &resources.Account{}
	require.NoError(t, c.FindAccount(ctx, acct))
	require.Equal(t, existingURL, acct.ID)
	require.Equal(t, existingURL, c.AccountURL())
}

// Property 4: the protected header of any signed request carries alg RS256,
// the request URL, a non-empty nonce, and exactly one of jwk and kid.
func TestSignedRequestShape(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	ctx := context.Background()

	decodeProtected := func(t *testing.T, serialized []byte) map[string]any {
		var envelope struct {
			Protected string `json:"protected"`
			Payload   string `json:"payload"`
			Signature string `json:"signature"`
		}
		require.NoError(t, json.Unmarshal(serialized, &envelope))
		require.NotEmpty(t, envelope.Signature)

		raw, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
		require.NoError(t, err)
		var header map[string]any
		require.NoError(t, json.Unmarshal(raw, &header))
		return header
	}

	t.Run("embedded jwk", func(t *testing.T) {
		c := testClient(t, server, keyPEM)
		require.NoError(t, c.RefreshNonce(ctx))

		targetURL := server.URL + "/new-account"
		result, err := c.Sign(targetURL, []byte(`{}`), &SigningOptions{EmbedKey: true})
		require.NoError(t, err)

		header := decodeProtected(t, result.SerializedJWS)
		require.Equal(t, "RS256", header["alg"])
		require.Equal(t, targetURL, header["url"])
		require.NotEmpty(t, header["nonce"])
		require.Contains(t, header, "jwk")
		require.NotContains(t, header, "kid")
	})

	t.Run("kid", func(t *testing.T) {
		c, err := NewClient(ClientConfig{
			DirectoryURL: server.DirectoryURL(),
			AccountKey:   keyPEM,
			AccountURL:   server.URL + "/acct/1",
		})
		require.NoError(t, err)
		require.NoError(t, c.RefreshNonce(ctx))

		targetURL := server.URL + "/order/1"
		result, err := c.Sign(targetURL, []byte(``), nil)
		require.NoError(t, err)

		header := decodeProtected(t, result.SerializedJWS)
		require.Equal(t, "RS256", header["alg"])
		require.Equal(t, targetURL, header["url"])
		require.NotEmpty(t, header["nonce"])
		require.Equal(t, server.URL+"/acct/1", header["kid"])
		require.NotContains(t, header, "jwk")
	})
}

// Property 5: a nonce is consumed by its first use. Replaying a captured
// request draws badNonce from the server.
func TestNonceSingleUse(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	require.NoError(t, c.RefreshNonce(ctx))
	targetURL := server.URL + "/new-account"
	result, err := c.Sign(targetURL, []byte(`{"termsOfServiceAgreed":true}`),
		&SigningOptions{EmbedKey: true})
	require.NoError(t, err)

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, targetURL,
			bytes.NewReader(result.SerializedJWS))
		require.NoError(t, err)
		req.Header.Set("Content-Type", acme.JOSE_CONTENT_TYPE)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	first := post()
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := post()
	require.Equal(t, http.StatusBadRequest, second.StatusCode)
	var problem resources.Problem
	require.NoError(t, json.NewDecoder(second.Body).Decode(&problem))
	require.Equal(t, acme.ERROR_BAD_NONCE, problem.Type)
}

// S5: one badNonce rejection is recovered by retrying with the fresh nonce
// from the rejection; two consecutive rejections surface a ProtocolError.
func TestBadNonceRecovery(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	server.BadNonceRejections = 1
	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))
	require.NotEmpty(t, acct.ID)
}

func TestBadNonceTwiceIsSurfaced(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)

	server.BadNonceRejections = 2
	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	err := c.NewAccount(context.Background(), acct)

	var protoErr acme.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.True(t, protoErr.IsBadNonce())
}

func TestUpdateAccount(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	acct := resources.NewAccount([]string{"a@example.com"})
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))

	acct.Contact = []string{"mailto:b@example.com"}
	require.NoError(t, c.UpdateAccount(ctx, acct))
	require.Equal(t, []string{"mailto:b@example.com"}, acct.Contact)
}

func TestDeactivateAccount(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))

	require.NoError(t, c.DeactivateAccount(ctx, acct))
	require.Equal(t, resources.StatusAccountDeactivated, acct.Status)

	// The server refuses further requests from a deactivated account.
	err := c.UpdateAccount(ctx, acct)
	var protoErr acme.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, http.StatusUnauthorized, protoErr.Status)
}

// S7: after a key rollover the old key no longer authenticates the account
// and the new key does.
func TestKeyRollover(t *testing.T) {
	server := testServer(t)
	oldKeyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, oldKeyPEM)
	ctx := context.Background()

	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))

	newKey, err := keys.NewSigner("rsa")
	require.NoError(t, err)
	require.NoError(t, c.KeyRollover(ctx, newKey))
	require.Same(t, newKey, c.Signer())

	// The rolled-over client keeps working with the new key.
	require.NoError(t, c.UpdateAccount(ctx, acct))

	// A client still holding the old key is refused.
	oldClient, err := NewClient(ClientConfig{
		DirectoryURL: server.DirectoryURL(),
		AccountKey:   oldKeyPEM,
		AccountURL:   acct.ID,
	})
	require.NoError(t, err)
	err = oldClient.UpdateAccount(ctx, &resources.Account{ID: acct.ID})
	var protoErr acme.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.True(t, protoErr.IsUnauthorized())
}

func TestRolloverWithoutAccount(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)

	newKey, err := keys.NewSigner("rsa")
	require.NoError(t, err)
	err = c.KeyRollover(context.Background(), newKey)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no account URL")
}

func TestNewOrderAndPolling(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))

	order := &resources.Order{
		Identifiers: []resources.Identifier{{Type: "dns", Value: "example.com"}},
	}
	require.NoError(t, c.NewOrder(ctx, order))
	require.NotEmpty(t, order.ID)
	require.Equal(t, resources.StatusOrderPending, order.Status)
	require.Len(t, order.Authorizations, 1)
	require.NotEmpty(t, order.Finalize)

	authz := &resources.Authorization{ID: order.Authorizations[0]}
	require.NoError(t, c.GetAuthorization(ctx, authz))
	require.Equal(t, resources.StatusAuthzPending, authz.Status)
	require.Equal(t, "example.com", authz.Identifier.Value)
	require.NotEmpty(t, authz.Challenges)
}

func TestDeactivateAuthorization(t *testing.T) {
	server := testServer(t)
	keyPEM, _ := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))

	order := &resources.Order{
		Identifiers: []resources.Identifier{{Type: "dns", Value: "example.com"}},
	}
	require.NoError(t, c.NewOrder(ctx, order))

	authz := &resources.Authorization{ID: order.Authorizations[0]}
	require.NoError(t, c.DeactivateAuthorization(ctx, authz))
	require.Equal(t, resources.StatusAuthzDeactivated, authz.Status)
}

func TestRevokeCert(t *testing.T) {
	server := testServer(t)
	keyPEM, key := testKeyPEM(t)
	c := testClient(t, server, keyPEM)
	ctx := context.Background()

	acct := resources.NewAccount(nil)
	acct.TermsOfServiceAgreed = true
	require.NoError(t, c.NewAccount(ctx, acct))

	template := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	require.NoError(t, c.RevokeCert(ctx, certPEM, -1))
	require.NoError(t, c.RevokeCert(ctx, certPEM, 4))

	err = c.RevokeCert(ctx, []byte("not pem"), -1)
	require.Error(t, err)
}

func TestCSRHelper(t *testing.T) {
	_, key := testKeyPEM(t)

	b64, pemCSR, err := CSR("example.com", []string{"example.com", "www.example.com"}, key)
	require.NoError(t, err)
	require.NotEmpty(t, b64)

	block, _ := pem.Decode([]byte(pemCSR))
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.Equal(t, "example.com", csr.Subject.CommonName)
	require.Equal(t, []string{"example.com", "www.example.com"}, csr.DNSNames)

	der, err := base64.RawURLEncoding.DecodeString(string(b64))
	require.NoError(t, err)
	require.Equal(t, block.Bytes, der)

	_, _, err = CSR("", nil, key)
	require.Error(t, err)
}

func TestTransportErrorOnUnreachableServer(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)
	c, err := NewClient(ClientConfig{
		DirectoryURL: "http://127.0.0.1:1/directory",
		AccountKey:   keyPEM,
		Timeout:      time.Second,
	})
	require.NoError(t, err)

	_, err = c.Directory(context.Background())
	var transportErr acme.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.True(t, errors.Is(err, transportErr.Err))
}
