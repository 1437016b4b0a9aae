// Package client provides a low-level ACME v2 client.
package client

import (
	"crypto"
	"crypto/rsa"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/keys"
	"github.com/taoyuan/nacme/acme/resources"
	acmenet "github.com/taoyuan/nacme/net"
)

// Default polling behavior used when the ClientConfig leaves the backoff
// fields zero.
const (
	DefaultBackoffAttempts = 5
	DefaultBackoffMin      = 5 * time.Second
	DefaultBackoffMax      = 30 * time.Second
)

// Client allows interaction with an ACME server. A client holds one account
// keypair and the corresponding server-side Account resource URL, used as
// the JWS Key ID for authenticating requests. Internally the Client uses the
// nacme/net package to perform HTTP requests to the ACME server.
//
// The Client's directory is fetched lazily from the configured directory URL
// on first use and cached for the client's lifetime. The client maintains
// a pool of anti-replay nonces harvested from every server response; when
// the pool is empty a fresh nonce is fetched from the newNonce endpoint.
//
// Signed requests are serialized: at most one is in flight at a time, so the
// nonce pool ordering is well defined. The account key is replaced only by
// KeyRollover, which quiesces in-flight requests before swapping.
type Client struct {
	// A parsed *url.URL pointer for the ACME server's directory URL.
	DirectoryURL *url.URL

	// Polling behavior for callers that wait on resource state changes.
	BackoffAttempts int
	BackoffMin      time.Duration
	BackoffMax      time.Duration

	// the net object is used to make HTTP GET/POST/HEAD requests to the ACME
	// server.
	net *acmenet.ACMENet

	// The account private key. Guarded by keyMu: KeyRollover replaces it.
	signer crypto.Signer
	// The account URL assigned by the server, used as the JWS Key ID.
	accountURL string
	keyMu      sync.Mutex

	// directory is an in-memory representation of the ACME server's directory
	// object, fetched once and reused.
	directory *resources.Directory
	dirMu     sync.Mutex

	// The nonce pool. Consuming a request pops a nonce, every response
	// replenishes.
	nonces  []string
	nonceMu sync.Mutex

	// Serializes signed requests.
	reqMu sync.Mutex
}

// ClientConfig contains configuration options provided to NewClient when
// creating a Client instance.
type ClientConfig struct {
	// A fully qualified URL for the ACME server's directory resource. Must
	// include an HTTP/HTTPS protocol prefix. Mandatory.
	DirectoryURL string
	// A PEM encoded RSA private key used as the ACME account key. Mandatory.
	AccountKey string
	// An optional pre-known account URL. When set, account discovery is
	// skipped and the URL is used as the JWS Key ID directly.
	AccountURL string
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests to the ACME server.
	CACert string
	// An optional User-Agent header value for all requests.
	UserAgent string
	// An optional per-request HTTP timeout. Zero means no timeout.
	Timeout time.Duration
	// Polling limits: maximum attempts and the minimum/maximum inter-attempt
	// delay. Zero values select the package defaults.
	BackoffAttempts int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
}

// normalize validates a ClientConfig.
func (conf *ClientConfig) normalize() error {
	// Clean up any junk whitespace that might have snuck in
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.AccountURL = strings.TrimSpace(conf.AccountURL)

	if conf.DirectoryURL == "" {
		return acme.ConfigError{Field: "DirectoryURL", Detail: "must not be empty"}
	}

	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return acme.ConfigError{Field: "DirectoryURL", Detail: err.Error()}
	}

	if conf.AccountKey == "" {
		return acme.ConfigError{Field: "AccountKey", Detail: "must not be empty"}
	}

	if conf.BackoffAttempts == 0 {
		conf.BackoffAttempts = DefaultBackoffAttempts
	}
	if conf.BackoffMin == 0 {
		conf.BackoffMin = DefaultBackoffMin
	}
	if conf.BackoffMax == 0 {
		conf.BackoffMax = DefaultBackoffMax
	}

	return nil
}

// NewClient creates a Client instance from the given ClientConfig. If the
// config is not valid or if another error occurs it will be returned along
// with a nil Client.
func NewClient(config ClientConfig) (*Client, error) {
	// Validate the ClientConfig has no errors when normalized.
	if err := config.normalize(); err != nil {
		return nil, err
	}

	signer, err := keys.SignerFromPEM([]byte(config.AccountKey))
	if err != nil {
		return nil, acme.ConfigError{Field: "AccountKey", Detail: err.Error()}
	}
	if _, ok := signer.(*rsa.PrivateKey); !ok {
		return nil, acme.ConfigError{
			Field:  "AccountKey",
			Detail: "account key must be an RSA private key",
		}
	}

	// Create the ACME net client
	net, err := acmenet.New(acmenet.Config{
		CABundlePath: config.CACert,
		UserAgent:    config.UserAgent,
		Timeout:      config.Timeout,
	})
	if err != nil {
		return nil, acme.ConfigError{Field: "CACert", Detail: err.Error()}
	}

	// NOTE: Its safe to throw away the returned err here because we check
	// that `url.Parse` will succeed in `config.normalize()` above.
	dirURL, _ := url.Parse(config.DirectoryURL)

	return &Client{
		DirectoryURL:    dirURL,
		BackoffAttempts: config.BackoffAttempts,
		BackoffMin:      config.BackoffMin,
		BackoffMax:      config.BackoffMax,
		net:             net,
		signer:          signer,
		accountURL:      config.AccountURL,
	}, nil
}

// Signer returns the current account private key.
func (c *Client) Signer() crypto.Signer {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.signer
}

// AccountURL returns the account URL assigned by the ACME server, or an
// empty string when no account has been created or discovered yet.
func (c *Client) AccountURL() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.accountURL
}

func (c *Client) setAccountURL(url string) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.accountURL = url
}

// swapKey atomically replaces the account key after a successful key
// rollover. It takes the request lock, so no signed request is in flight
// during the swap. The nonce pool is drained because pending nonces were
// issued against the old key's requests.
func (c *Client) swapKey(newKey crypto.Signer) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.keyMu.Lock()
	c.signer = newKey
	c.keyMu.Unlock()
	c.clearNonces()
}
