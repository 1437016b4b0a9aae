// Package net provides common HTTP utilities.
package net

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/taoyuan/nacme/acme"
)

const (
	version       = "0.1.0"
	userAgentBase = "nacme"
	locale        = "en-us"
)

// DefaultUserAgent is the User-Agent header value used when a Config does
// not override it.
func DefaultUserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)",
		userAgentBase, version, runtime.GOOS, runtime.GOARCH)
}

// Config holds the options for constructing an ACMENet.
type Config struct {
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests. If empty the system roots are
	// used.
	CABundlePath string
	// An optional User-Agent header value. If empty DefaultUserAgent() is
	// used.
	UserAgent string
	// An optional per-request timeout. Zero means no timeout.
	Timeout time.Duration
}

// ACMENet performs HTTP requests to an ACME server. It adds the User-Agent
// and Accept-Language headers ACME clients are expected to send and sets the
// application/jose+json content type on POST bodies.
type ACMENet struct {
	httpClient *http.Client
	userAgent  string
}

func New(config Config) (*ACMENet, error) {
	var caBundle *x509.CertPool
	if config.CABundlePath != "" {
		pemBundle, err := os.ReadFile(config.CABundlePath)
		if err != nil {
			return nil, err
		}

		caBundle = x509.NewCertPool()
		caBundle.AppendCertsFromPEM(pemBundle)
	}

	ua := config.UserAgent
	if ua == "" {
		ua = DefaultUserAgent()
	}

	return &ACMENet{
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs: caBundle,
				},
			},
		},
		userAgent: ua,
	}, nil
}

// NetResponse holds the results from calling Do with an HTTP Request.
type NetResponse struct {
	// The HTTP Response object from making the request.
	Response *http.Response
	// The response body.
	RespBody []byte
}

// Do performs an HTTP request, returning a pointer to a NetResponse instance
// or an error. User-Agent and Accept-Language headers are automatically
// added to the request. The body of the HTTP Response is read into the
// NetResponse and can not be read again.
func (c *ACMENet) Do(req *http.Request) (*NetResponse, error) {
	return c.httpRequest(req)
}

func (c *ACMENet) httpRequest(req *http.Request) (*NetResponse, error) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", locale)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &NetResponse{
		Response: resp,
		RespBody: respBody,
	}, nil
}

// HeadURL sends a HEAD request to the given URL.
func (c *ACMENet) HeadURL(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", locale)
	return c.httpClient.Do(req)
}

// Convenience function to construct a POST request to the given URL with the
// given body. Returns an HTTP request or a non-nil error.
func (c *ACMENet) PostRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", acme.JOSE_CONTENT_TYPE)
	return req, nil
}

// Convenience function to POST the given URL with the given body. This is
// a wrapper combining PostRequest and Do.
func (c *ACMENet) PostURL(ctx context.Context, url string, body []byte) (*NetResponse, error) {
	req, err := c.PostRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}

	return c.Do(req)
}

// Convenience function to construct a GET request to the given URL. Returns
// an HTTP request or a non-nil error.
func (c *ACMENet) GetRequest(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

// Convenience function to GET the given URL. This is a wrapper combining
// GetRequest and Do.
func (c *ACMENet) GetURL(ctx context.Context, url string) (*NetResponse, error) {
	req, err := c.GetRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
