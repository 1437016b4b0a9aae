package client

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/taoyuan/nacme/acme"
)

// Nonce satisfies the JWS "NonceSource" interface by popping a nonce from
// the client's pool. The pool is replenished from the Replay-Nonce header of
// every server response; callers that are about to sign must first ensure
// the pool is not empty with ensureNonce, which hits the newNonce endpoint
// if required. Keeping the network fetch out of Nonce keeps all HTTP under
// a caller-supplied context.
func (c *Client) Nonce() (string, error) {
	nonce, ok := c.takeNonce()
	if !ok {
		return "", fmt.Errorf("nonce pool is empty")
	}
	return nonce, nil
}

func (c *Client) takeNonce() (string, bool) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if len(c.nonces) == 0 {
		return "", false
	}
	nonce := c.nonces[len(c.nonces)-1]
	c.nonces = c.nonces[:len(c.nonces)-1]
	return nonce, true
}

// storeNonce adds a nonce to the pool. Empty and duplicate values are
// ignored.
func (c *Client) storeNonce(nonce string) {
	if nonce == "" {
		return
	}
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	for _, existing := range c.nonces {
		if existing == nonce {
			return
		}
	}
	c.nonces = append(c.nonces, nonce)
}

// clearNonces drains the pool. Used after key rollover and when the server
// rejects a nonce with badNonce.
func (c *Client) clearNonces() {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonces = nil
}

// harvestNonce stores the Replay-Nonce header of a response, if present.
// Every ACME response replenishes the pool this way.
func (c *Client) harvestNonce(resp *http.Response) {
	if resp == nil {
		return
	}
	c.storeNonce(resp.Header.Get(acme.REPLAY_NONCE_HEADER))
}

// ensureNonce guarantees at least one nonce is pooled, fetching a fresh one
// from the newNonce endpoint when required.
func (c *Client) ensureNonce(ctx context.Context) error {
	c.nonceMu.Lock()
	pooled := len(c.nonces)
	c.nonceMu.Unlock()
	if pooled > 0 {
		return nil
	}
	return c.RefreshNonce(ctx)
}

// RefreshNonce fetches a new nonce from the ACME server's NewNonce endpoint
// and adds it to the client's pool.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) RefreshNonce(ctx context.Context) error {
	nonceURL, err := c.EndpointURL(ctx, acme.NEW_NONCE_ENDPOINT)
	if err != nil {
		return err
	}

	resp, err := c.net.HeadURL(ctx, nonceURL)
	if err != nil {
		return acme.TransportError{Op: http.MethodHead, URL: nonceURL, Err: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%q returned HTTP status %d, expected %d or %d",
			acme.NEW_NONCE_ENDPOINT, resp.StatusCode, http.StatusOK, http.StatusNoContent)
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return fmt.Errorf("%q returned no %q header value",
			acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER)
	}

	c.storeNonce(nonce)
	log.Printf("Updated nonce to %q", nonce)
	return nil
}
