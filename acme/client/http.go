package client

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/resources"
	"github.com/taoyuan/nacme/net"
)

// postAsGetPayload is the payload of a POST-as-GET request: a zero length
// octet string, not an empty JSON object.
//
// See https://tools.ietf.org/html/rfc8555#section-6.3
var postAsGetPayload = []byte("")

// problemError converts a non-allowed response into a ProtocolError. When
// the body is not a problem document the raw body is used as the Detail.
func problemError(resp *net.NetResponse) acme.ProtocolError {
	protoErr := acme.ProtocolError{Status: resp.Response.StatusCode}

	var problem resources.Problem
	if err := json.Unmarshal(resp.RespBody, &problem); err == nil && problem.Type != "" {
		protoErr.Type = problem.Type
		protoErr.Detail = problem.Detail
		for _, sub := range problem.Subproblems {
			protoErr.Subproblems = append(protoErr.Subproblems, acme.ProtocolError{
				Type:   sub.Type,
				Detail: sub.Detail,
				Status: sub.Status,
			})
		}
		return protoErr
	}

	protoErr.Detail = string(resp.RespBody)
	return protoErr
}

func statusAllowed(status int, allowed []int) bool {
	for _, code := range allowed {
		if status == code {
			return true
		}
	}
	return false
}

// postJWS signs the payload for the target URL and POSTs it, enforcing the
// caller's status code allow-list. The Replay-Nonce of every response
// replenishes the nonce pool. If the server rejects the request with
// a badNonce problem the request is re-signed with the nonce from the
// rejection and retried exactly once; a second badNonce is surfaced.
//
// Signed requests are serialized under the client's request lock so the
// nonce pool ordering is well defined.
func (c *Client) postJWS(ctx context.Context, url string, payload []byte, opts *SigningOptions, allowed ...int) (*net.NetResponse, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp, err := c.signAndPost(ctx, url, payload, opts)
	if err != nil {
		return nil, err
	}

	if resp.Response.StatusCode == http.StatusBadRequest {
		if protoErr := problemError(resp); protoErr.IsBadNonce() {
			// The rejection carries a fresh nonce. Replace the pool contents
			// with it and retry the request once.
			// See https://tools.ietf.org/html/rfc8555#section-6.5
			log.Printf("Request to %q rejected with badNonce, retrying with fresh nonce", url)
			c.clearNonces()
			c.harvestNonce(resp.Response)

			resp, err = c.signAndPost(ctx, url, payload, opts)
			if err != nil {
				return nil, err
			}
			if resp.Response.StatusCode == http.StatusBadRequest {
				if protoErr := problemError(resp); protoErr.IsBadNonce() {
					return nil, protoErr
				}
			}
		}
	}

	if !statusAllowed(resp.Response.StatusCode, allowed) {
		return nil, problemError(resp)
	}

	return resp, nil
}

// signAndPost performs one sign+POST round trip and harvests the response
// nonce.
func (c *Client) signAndPost(ctx context.Context, url string, payload []byte, opts *SigningOptions) (*net.NetResponse, error) {
	if err := c.ensureNonce(ctx); err != nil {
		return nil, err
	}

	// Sign takes a fresh copy of the options: defaults populated during one
	// attempt must not leak into the retry.
	var optsCopy SigningOptions
	if opts != nil {
		optsCopy = *opts
	}

	signResult, err := c.Sign(url, payload, &optsCopy)
	if err != nil {
		return nil, err
	}

	resp, err := c.net.PostURL(ctx, url, signResult.SerializedJWS)
	if err != nil {
		return nil, acme.TransportError{Op: http.MethodPost, URL: url, Err: err}
	}
	c.harvestNonce(resp.Response)
	return resp, nil
}

// postAsGet performs an authenticated GET: a signed POST with a zero length
// payload.
//
// See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) postAsGet(ctx context.Context, url string, allowed ...int) (*net.NetResponse, error) {
	return c.postJWS(ctx, url, postAsGetPayload, nil, allowed...)
}
