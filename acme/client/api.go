package client

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/keys"
	"github.com/taoyuan/nacme/acme/resources"
)

// NewAccount creates the given Account resource with the ACME server. The
// JWS is authenticated with an embedded JWK because no account URL exists
// yet. On success the Account is updated in place and its ID field holds
// the account URL from the response's Location header: the server replies
// 201 for a newly created account and 200 when the key was already
// registered, and the client treats both as success.
//
// For more information on account creation see
// https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) NewAccount(ctx context.Context, acct *resources.Account) error {
	if acct.ID != "" {
		return fmt.Errorf("create: account already exists under URL %q", acct.ID)
	}

	newAcctReq := struct {
		Contact   []string `json:"contact,omitempty"`
		ToSAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	}{
		Contact:   acct.Contact,
		ToSAgreed: acct.TermsOfServiceAgreed,
	}

	reqBody, err := json.Marshal(&newAcctReq)
	if err != nil {
		return err
	}

	newAcctURL, err := c.EndpointURL(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if err != nil {
		return err
	}

	log.Printf("Sending %q request (contact: %s) to %q",
		acme.NEW_ACCOUNT_ENDPOINT, acct.Contact, newAcctURL)
	resp, err := c.postJWS(ctx, newAcctURL, reqBody,
		&SigningOptions{EmbedKey: true},
		http.StatusOK, http.StatusCreated)
	if err != nil {
		return err
	}

	locHeader := resp.Response.Header.Get(acme.LOCATION_HEADER)
	if locHeader == "" {
		return fmt.Errorf("create: server returned response with no Location header")
	}

	if err := json.Unmarshal(resp.RespBody, acct); err != nil {
		return fmt.Errorf("create: server returned invalid JSON: %s", err)
	}

	// Store the Location header as the Account's URL
	acct.ID = locHeader
	c.setAccountURL(locHeader)
	if resp.Response.StatusCode == http.StatusOK {
		log.Printf("Found existing account with URL %q\n", acct.ID)
	} else {
		log.Printf("Created account with URL %q\n", acct.ID)
	}
	return nil
}

// FindAccount discovers the account URL registered for the client's key
// without creating an account, using the onlyReturnExisting flag.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.1
func (c *Client) FindAccount(ctx context.Context, acct *resources.Account) error {
	findReq := struct {
		OnlyReturnExisting bool `json:"onlyReturnExisting"`
	}{
		OnlyReturnExisting: true,
	}

	reqBody, err := json.Marshal(&findReq)
	if err != nil {
		return err
	}

	newAcctURL, err := c.EndpointURL(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if err != nil {
		return err
	}

	resp, err := c.postJWS(ctx, newAcctURL, reqBody,
		&SigningOptions{EmbedKey: true}, http.StatusOK)
	if err != nil {
		return err
	}

	locHeader := resp.Response.Header.Get(acme.LOCATION_HEADER)
	if locHeader == "" {
		return fmt.Errorf("find: server returned response with no Location header")
	}

	if err := json.Unmarshal(resp.RespBody, acct); err != nil {
		return fmt.Errorf("find: server returned invalid JSON: %s", err)
	}

	acct.ID = locHeader
	c.setAccountURL(locHeader)
	return nil
}

// UpdateAccount POSTs the Account's mutable fields (contact) to its URL.
// The updated server-side representation is unmarshaled back into the
// Account. It doubles as account URL validation: a stale or foreign URL
// draws an error from the server.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.2
func (c *Client) UpdateAccount(ctx context.Context, acct *resources.Account) error {
	if acct.ID == "" {
		acct.ID = c.AccountURL()
	}
	if acct.ID == "" {
		return fmt.Errorf("update: account has no URL")
	}

	updateReq := struct {
		Contact []string `json:"contact,omitempty"`
	}{
		Contact: acct.Contact,
	}

	reqBody, err := json.Marshal(&updateReq)
	if err != nil {
		return err
	}

	resp, err := c.postJWS(ctx, acct.ID, reqBody, nil,
		http.StatusOK, http.StatusAccepted)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, acct); err != nil {
		return fmt.Errorf("update: server returned invalid JSON: %s", err)
	}
	return nil
}

// DeactivateAccount permanently deactivates the account. The server rejects
// all further requests authenticated with the account's key.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.6
func (c *Client) DeactivateAccount(ctx context.Context, acct *resources.Account) error {
	if acct.ID == "" {
		acct.ID = c.AccountURL()
	}
	if acct.ID == "" {
		return fmt.Errorf("deactivate: account has no URL")
	}

	reqBody := []byte(fmt.Sprintf(`{"status":%q}`, resources.StatusAccountDeactivated))
	resp, err := c.postJWS(ctx, acct.ID, reqBody, nil, http.StatusOK)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, acct); err != nil {
		return fmt.Errorf("deactivate: server returned invalid JSON: %s", err)
	}
	return nil
}

// KeyRollover replaces the account key with newKey. The rollover payload is
// an inner JWS signed by the new key with an embedded JWK and no nonce,
// wrapped in an outer JWS signed by the current account key. On success the
// client's key is atomically replaced and the nonce pool drained.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.5
func (c *Client) KeyRollover(ctx context.Context, newKey crypto.Signer) error {
	acctURL := c.AccountURL()
	if acctURL == "" {
		return fmt.Errorf("rollover: client has no account URL")
	}

	oldKey := keys.JWKForSigner(c.Signer())

	rolloverRequest := struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}{
		Account: acctURL,
		OldKey:  oldKey,
	}

	rolloverRequestJSON, err := json.Marshal(&rolloverRequest)
	if err != nil {
		return fmt.Errorf("rollover: failed to marshal request to JSON: %v", err)
	}

	targetURL, err := c.EndpointURL(ctx, acme.KEY_CHANGE_ENDPOINT)
	if err != nil {
		return err
	}

	innerSignResult, err := c.Sign(targetURL, rolloverRequestJSON, &SigningOptions{
		Signer:    newKey,
		EmbedKey:  true,
		OmitNonce: true,
	})
	if err != nil {
		return fmt.Errorf("rollover: error signing inner JWS: %v", err)
	}

	log.Printf("Rolling over account %q to use new key\n", acctURL)
	_, err = c.postJWS(ctx, targetURL, innerSignResult.SerializedJWS, nil,
		http.StatusOK)
	if err != nil {
		return err
	}

	c.swapKey(newKey)
	log.Printf("Rollover for %q completed\n", acctURL)
	return nil
}

// NewOrder creates the given Order resource with the ACME server. If the
// operation is successful the Order is updated in place and its ID field is
// populated with the value of the reply's Location header.
//
// For more information on Order creation see "Applying for Certificate
// Issuance" in RFC 8555:
// https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) NewOrder(ctx context.Context, order *resources.Order) error {
	if len(order.Identifiers) == 0 {
		return fmt.Errorf("createOrder: order has no identifiers")
	}

	req := struct {
		Identifiers []resources.Identifier `json:"identifiers"`
		NotBefore   string                 `json:"notBefore,omitempty"`
		NotAfter    string                 `json:"notAfter,omitempty"`
	}{
		Identifiers: order.Identifiers,
		NotBefore:   order.NotBefore,
		NotAfter:    order.NotAfter,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return err
	}

	newOrderURL, err := c.EndpointURL(ctx, acme.NEW_ORDER_ENDPOINT)
	if err != nil {
		return err
	}

	resp, err := c.postJWS(ctx, newOrderURL, reqBody, nil, http.StatusCreated)
	if err != nil {
		return err
	}

	locHeader := resp.Response.Header.Get(acme.LOCATION_HEADER)
	if locHeader == "" {
		return fmt.Errorf("createOrder: server returned response with no Location header")
	}

	// Unmarshal the updated order
	err = json.Unmarshal(resp.RespBody, order)
	if err != nil {
		return fmt.Errorf("createOrder: server returned invalid JSON: %s", err)
	}

	// Store the Location header as the Order's ID
	order.ID = locHeader
	log.Printf("Created new order with ID %q\n", order.ID)
	return nil
}

// GetOrder refreshes a given Order by fetching its ID URL from the ACME
// server with a POST-as-GET request. If this is successful the Order is
// mutated in place. Otherwise an error is returned.
//
// Calling GetOrder is required to refresh an Order's Status field to
// synchronize the resource with the server-side representation.
func (c *Client) GetOrder(ctx context.Context, order *resources.Order) error {
	if order == nil {
		return fmt.Errorf("getOrder: order must not be nil")
	}
	if order.ID == "" {
		return fmt.Errorf("getOrder: order must have an ID")
	}

	resp, err := c.postAsGet(ctx, order.ID, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, order)
}

// GetAuthorization refreshes a given Authorization by fetching its ID URL
// from the ACME server with a POST-as-GET request. If this is successful
// the Authorization is updated in place. Otherwise an error is returned.
func (c *Client) GetAuthorization(ctx context.Context, authz *resources.Authorization) error {
	if authz == nil {
		return fmt.Errorf("getAuthz: authz must not be nil")
	}
	if authz.ID == "" {
		return fmt.Errorf("getAuthz: authz must have an ID")
	}

	resp, err := c.postAsGet(ctx, authz.ID, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, authz)
}

// DeactivateAuthorization relinquishes the authorization so it can no
// longer be used for issuance.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5.2
func (c *Client) DeactivateAuthorization(ctx context.Context, authz *resources.Authorization) error {
	if authz == nil {
		return fmt.Errorf("deactivateAuthz: authz must not be nil")
	}
	if authz.ID == "" {
		return fmt.Errorf("deactivateAuthz: authz must have an ID")
	}

	reqBody := []byte(fmt.Sprintf(`{"status":%q}`, resources.StatusAuthzDeactivated))
	resp, err := c.postJWS(ctx, authz.ID, reqBody, nil, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, authz)
}

// GetChallenge refreshes a given Challenge by fetching its URL from the
// ACME server with a POST-as-GET request. If this is successful the
// Challenge is updated in place. Otherwise an error is returned.
func (c *Client) GetChallenge(ctx context.Context, chall *resources.Challenge) error {
	if chall == nil {
		return fmt.Errorf("getChallenge: chall must not be nil")
	}
	if chall.URL == "" {
		return fmt.Errorf("getChallenge: chall must have a URL")
	}

	resp, err := c.postAsGet(ctx, chall.URL, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, chall)
}

// CompleteChallenge tells the server the challenge response has been
// provisioned and validation may begin. The key authorization rides along
// in the payload; compliant servers ignore the extra member.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5.1
func (c *Client) CompleteChallenge(ctx context.Context, chall *resources.Challenge, keyAuth string) error {
	if chall == nil {
		return fmt.Errorf("completeChallenge: chall must not be nil")
	}
	if chall.URL == "" {
		return fmt.Errorf("completeChallenge: chall must have a URL")
	}

	req := struct {
		KeyAuthorization string `json:"keyAuthorization"`
	}{
		KeyAuthorization: keyAuth,
	}

	reqBody, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	resp, err := c.postJWS(ctx, chall.URL, reqBody, nil, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, chall)
}

// FinalizeOrder submits the DER encoded CSR to the Order's finalize URL.
// The Order must have status "ready". The updated Order is unmarshaled in
// place.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) FinalizeOrder(ctx context.Context, order *resources.Order, csrDER []byte) error {
	if order == nil {
		return fmt.Errorf("finalize: order must not be nil")
	}
	if order.Finalize == "" {
		return fmt.Errorf("finalize: order has no finalize URL")
	}

	req := struct {
		CSR string `json:"csr"`
	}{
		CSR: base64.RawURLEncoding.EncodeToString(csrDER),
	}

	reqBody, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	resp, err := c.postJWS(ctx, order.Finalize, reqBody, nil, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, order)
}

// DownloadCertificate fetches the PEM certificate chain for a valid Order
// with a POST-as-GET request to its certificate URL.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4.2
func (c *Client) DownloadCertificate(ctx context.Context, order *resources.Order) ([]byte, error) {
	if order == nil {
		return nil, fmt.Errorf("downloadCertificate: order must not be nil")
	}
	if order.Certificate == "" {
		return nil, fmt.Errorf("downloadCertificate: order has no certificate URL")
	}

	resp, err := c.postAsGet(ctx, order.Certificate, http.StatusOK)
	if err != nil {
		return nil, err
	}

	return resp.RespBody, nil
}

// RevokeCert asks the server to revoke the given PEM encoded certificate.
// A negative reason omits the reason code from the request.
//
// See https://tools.ietf.org/html/rfc8555#section-7.6
func (c *Client) RevokeCert(ctx context.Context, certPEM []byte, reason int) error {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("revoke: no CERTIFICATE PEM block found in input")
	}

	req := struct {
		Certificate string `json:"certificate"`
		Reason      *int   `json:"reason,omitempty"`
	}{
		Certificate: base64.RawURLEncoding.EncodeToString(block.Bytes),
	}
	if reason >= 0 {
		req.Reason = &reason
	}

	reqBody, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	revokeURL, err := c.EndpointURL(ctx, acme.REVOKE_CERT_ENDPOINT)
	if err != nil {
		return err
	}

	_, err = c.postJWS(ctx, revokeURL, reqBody, nil, http.StatusOK)
	return err
}
