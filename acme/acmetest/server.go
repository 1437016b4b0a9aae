// Package acmetest provides an in-memory mock ACME server for exercising
// the client and orchestrator packages. It verifies JWS signatures, enforces
// single-use nonces, and walks orders and authorizations through scripted
// status progressions the way a real ACME server would.
package acmetest

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/resources"
)

var parseAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

// Account is the server-side record of a registered account.
type Account struct {
	URL     string
	Key     jose.JSONWebKey
	Contact []string
	Status  string
}

type order struct {
	id          string
	status      string
	identifiers []resources.Identifier
	authzIDs    []string
	finalized   bool
	// polls left before a processing order turns valid.
	processingPolls int
	certPEM         []byte
}

type authz struct {
	id         string
	status     string
	identifier resources.Identifier
	wildcard   bool
	challIDs   []string
	// polls left before an initiated authz reaches its terminal status.
	pendingPolls int
	initiated    bool
	problem      *resources.Problem
}

type challenge struct {
	id      string
	typ     string
	token   string
	status  string
	authzID string
	problem *resources.Problem
}

// Server is a mock ACME server. The zero value is not usable; construct
// with NewServer and Close when done.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	nonces   map[string]bool
	accounts map[string]*Account // by JWK thumbprint
	orders   map[string]*order
	authzs   map[string]*authz
	challs   map[string]*challenge
	nextID   int

	// BadNonceRejections makes the server reject that many signed POSTs
	// with a badNonce problem (carrying a fresh Replay-Nonce) before
	// resuming normal verification.
	BadNonceRejections int

	// AuthzValidAfterPolls is how many authorization fetches after
	// a challenge POST return "pending" before the authorization turns
	// valid. Defaults to 2.
	AuthzValidAfterPolls int

	// FailAuthzDetail, when non-empty, makes every initiated authorization
	// turn invalid with this problem detail instead of valid.
	FailAuthzDetail string

	// RecordedKeyAuths collects the keyAuthorization values POSTed to
	// challenge URLs.
	RecordedKeyAuths []string

	issuer *testCA
}

// NewServer starts a mock ACME server.
func NewServer() (*Server, error) {
	issuer, err := newTestCA()
	if err != nil {
		return nil, err
	}

	s := &Server{
		nonces:               map[string]bool{},
		accounts:             map[string]*Account{},
		orders:               map[string]*order{},
		authzs:               map[string]*authz{},
		challs:               map[string]*challenge{},
		AuthzValidAfterPolls: 2,
		issuer:               issuer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/directory", s.handleDirectory)
	mux.HandleFunc("/new-nonce", s.handleNewNonce)
	mux.HandleFunc("/new-account", s.handleNewAccount)
	mux.HandleFunc("/new-order", s.handleNewOrder)
	mux.HandleFunc("/key-change", s.handleKeyChange)
	mux.HandleFunc("/revoke-cert", s.handleRevokeCert)
	mux.HandleFunc("/acct/", s.handleAccount)
	mux.HandleFunc("/order/", s.handleOrder)
	mux.HandleFunc("/finalize/", s.handleFinalize)
	mux.HandleFunc("/authz/", s.handleAuthz)
	mux.HandleFunc("/chall/", s.handleChallenge)
	mux.HandleFunc("/cert/", s.handleCertificate)
	s.Server = httptest.NewServer(mux)
	return s, nil
}

// DirectoryURL returns the URL clients should be configured with.
func (s *Server) DirectoryURL() string {
	return s.URL + "/directory"
}

// AccountCount returns the number of registered accounts.
func (s *Server) AccountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// RegisterAccount seeds an account for the given public key, as if it had
// been created in an earlier session, and returns its URL.
func (s *Server) RegisterAccount(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	print, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	acct := &Account{
		URL:    fmt.Sprintf("%s/acct/%d", s.URL, s.nextID),
		Key:    jwk,
		Status: resources.StatusAccountValid,
	}
	s.accounts[string(print)] = acct
	return acct.URL, nil
}

func (s *Server) newID() int {
	s.nextID++
	return s.nextID
}

func (s *Server) freshNonce() string {
	nonce := randomToken()
	s.nonces[nonce] = true
	return nonce
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) problem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	s.mu.Lock()
	w.Header().Set(acme.REPLAY_NONCE_HEADER, s.freshNonce())
	s.mu.Unlock()
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resources.Problem{
		Type:   typ,
		Detail: detail,
		Status: status,
	})
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"newNonce":   s.URL + "/new-nonce",
		"newAccount": s.URL + "/new-account",
		"newOrder":   s.URL + "/new-order",
		"revokeCert": s.URL + "/revoke-cert",
		"keyChange":  s.URL + "/key-change",
		"meta": map[string]any{
			"termsOfService": s.URL + "/terms",
		},
	})
}

func (s *Server) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	nonce := s.freshNonce()
	s.mu.Unlock()
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	w.WriteHeader(http.StatusOK)
}

// parsedJWS is the result of verifying a signed POST body.
type parsedJWS struct {
	payload   []byte
	jwk       *jose.JSONWebKey
	kid       string
	account   *Account
	signature *jose.JSONWebSignature
}

// verifyJWS parses and verifies the signed body of an ACME POST. It
// enforces the single-use nonce rule and the url protected header binding.
// A nil *parsedJWS return means an error response was already written.
func (s *Server) verifyJWS(w http.ResponseWriter, r *http.Request, body []byte) *parsedJWS {
	jws, err := jose.ParseSigned(string(body), parseAlgs)
	if err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", err.Error())
		return nil
	}
	if len(jws.Signatures) != 1 {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "expected one signature")
		return nil
	}
	header := jws.Signatures[0].Protected

	// Nonce: must be one we issued and never saw before.
	s.mu.Lock()
	reject := s.BadNonceRejections > 0
	if reject {
		s.BadNonceRejections--
	}
	nonceOK := s.nonces[header.Nonce]
	delete(s.nonces, header.Nonce)
	s.mu.Unlock()
	if reject || !nonceOK {
		s.problem(w, http.StatusBadRequest, acme.ERROR_BAD_NONCE, "bad anti-replay nonce")
		return nil
	}

	// The url protected header must match the request target.
	wantURL := s.URL + r.URL.Path
	if gotURL, _ := header.ExtraHeaders["url"].(string); gotURL != wantURL {
		s.problem(w, http.StatusUnauthorized, acme.ERROR_UNAUTHORIZED,
			fmt.Sprintf("JWS url header %q does not match request URL %q", gotURL, wantURL))
		return nil
	}

	parsed := &parsedJWS{kid: header.KeyID, signature: jws}

	// Exactly one of jwk and kid.
	if header.JSONWebKey != nil && header.KeyID != "" {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "jwk and kid are mutually exclusive")
		return nil
	}

	if header.JSONWebKey != nil {
		parsed.jwk = header.JSONWebKey
		parsed.payload, err = jws.Verify(header.JSONWebKey)
		if err != nil {
			s.problem(w, http.StatusUnauthorized, acme.ERROR_UNAUTHORIZED, "JWS verification failed")
			return nil
		}
		return parsed
	}

	if header.KeyID == "" {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "JWS has neither jwk nor kid")
		return nil
	}

	acct := s.accountByURL(header.KeyID)
	if acct == nil || acct.Status != resources.StatusAccountValid {
		s.problem(w, http.StatusUnauthorized, acme.ERROR_NS+"accountDoesNotExist",
			fmt.Sprintf("no valid account %q", header.KeyID))
		return nil
	}
	parsed.account = acct
	parsed.payload, err = jws.Verify(acct.Key)
	if err != nil {
		s.problem(w, http.StatusUnauthorized, acme.ERROR_UNAUTHORIZED, "JWS verification failed")
		return nil
	}
	return parsed
}

func (s *Server) accountByURL(url string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.URL == url {
			return acct
		}
	}
	return nil
}

func (s *Server) readJWS(w http.ResponseWriter, r *http.Request) *parsedJWS {
	if r.Method != http.MethodPost {
		s.problem(w, http.StatusMethodNotAllowed, acme.ERROR_NS+"malformed", "POST required")
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != acme.JOSE_CONTENT_TYPE {
		s.problem(w, http.StatusUnsupportedMediaType, acme.ERROR_NS+"malformed",
			fmt.Sprintf("Content-Type is %q, expected %q", ct, acme.JOSE_CONTENT_TYPE))
		return nil
	}
	var body strings.Builder
	if _, err := copyBody(&body, r); err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", err.Error())
		return nil
	}
	return s.verifyJWS(w, r, []byte(body.String()))
}

func (s *Server) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	if parsed.jwk == nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "newAccount requires an embedded jwk")
		return
	}

	var req struct {
		Contact              []string `json:"contact"`
		TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
		OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
	}
	if err := json.Unmarshal(parsed.payload, &req); err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", err.Error())
		return
	}

	print, err := parsed.jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		s.problem(w, http.StatusInternalServerError, acme.ERROR_NS+"serverInternal", err.Error())
		return
	}

	s.mu.Lock()
	acct, exists := s.accounts[string(print)]
	if !exists {
		if req.OnlyReturnExisting {
			s.mu.Unlock()
			s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"accountDoesNotExist",
				"no account registered for this key")
			return
		}
		if !req.TermsOfServiceAgreed {
			s.mu.Unlock()
			s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed",
				"must agree to terms of service")
			return
		}
		acct = &Account{
			URL:     fmt.Sprintf("%s/acct/%d", s.URL, s.newID()),
			Key:     *parsed.jwk,
			Contact: req.Contact,
			Status:  resources.StatusAccountValid,
		}
		s.accounts[string(print)] = acct
	}
	nonce := s.freshNonce()
	s.mu.Unlock()

	status := http.StatusCreated
	if exists {
		status = http.StatusOK
	}
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	w.Header().Set(acme.LOCATION_HEADER, acct.URL)
	s.writeJSON(w, status, map[string]any{
		"status":  acct.Status,
		"contact": acct.Contact,
		"orders":  acct.URL + "/orders",
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	if parsed.account == nil || parsed.account.URL != s.URL+r.URL.Path {
		s.problem(w, http.StatusUnauthorized, acme.ERROR_UNAUTHORIZED,
			"JWS kid does not match the account URL")
		return
	}

	var req struct {
		Contact []string `json:"contact"`
		Status  string   `json:"status"`
	}
	if len(parsed.payload) > 0 {
		if err := json.Unmarshal(parsed.payload, &req); err != nil {
			s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", err.Error())
			return
		}
	}

	s.mu.Lock()
	if req.Contact != nil {
		parsed.account.Contact = req.Contact
	}
	if req.Status == resources.StatusAccountDeactivated {
		parsed.account.Status = resources.StatusAccountDeactivated
	}
	nonce := s.freshNonce()
	s.mu.Unlock()

	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  parsed.account.Status,
		"contact": parsed.account.Contact,
	})
}

func (s *Server) handleKeyChange(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	if parsed.account == nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "keyChange outer JWS requires kid")
		return
	}

	inner, err := jose.ParseSigned(string(parsed.payload), parseAlgs)
	if err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed",
			fmt.Sprintf("keyChange payload is not a JWS: %s", err))
		return
	}
	innerHeader := inner.Signatures[0].Protected
	if innerHeader.JSONWebKey == nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "inner JWS requires an embedded jwk")
		return
	}
	if innerHeader.Nonce != "" {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "inner JWS must not have a nonce")
		return
	}
	wantURL := s.URL + r.URL.Path
	if gotURL, _ := innerHeader.ExtraHeaders["url"].(string); gotURL != wantURL {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed",
			"inner JWS url header does not match keyChange URL")
		return
	}

	innerPayload, err := inner.Verify(innerHeader.JSONWebKey)
	if err != nil {
		s.problem(w, http.StatusUnauthorized, acme.ERROR_UNAUTHORIZED, "inner JWS verification failed")
		return
	}

	var req struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}
	if err := json.Unmarshal(innerPayload, &req); err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", err.Error())
		return
	}
	if req.Account != parsed.account.URL {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed",
			"inner payload account does not match outer kid")
		return
	}

	oldPrint, err := req.OldKey.Thumbprint(crypto.SHA256)
	if err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", err.Error())
		return
	}
	curPrint, _ := parsed.account.Key.Thumbprint(crypto.SHA256)
	if string(oldPrint) != string(curPrint) {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed",
			"inner payload oldKey does not match the registered account key")
		return
	}

	newPrint, err := innerHeader.JSONWebKey.Thumbprint(crypto.SHA256)
	if err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", err.Error())
		return
	}

	s.mu.Lock()
	delete(s.accounts, string(curPrint))
	parsed.account.Key = jose.JSONWebKey{Key: innerHeader.JSONWebKey.Key}
	s.accounts[string(newPrint)] = parsed.account
	nonce := s.freshNonce()
	s.mu.Unlock()

	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": parsed.account.Status})
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	if parsed.account == nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "newOrder requires kid")
		return
	}

	var req struct {
		Identifiers []resources.Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(parsed.payload, &req); err != nil || len(req.Identifiers) == 0 {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "order has no identifiers")
		return
	}

	s.mu.Lock()
	ord := &order{
		id:              fmt.Sprintf("%d", s.newID()),
		status:          resources.StatusOrderPending,
		identifiers:     req.Identifiers,
		processingPolls: 1,
	}
	for _, ident := range req.Identifiers {
		az := &authz{
			id:     fmt.Sprintf("%d", s.newID()),
			status: resources.StatusAuthzPending,
			identifier: resources.Identifier{
				Type:  ident.Type,
				Value: strings.TrimPrefix(ident.Value, "*."),
			},
			wildcard:     strings.HasPrefix(ident.Value, "*."),
			pendingPolls: s.AuthzValidAfterPolls,
		}
		challTypes := []string{acme.CHALLENGE_HTTP01, acme.CHALLENGE_DNS01, acme.CHALLENGE_TLSALPN01}
		if az.wildcard {
			// Wildcards can only be proven over DNS.
			challTypes = []string{acme.CHALLENGE_DNS01}
		}
		for _, typ := range challTypes {
			ch := &challenge{
				id:      fmt.Sprintf("%d", s.newID()),
				typ:     typ,
				token:   randomToken(),
				status:  resources.StatusChallengePending,
				authzID: az.id,
			}
			s.challs[ch.id] = ch
			az.challIDs = append(az.challIDs, ch.id)
		}
		s.authzs[az.id] = az
		ord.authzIDs = append(ord.authzIDs, az.id)
	}
	s.orders[ord.id] = ord
	nonce := s.freshNonce()
	orderJSON := s.orderJSON(ord)
	s.mu.Unlock()

	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	w.Header().Set(acme.LOCATION_HEADER, s.URL+"/order/"+ord.id)
	s.writeJSON(w, http.StatusCreated, orderJSON)
}

// orderJSON renders an order resource. Callers hold s.mu.
func (s *Server) orderJSON(ord *order) map[string]any {
	var authzURLs []string
	for _, id := range ord.authzIDs {
		authzURLs = append(authzURLs, s.URL+"/authz/"+id)
	}
	body := map[string]any{
		"status":         ord.status,
		"identifiers":    ord.identifiers,
		"authorizations": authzURLs,
		"finalize":       s.URL + "/finalize/" + ord.id,
	}
	if ord.status == resources.StatusOrderValid {
		body["certificate"] = s.URL + "/cert/" + ord.id
	}
	return body
}

// refreshOrder recomputes an order's derived status. Callers hold s.mu.
func (s *Server) refreshOrder(ord *order) {
	if ord.status == resources.StatusOrderInvalid || ord.status == resources.StatusOrderValid {
		return
	}
	allValid := true
	for _, id := range ord.authzIDs {
		az := s.authzs[id]
		s.refreshAuthz(az)
		switch az.status {
		case resources.StatusAuthzValid:
		case resources.StatusAuthzInvalid, resources.StatusAuthzDeactivated,
			resources.StatusAuthzExpired, resources.StatusAuthzRevoked:
			ord.status = resources.StatusOrderInvalid
			return
		default:
			allValid = false
		}
	}
	if ord.finalized {
		if ord.processingPolls > 0 {
			ord.processingPolls--
			ord.status = resources.StatusOrderProcessing
		} else {
			ord.status = resources.StatusOrderValid
		}
		return
	}
	if allValid {
		ord.status = resources.StatusOrderReady
	}
}

// refreshAuthz advances an initiated authorization's scripted progression.
// Callers hold s.mu.
func (s *Server) refreshAuthz(az *authz) {
	if !az.initiated || az.status != resources.StatusAuthzPending {
		return
	}
	if az.pendingPolls > 0 {
		az.pendingPolls--
		return
	}
	if s.FailAuthzDetail != "" {
		az.status = resources.StatusAuthzInvalid
		problem := &resources.Problem{
			Type:   acme.ERROR_NS + "dns",
			Detail: s.FailAuthzDetail,
			Status: http.StatusBadRequest,
		}
		az.problem = problem
		for _, id := range az.challIDs {
			if s.challs[id].status == resources.StatusChallengeProcessing {
				s.challs[id].status = resources.StatusChallengeInvalid
				s.challs[id].problem = problem
			}
		}
		return
	}
	az.status = resources.StatusAuthzValid
	for _, id := range az.challIDs {
		if s.challs[id].status == resources.StatusChallengeProcessing {
			s.challs[id].status = resources.StatusChallengeValid
		}
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/order/")

	s.mu.Lock()
	ord, ok := s.orders[id]
	if ok {
		s.refreshOrder(ord)
	}
	nonce := s.freshNonce()
	var body map[string]any
	if ok {
		body = s.orderJSON(ord)
	}
	s.mu.Unlock()

	if !ok {
		s.problem(w, http.StatusNotFound, acme.ERROR_NS+"malformed", "no such order")
		return
	}
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/authz/")

	s.mu.Lock()
	az, ok := s.authzs[id]
	var body map[string]any
	var nonce string
	if ok {
		// Deactivation request.
		var req struct {
			Status string `json:"status"`
		}
		if len(parsed.payload) > 0 {
			_ = json.Unmarshal(parsed.payload, &req)
		}
		if req.Status == resources.StatusAuthzDeactivated {
			az.status = resources.StatusAuthzDeactivated
		} else {
			s.refreshAuthz(az)
		}
		body = s.authzJSON(az)
		nonce = s.freshNonce()
	}
	s.mu.Unlock()

	if !ok {
		s.problem(w, http.StatusNotFound, acme.ERROR_NS+"malformed", "no such authorization")
		return
	}
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	s.writeJSON(w, http.StatusOK, body)
}

// authzJSON renders an authorization resource. Callers hold s.mu.
func (s *Server) authzJSON(az *authz) map[string]any {
	var challs []map[string]any
	for _, id := range az.challIDs {
		ch := s.challs[id]
		challs = append(challs, s.challJSON(ch))
	}
	body := map[string]any{
		"status":     az.status,
		"identifier": az.identifier,
		"challenges": challs,
	}
	if az.wildcard {
		body["wildcard"] = true
	}
	return body
}

// challJSON renders a challenge resource. Callers hold s.mu.
func (s *Server) challJSON(ch *challenge) map[string]any {
	body := map[string]any{
		"type":   ch.typ,
		"url":    s.URL + "/chall/" + ch.id,
		"token":  ch.token,
		"status": ch.status,
	}
	if ch.problem != nil {
		body["error"] = ch.problem
	}
	return body
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/chall/")

	s.mu.Lock()
	ch, ok := s.challs[id]
	var body map[string]any
	var nonce string
	if ok {
		var req struct {
			KeyAuthorization string `json:"keyAuthorization"`
		}
		if len(parsed.payload) > 0 {
			_ = json.Unmarshal(parsed.payload, &req)
		}
		if req.KeyAuthorization != "" {
			s.RecordedKeyAuths = append(s.RecordedKeyAuths, req.KeyAuthorization)
		}
		// A POST with a body initiates validation; a POST-as-GET only reads.
		if len(parsed.payload) > 0 && ch.status == resources.StatusChallengePending {
			ch.status = resources.StatusChallengeProcessing
			s.authzs[ch.authzID].initiated = true
		}
		body = s.challJSON(ch)
		nonce = s.freshNonce()
	}
	s.mu.Unlock()

	if !ok {
		s.problem(w, http.StatusNotFound, acme.ERROR_NS+"malformed", "no such challenge")
		return
	}
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/finalize/")

	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(parsed.payload, &req); err != nil || req.CSR == "" {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"badCSR", "finalize request has no csr")
		return
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"badCSR", "csr is not base64url")
		return
	}

	s.mu.Lock()
	ord, ok := s.orders[id]
	var nonce string
	var body map[string]any
	var issueErr error
	if ok {
		s.refreshOrder(ord)
		if ord.status != resources.StatusOrderReady {
			status := ord.status
			s.mu.Unlock()
			s.problem(w, http.StatusForbidden, acme.ERROR_NS+"orderNotReady",
				fmt.Sprintf("order is status %q, expected %q", status, resources.StatusOrderReady))
			return
		}
		ord.certPEM, issueErr = s.issuer.issueForCSR(csrDER, ord.identifiers)
		if issueErr == nil {
			ord.finalized = true
			s.refreshOrder(ord)
			body = s.orderJSON(ord)
			nonce = s.freshNonce()
		}
	}
	s.mu.Unlock()

	if !ok {
		s.problem(w, http.StatusNotFound, acme.ERROR_NS+"malformed", "no such order")
		return
	}
	if issueErr != nil {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"badCSR", issueErr.Error())
		return
	}
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	w.Header().Set(acme.LOCATION_HEADER, s.URL+"/order/"+ord.id)
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/cert/")

	s.mu.Lock()
	ord, ok := s.orders[id]
	var nonce string
	var chain []byte
	if ok && ord.certPEM != nil {
		chain = ord.certPEM
		nonce = s.freshNonce()
	}
	s.mu.Unlock()

	if chain == nil {
		s.problem(w, http.StatusNotFound, acme.ERROR_NS+"malformed", "no certificate for order")
		return
	}
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	w.Header().Set("Content-Type", acme.PEM_CHAIN_CONTENT_TYPE)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chain)
}

func (s *Server) handleRevokeCert(w http.ResponseWriter, r *http.Request) {
	parsed := s.readJWS(w, r)
	if parsed == nil {
		return
	}

	var req struct {
		Certificate string `json:"certificate"`
	}
	if err := json.Unmarshal(parsed.payload, &req); err != nil || req.Certificate == "" {
		s.problem(w, http.StatusBadRequest, acme.ERROR_NS+"malformed", "revoke request has no certificate")
		return
	}

	s.mu.Lock()
	nonce := s.freshNonce()
	s.mu.Unlock()
	w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
	w.WriteHeader(http.StatusOK)
}
