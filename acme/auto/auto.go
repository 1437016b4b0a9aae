package auto

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/client"
	"github.com/taoyuan/nacme/acme/keys"
	"github.com/taoyuan/nacme/acme/resources"
)

// ChallengeFn is the signature of the user-supplied challenge provisioning
// callbacks. The create callback publishes the challenge response (the key
// authorization for http-01, its hashed form for dns-01) before the server
// is asked to validate; the remove callback tears it down afterwards.
type ChallengeFn func(authz *resources.Authorization, chall *resources.Challenge, keyAuth string) error

// Options configures an Auto run.
type Options struct {
	// The PEM encoded CSR to finalize the order with. The order's
	// identifiers are derived from its common name and SANs. Mandatory.
	CSR []byte
	// An optional email address registered as the account contact when an
	// account is created.
	Email string
	// Whether the caller agrees to the CA's terms of service. Account
	// creation fails without it.
	TermsOfServiceAgreed bool
	// The challenge types the caller can satisfy, most preferred first.
	// Wildcard identifiers always use dns-01 regardless of this list.
	ChallengePriority []string
	// ChallengeCreateFn publishes a challenge response. Awaited to
	// completion before the server is told to validate. Mandatory.
	ChallengeCreateFn ChallengeFn
	// ChallengeRemoveFn removes a published challenge response. It runs for
	// every identifier whose create callback ran, regardless of outcome;
	// errors are logged and not propagated. Mandatory.
	ChallengeRemoveFn ChallengeFn
	// Skip the client-side pre-validation of provisioned challenge
	// responses.
	SkipChallengeVerification bool
	// The "host:port" of a DNS resolver used for dns-01 pre-validation TXT
	// lookups. Empty selects the system resolver.
	VerifyResolver string
	// Ports dialed during http-01 and tls-alpn-01 pre-validation. Zero
	// selects the protocol defaults (80 and 443).
	HTTPPort    int
	TLSALPNPort int
}

func (opts *Options) normalize() error {
	if len(opts.CSR) == 0 {
		return acme.ConfigError{Field: "CSR", Detail: "must not be empty"}
	}
	if opts.ChallengeCreateFn == nil {
		return acme.ConfigError{Field: "ChallengeCreateFn", Detail: "must not be nil"}
	}
	if opts.ChallengeRemoveFn == nil {
		return acme.ConfigError{Field: "ChallengeRemoveFn", Detail: "must not be nil"}
	}
	if len(opts.ChallengePriority) == 0 {
		opts.ChallengePriority = []string{acme.CHALLENGE_HTTP01, acme.CHALLENGE_DNS01}
	}
	if opts.HTTPPort == 0 {
		opts.HTTPPort = 80
	}
	if opts.TLSALPNPort == 0 {
		opts.TLSALPNPort = 443
	}
	return nil
}

// Auto obtains a certificate for the identifiers named by the CSR. It
// creates or finds the account, creates an order, satisfies every pending
// authorization using the configured challenge callbacks, finalizes the
// order with the CSR, and downloads the issued PEM chain.
//
// On failure the error of the failing step is returned as that step
// produced it; a failing create callback's error is wrapped with the
// identifier it was provisioning. The error is not annotated with the name
// of the failing stage. Challenge cleanup callbacks run for every identifier that was
// provisioned, even when an earlier failure or cancellation short-circuits
// the flow.
func Auto(ctx context.Context, c *client.Client, opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	if err := ensureAccount(ctx, c, opts); err != nil {
		return nil, err
	}

	identifiers, err := csrIdentifiers(opts.CSR)
	if err != nil {
		return nil, err
	}

	order := &resources.Order{Identifiers: identifiers}
	if err := c.NewOrder(ctx, order); err != nil {
		return nil, err
	}

	if err := completeAuthorizations(ctx, c, order, opts); err != nil {
		return nil, err
	}

	if err := waitOrderReady(ctx, c, order); err != nil {
		return nil, err
	}

	csrDER, err := csrDERBytes(opts.CSR)
	if err != nil {
		return nil, err
	}
	if err := c.FinalizeOrder(ctx, order, csrDER); err != nil {
		return nil, err
	}

	if err := waitOrderValid(ctx, c, order); err != nil {
		return nil, err
	}

	chain, err := c.DownloadCertificate(ctx, order)
	if err != nil {
		return nil, err
	}
	log.Printf("Downloaded certificate chain for order %q\n", order.ID)
	return chain, nil
}

// ensureAccount validates a pre-configured account URL or registers an
// account for the client's key. A server replying 200 to newAccount (the
// key is already registered) is treated the same as a fresh 201.
func ensureAccount(ctx context.Context, c *client.Client, opts Options) error {
	if c.AccountURL() != "" {
		acct := &resources.Account{ID: c.AccountURL()}
		if err := c.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return nil
	}

	var emails []string
	if opts.Email != "" {
		emails = []string{opts.Email}
	}
	acct := resources.NewAccount(emails)
	acct.TermsOfServiceAgreed = opts.TermsOfServiceAgreed
	return c.NewAccount(ctx, acct)
}

// csrIdentifiers derives the order's dns identifiers from the CSR: the
// common name first, then the SANs, deduplicated with order preserved.
func csrIdentifiers(csrPEM []byte) ([]resources.Identifier, error) {
	domains, err := keys.ParseCSRDomains(csrPEM)
	if err != nil {
		return nil, acme.ConfigError{Field: "CSR", Detail: err.Error()}
	}

	var identifiers []resources.Identifier
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		identifiers = append(identifiers, resources.Identifier{Type: "dns", Value: name})
	}
	add(domains.CommonName)
	for _, name := range domains.AltNames {
		add(name)
	}

	if len(identifiers) == 0 {
		return nil, acme.ConfigError{Field: "CSR", Detail: "no identifiers found in CSR"}
	}
	return identifiers, nil
}

func csrDERBytes(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, acme.ConfigError{Field: "CSR", Detail: "no CERTIFICATE REQUEST PEM block found"}
	}
	return block.Bytes, nil
}

// completeAuthorizations fetches every authorization of the order and
// satisfies the pending ones concurrently, fanning in before returning.
// The first failure wins; its siblings are cancelled and still run their
// cleanup callbacks.
func completeAuthorizations(ctx context.Context, c *client.Client, order *resources.Order, opts Options) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, authzURL := range order.Authorizations {
		g.Go(func() error {
			authz := &resources.Authorization{ID: authzURL}
			if err := c.GetAuthorization(gctx, authz); err != nil {
				return err
			}
			return solveAuthorization(gctx, c, authz, opts)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil && !errors.As(err, &acme.CancelledError{}) {
		return acme.CancelledError{Err: err}
	}
	return err
}

// solveAuthorization runs one authorization through its challenge state
// machine: select a challenge, provision it, pre-validate, tell the server
// to validate, and poll until the authorization is valid or invalid. The
// remove callback runs on every exit path once the create callback ran.
func solveAuthorization(ctx context.Context, c *client.Client, authz *resources.Authorization, opts Options) error {
	switch authz.Status {
	case resources.StatusAuthzValid:
		// Already authorized, nothing to prove.
		return nil
	case resources.StatusAuthzPending:
	default:
		return acme.StateError{
			Resource: "authorization",
			URL:      authz.ID,
			Status:   authz.Status,
		}
	}

	chall, err := selectChallenge(authz, opts.ChallengePriority)
	if err != nil {
		return err
	}

	keyAuth := keys.KeyAuth(c.Signer(), chall.Token)

	// Cleanup must run for every identifier whose create callback ran, even
	// when the create itself failed partway through.
	created := false
	defer func() {
		if !created {
			return
		}
		if err := opts.ChallengeRemoveFn(authz, chall, keyAuth); err != nil {
			log.Printf("Error removing %q challenge response for %q: %v",
				chall.Type, authz.Identifier.Value, err)
		}
	}()

	created = true
	if err := opts.ChallengeCreateFn(authz, chall, keyAuth); err != nil {
		return fmt.Errorf("challenge create callback for %q failed: %w",
			authz.Identifier.Value, err)
	}

	if !opts.SkipChallengeVerification {
		if err := verifyChallenge(ctx, c, authz, chall, keyAuth, opts); err != nil {
			return err
		}
	}

	if err := c.CompleteChallenge(ctx, chall, keyAuth); err != nil {
		return err
	}

	return waitAuthorizationValid(ctx, c, authz)
}

// selectChallenge picks the challenge to solve: the highest-priority type
// offered by the server, except that wildcard identifiers must use dns-01.
func selectChallenge(authz *resources.Authorization, priority []string) (*resources.Challenge, error) {
	byType := map[string]*resources.Challenge{}
	for i := range authz.Challenges {
		byType[authz.Challenges[i].Type] = &authz.Challenges[i]
	}

	if authz.Wildcard || acme.IsWildcardDomain(authz.Identifier.Value) {
		if chall, ok := byType[acme.CHALLENGE_DNS01]; ok {
			return chall, nil
		}
		return nil, acme.StateError{
			Resource: "authorization",
			URL:      authz.ID,
			Status:   authz.Status,
			Detail: fmt.Sprintf("wildcard identifier %q requires a %q challenge but the server offered none",
				authz.Identifier.Value, acme.CHALLENGE_DNS01),
		}
	}

	for _, challType := range priority {
		if chall, ok := byType[challType]; ok {
			return chall, nil
		}
	}
	return nil, acme.StateError{
		Resource: "authorization",
		URL:      authz.ID,
		Status:   authz.Status,
		Detail: fmt.Sprintf("no challenge offered for %q matches the priority list %v",
			authz.Identifier.Value, priority),
	}
}

// waitAuthorizationValid polls the authorization until it leaves the
// pending state. An invalid authorization aborts the polling
// and surfaces the server-reported challenge error.
func waitAuthorizationValid(ctx context.Context, c *client.Client, authz *resources.Authorization) error {
	opts := RetryOptions{Attempts: c.BackoffAttempts, Min: c.BackoffMin, Max: c.BackoffMax}
	return Retry(ctx, opts, func(abort func()) error {
		if err := c.GetAuthorization(ctx, authz); err != nil {
			return err
		}
		switch authz.Status {
		case resources.StatusAuthzValid:
			return nil
		case resources.StatusAuthzPending:
			return fmt.Errorf("authorization %q is status %q", authz.ID, authz.Status)
		default:
			abort()
			return acme.StateError{
				Resource: "authorization",
				URL:      authz.ID,
				Status:   authz.Status,
				Detail:   authzErrorDetail(authz),
			}
		}
	})
}

// authzErrorDetail digs the server-reported failure reason out of the
// authorization's challenges.
func authzErrorDetail(authz *resources.Authorization) string {
	for _, chall := range authz.Challenges {
		if chall.Error != nil {
			return chall.Error.Detail
		}
	}
	return ""
}

// waitOrderReady polls the order until every authorization has been
// validated and it is ready to finalize. Orders that are already further
// along (a re-run against completed authorizations) pass through.
func waitOrderReady(ctx context.Context, c *client.Client, order *resources.Order) error {
	opts := RetryOptions{Attempts: c.BackoffAttempts, Min: c.BackoffMin, Max: c.BackoffMax}
	return Retry(ctx, opts, func(abort func()) error {
		if err := c.GetOrder(ctx, order); err != nil {
			return err
		}
		switch order.Status {
		case resources.StatusOrderReady, resources.StatusOrderProcessing, resources.StatusOrderValid:
			return nil
		case resources.StatusOrderPending:
			return fmt.Errorf("order %q is status %q", order.ID, order.Status)
		default:
			abort()
			return acme.StateError{
				Resource: "order",
				URL:      order.ID,
				Status:   order.Status,
				Detail:   orderErrorDetail(order),
			}
		}
	})
}

// waitOrderValid polls a finalized order until the certificate has been
// issued.
func waitOrderValid(ctx context.Context, c *client.Client, order *resources.Order) error {
	opts := RetryOptions{Attempts: c.BackoffAttempts, Min: c.BackoffMin, Max: c.BackoffMax}
	return Retry(ctx, opts, func(abort func()) error {
		if err := c.GetOrder(ctx, order); err != nil {
			return err
		}
		switch order.Status {
		case resources.StatusOrderValid:
			return nil
		case resources.StatusOrderReady, resources.StatusOrderProcessing:
			return fmt.Errorf("order %q is status %q", order.ID, order.Status)
		default:
			abort()
			return acme.StateError{
				Resource: "order",
				URL:      order.ID,
				Status:   order.Status,
				Detail:   orderErrorDetail(order),
			}
		}
	})
}

func orderErrorDetail(order *resources.Order) string {
	if order.Error != nil {
		return order.Error.Detail
	}
	return ""
}
