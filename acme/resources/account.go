// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

import (
	"fmt"
)

// Account status values specified by RFC 8555.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
const (
	StatusAccountValid       = "valid"
	StatusAccountDeactivated = "deactivated"
	StatusAccountRevoked     = "revoked"
)

// Account holds information related to a single ACME Account resource. If the
// account has an empty ID it has not yet been created server-side with the
// ACME server using the client.NewAccount function.
//
// The ID field holds the server assigned Account URL from the Location
// header of the newAccount response. It is used as the JWS Key ID for
// authenticating ACME requests with the Account's registered keypair.
//
// The Contact field is either nil or a slice of one or more "mailto:" contact
// addresses.
type Account struct {
	// The server assigned Account URL. This is used for the JWS KeyID when
	// authenticating ACME requests using the Account's registered keypair.
	ID string `json:"-"`
	// The status of the account: one of "valid", "deactivated" or "revoked".
	Status string `json:"status,omitempty"`
	// If not nil, a slice of one or more contact URLs ("mailto:..." addresses).
	Contact []string `json:"contact,omitempty"`
	// Whether the account holder agreed to the server's terms of service.
	TermsOfServiceAgreed bool `json:"termsOfServiceAgreed,omitempty"`
	// If not empty, the URL of the account's orders list.
	Orders string `json:"orders,omitempty"`
}

// String returns the Account's URL or an empty string if it has not been
// created with the ACME server.
func (a Account) String() string {
	return a.ID
}

// NewAccount creates an ACME account in-memory. *Important:* the created
// Account is *not* registered with the ACME server until it is explicitly
// created server-side using a Client instance's NewAccount function.
//
// The emails argument is a slice of zero or more email addresses that should
// be used as the Account's contact information. Each is prefixed with
// a "mailto:" scheme.
func NewAccount(emails []string) *Account {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	return &Account{
		Contact: contacts,
	}
}
