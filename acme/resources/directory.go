package resources

import (
	"fmt"

	"github.com/taoyuan/nacme/acme"
)

// Directory is the ACME server's directory resource: a mapping from
// resource name to endpoint URL, fetched once per client lifetime.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
type Directory struct {
	NewNonce   string        `json:"newNonce"`
	NewAccount string        `json:"newAccount"`
	NewOrder   string        `json:"newOrder"`
	RevokeCert string        `json:"revokeCert"`
	KeyChange  string        `json:"keyChange"`
	Meta       DirectoryMeta `json:"meta"`
}

// DirectoryMeta is the directory's "meta" object.
//
// See https://tools.ietf.org/html/rfc8555#section-9.7.6
type DirectoryMeta struct {
	TermsOfService          string   `json:"termsOfService,omitempty"`
	Website                 string   `json:"website,omitempty"`
	CAAIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// EndpointURL looks up the URL for a known directory resource name. Unknown
// names and names the server's directory left empty are errors.
func (d *Directory) EndpointURL(name string) (string, error) {
	var url string
	switch name {
	case acme.NEW_NONCE_ENDPOINT:
		url = d.NewNonce
	case acme.NEW_ACCOUNT_ENDPOINT:
		url = d.NewAccount
	case acme.NEW_ORDER_ENDPOINT:
		url = d.NewOrder
	case acme.REVOKE_CERT_ENDPOINT:
		url = d.RevokeCert
	case acme.KEY_CHANGE_ENDPOINT:
		url = d.KeyChange
	default:
		return "", fmt.Errorf("unknown directory resource %q", name)
	}
	if url == "" {
		return "", fmt.Errorf("ACME server directory has no %q entry", name)
	}
	return url, nil
}
