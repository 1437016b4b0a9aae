// Package acme provides ACME protocol constants and error types. See RFC 8555.
package acme

import "encoding/asn1"

const (
	// Directory constants
	// See https://tools.ietf.org/html/rfc8555#section-9.7.5

	// The ACME directory key for the newNonce endpoint
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	REVOKE_CERT_ENDPOINT = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KEY_CHANGE_ENDPOINT = "keyChange"
	// The ACME directory key for the meta object. Not an endpoint but reserved
	// alongside them in the directory resource.
	META_KEY = "meta"

	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-9.3
	REPLAY_NONCE_HEADER = "Replay-Nonce"
	// The HTTP response header used by ACME to communicate the URL of a newly
	// created resource.
	LOCATION_HEADER = "Location"
	// The HTTP response header servers may use to pace client polling.
	RETRY_AFTER_HEADER = "Retry-After"

	// The required Content-Type for all JWS POST requests. See
	// https://tools.ietf.org/html/rfc8555#section-6.2
	JOSE_CONTENT_TYPE = "application/jose+json"
	// The media type of a downloaded certificate chain. See
	// https://tools.ietf.org/html/rfc8555#section-7.4.2
	PEM_CHAIN_CONTENT_TYPE = "application/pem-certificate-chain"

	// Challenge types specified by RFC 8555 and RFC 8737.
	CHALLENGE_HTTP01    = "http-01"
	CHALLENGE_DNS01     = "dns-01"
	CHALLENGE_TLSALPN01 = "tls-alpn-01"

	// The well-known path prefix where http-01 challenge responses are served.
	// See https://tools.ietf.org/html/rfc8555#section-8.3
	HTTP01_WELL_KNOWN_PREFIX = "/.well-known/acme-challenge/"
	// The DNS label prefixed to an identifier for dns-01 TXT records. See
	// https://tools.ietf.org/html/rfc8555#section-8.4
	DNS01_LABEL = "_acme-challenge."
	// The ALPN protocol identifier used by tls-alpn-01. See RFC 8737.
	TLSALPN01_PROTOCOL = "acme-tls/1"

	// The namespace prefix for ACME problem document types. See
	// https://tools.ietf.org/html/rfc8555#section-6.7
	ERROR_NS = "urn:ietf:params:acme:error:"

	ERROR_BAD_NONCE            = ERROR_NS + "badNonce"
	ERROR_USER_ACTION_REQUIRED = ERROR_NS + "userActionRequired"
	ERROR_RATE_LIMITED         = ERROR_NS + "rateLimited"
	ERROR_UNAUTHORIZED         = ERROR_NS + "unauthorized"
)

// Directory URLs for the Let's Encrypt ACME environments. Any other
// RFC 8555 compliant directory URL may be used instead.
const (
	LETS_ENCRYPT_PRODUCTION = "https://acme-v02.api.letsencrypt.org/directory"
	LETS_ENCRYPT_STAGING    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// The id-pe-acmeIdentifier extension OID (1.3.6.1.5.5.7.1.31) carried by
// tls-alpn-01 validation certificates. See RFC 8737 Section 3.
var IDPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}
