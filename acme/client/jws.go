package client

import (
	"crypto"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/taoyuan/nacme/acme/keys"
)

// parseAlgs are the signature algorithms accepted when reparsing our own
// serialized JWS.
var parseAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

// SigningOptions allows specifying signature related options when calling
// the Client's Sign function.
type SigningOptions struct {
	// If true, embed the signing key's public component as a JWK in the JWS
	// protected header instead of using a KeyID header. This is required for
	// newAccount requests and for the inner JWS of a key rollover.
	// Setting EmbedKey to true is mutually exclusive with a non-empty KeyID.
	EmbedKey bool
	// If not-empty, a KeyID value to use for the JWS Key ID header to
	// identify the ACME account. If empty the Client's account URL is used.
	// Providing a KeyID is mutually exclusive with setting EmbedKey to true.
	KeyID string
	// If not-nil, the private key used to sign the JWS. If nil the Client's
	// account key is used.
	Signer crypto.Signer
	// If true the protected header carries no "nonce". The inner JWS of
	// a key rollover request MUST NOT have a nonce.
	// See https://tools.ietf.org/html/rfc8555#section-7.3.5
	OmitNonce bool
	// NonceSource provides the anti-replay nonce for the protected header.
	// If nil the Client's nonce pool is used.
	NonceSource jose.NonceSource
}

// validate checks that the SigningOptions are sensible. This enforces the
// mutually exclusive KeyID and EmbedKey options and ensures that the
// Signer is not nil and that a NonceSource is set unless OmitNonce is true.
// Because it checks that the Signer
// field is not nil it must only be called after populating defaults.
func (opts *SigningOptions) validate() error {
	if opts.KeyID != "" && opts.EmbedKey {
		return fmt.Errorf("SigningOptions validate: cannot specify both KeyID and EmbedKey")
	}
	if opts.KeyID == "" && !opts.EmbedKey {
		return fmt.Errorf("SigningOptions validate: you must specify a KeyID or EmbedKey")
	}
	if opts.NonceSource == nil && !opts.OmitNonce {
		return fmt.Errorf("SigningOptions validate: you must specify a NonceSource")
	}
	if opts.Signer == nil {
		return fmt.Errorf("SigningOptions validate: you must specify a private key")
	}
	return nil
}

// SignResult holds the input and output from a Sign operation.
type SignResult struct {
	// The url argument given to Sign.
	InputURL string
	// The data argument given to sign.
	InputData []byte
	// The JWS produced by signing the given data.
	JWS *jose.JSONWebSignature
	// The JWS in serialized form.
	SerializedJWS []byte
}

// Sign produces a SignResult by signing the provided data with a protected
// "url" header according to the SigningOptions provided. If no Signer is
// specified in the SigningOptions then the Client's account key is used. If
// the SigningOptions specify not to embed a JWK but no Key ID, the Client's
// account URL is used as the JWS Key ID. If the SigningOptions do not
// specify an explicit NonceSource the Client's nonce pool is used.
func (c *Client) Sign(url string, data []byte, opts *SigningOptions) (*SignResult, error) {
	if opts == nil {
		opts = &SigningOptions{}
	}
	if opts.Signer == nil {
		opts.Signer = c.Signer()
	}

	// If there is no request to embed a JWK in the options and there is no
	// explicit KeyID provided use the account URL as the KeyID.
	if !opts.EmbedKey && opts.KeyID == "" {
		if c.AccountURL() == "" {
			return nil, errors.New(
				"SigningOptions EmbedKey was false, no KeyID was specified, and " +
					"the client has no account URL")
		}
		opts.KeyID = c.AccountURL()
	}

	// If there is no explicit NonceSource specified, use the client's pool.
	if opts.NonceSource == nil && !opts.OmitNonce {
		opts.NonceSource = c
	}

	// Now that the defaults are populated check that the resulting options
	// are valid.
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.EmbedKey {
		return signEmbedded(url, data, *opts)
	}
	return signKeyID(url, data, *opts)
}

func signEmbedded(url string, data []byte, opts SigningOptions) (*SignResult, error) {
	signingKey := jose.SigningKey{
		Key:       opts.Signer,
		Algorithm: keys.SigAlg(opts.Signer),
	}

	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		NonceSource: opts.NonceSource,
		EmbedJWK:    true,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	})
	if err != nil {
		return nil, err
	}

	return sign(signer, url, data)
}

func signKeyID(url string, data []byte, opts SigningOptions) (*SignResult, error) {
	if opts.KeyID == "" {
		return nil, fmt.Errorf("sign: empty KeyID")
	}

	signerKey := keys.SigningKeyForSigner(opts.Signer, opts.KeyID)

	joseOpts := &jose.SignerOptions{
		NonceSource: opts.NonceSource,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signer, err := jose.NewSigner(signerKey, joseOpts)
	if err != nil {
		return nil, err
	}

	return sign(signer, url, data)
}

func sign(signer jose.Signer, url string, data []byte) (*SignResult, error) {
	signed, err := signer.Sign(data)
	if err != nil {
		return nil, err
	}

	serialized := []byte(signed.FullSerialize())

	// Reparse the serialized body to get a fully populated JWS object
	var parsedJWS *jose.JSONWebSignature
	parsedJWS, err = jose.ParseSigned(string(serialized), parseAlgs)
	if err != nil {
		return nil, err
	}

	return &SignResult{
		InputURL:      url,
		InputData:     data,
		JWS:           parsedJWS,
		SerializedJWS: serialized,
	}, nil
}
