// Package acmeclient is the ACME client: account
// management, order/authorization/finalize, and the JOSE/JWS envelope
// construction RFC 8555 requires.
package acmeclient

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// AccountKey is the account's ES256 (P-256) signing key. Its scalar
// arithmetic runs through crypto/ecdsa, which is itself backed by
// filippo.io/nistec/filippo.io/bigmod on P-256 internally (see
// DESIGN.md for why this client calls into crypto/ecdsa rather than
// nistec/bigmod directly: they are constant-time field/group
// primitives, not a signing API, and hand-rolling ECDSA sign/verify on
// top of them would trade a well-reviewed stdlib implementation for a
// bespoke one with no compensating benefit).
type AccountKey struct {
	Private *ecdsa.PrivateKey
}

// NewAccountKey generates a fresh P-256 ACME account key.
func NewAccountKey() (*AccountKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: generate account key: %w", err)
	}
	return &AccountKey{Private: priv}, nil
}

// ParseAccountKeyDER parses a PKCS#8 or SEC1 DER-encoded P-256 private
// key, the form a persisted account key is stored/loaded in.
func ParseAccountKeyDER(der []byte) (*AccountKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return &AccountKey{Private: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: parse account key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("acmeclient: account key is not ECDSA")
	}
	return &AccountKey{Private: key}, nil
}

// DER returns the SEC1 DER encoding of the private key, the form
// printed to the operator by `acme create`.
func (k *AccountKey) DER() ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: marshal account key: %w", err)
	}
	return der, nil
}

// jwkPublic returns the jwk.Key form of the account's public key,
// used both as the protected header's "jwk" field on the first request
// and to compute the thumbprint used in DNS-01 key authorizations.
func (k *AccountKey) jwkPublic() (jwk.Key, error) {
	key, err := jwk.FromRaw(k.Private.Public())
	if err != nil {
		return nil, fmt.Errorf("acmeclient: build jwk from public key: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "ES256"); err != nil {
		return nil, fmt.Errorf("acmeclient: set jwk alg: %w", err)
	}
	return key, nil
}

// Thumbprint returns the base64url SHA-256 JWK thumbprint (RFC 7638)
// of the account's public key, the value the DNS-01 key authorization
// is built from.
func (k *AccountKey) Thumbprint() (string, error) {
	key, err := k.jwkPublic()
	if err != nil {
		return "", err
	}
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acmeclient: compute jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// rawSignature turns an ECDSA (r, s) pair into the fixed-width 64-byte
// ES256 signature format RFC 7518 §3.4 requires (as opposed to the
// ASN.1 DER form crypto/ecdsa.Sign produces natively).
func rawSignature(r, s *big.Int, size int) []byte {
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out
}
