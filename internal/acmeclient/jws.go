package acmeclient

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// jwsEnvelope is the RFC 7515 flattened JSON serialization ACME (RFC
// 8555 §6.2) requires: "protected", "payload", "signature", no
// "signatures" array. jwx/v2/jws's Sign option surface for injecting
// the per-request "nonce"/"url"/"kid" protected-header fields varies
// across its minor versions in ways this module cannot verify without
// a compiler; the envelope shape itself is three base64url fields and
// a signature over their concatenation, so it is assembled directly
// against encoding/json and crypto/ecdsa (see DESIGN.md). jwk is still
// used for JWK marshaling and thumbprinting (eckey.go).
type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// signJWS builds and signs a single ACME request body. header must
// already carry either "jwk" (first request) or "kid" (every request
// after), plus "nonce" and "url"; signJWS adds "alg".
func signJWS(key *AccountKey, header map[string]any, payload any) ([]byte, error) {
	header["alg"] = "ES256"
	protectedJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: marshal protected header: %w", err)
	}

	var payloadB64 string
	if payload == nil {
		// POST-as-GET requests use an empty payload string, not "{}".
		payloadB64 = ""
	} else {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("acmeclient: marshal payload: %w", err)
		}
		payloadB64 = b64url(payloadJSON)
	}

	protectedB64 := b64url(protectedJSON)
	signingInput := protectedB64 + "." + payloadB64

	sum := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key.Private, sum[:])
	if err != nil {
		return nil, fmt.Errorf("acmeclient: sign jws: %w", err)
	}
	sig := rawSignature(r, s, 32)

	env := jwsEnvelope{
		Protected: protectedB64,
		Payload:   payloadB64,
		Signature: b64url(sig),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: marshal jws envelope: %w", err)
	}
	return out, nil
}

// keyAuthorization computes the DNS-01 TXT value's preimage: the
// challenge token concatenated with the base64url SHA-256 JWK
// thumbprint (/GLOSSARY "Key authorization").
func keyAuthorization(key *AccountKey, token string) (string, error) {
	thumb, err := key.Thumbprint()
	if err != nil {
		return "", err
	}
	return token + "." + thumb, nil
}

// DNS01TXTValue computes the TXT record value published for a DNS-01
// challenge: the base64url SHA-256 digest of the key authorization
// ("standard RFC 8555 §8.4").
func DNS01TXTValue(key *AccountKey, token string) (string, error) {
	ka, err := keyAuthorization(key, token)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(ka))
	return b64url(sum[:]), nil
}
