package acmeclient

import (
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"

	"github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509util"
)

// NewCertificateKey generates the ECDSA P-256 keypair the issued leaf
// certificate will use, independent of the ACME account key.
func NewCertificateKey() (*AccountKey, error) {
	return NewAccountKey()
}

// BuildCSR builds a PKCS#10 CSR DER for the given names, the form
// finalize (RFC 8555 §7.4) expects base64url-encoded in the "csr"
// field.
func BuildCSR(key *AccountKey, names []string) ([]byte, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("acmeclient: csr requires at least one dns name")
	}
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key.Private)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: create csr: %w", err)
	}
	return der, nil
}

// ParseCertificateChain parses a PEM chain as returned by the
// certificate download endpoint (RFC 8555 §7.4.2), leaf first.
func ParseCertificateChain(pemChain []byte) ([]*x509.Certificate, error) {
	pool := x509util.NewPEMCertPool()
	var certs []*x509.Certificate
	rest := pemChain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("acmeclient: parse certificate: %w", err)
		}
		certs = append(certs, cert)
		pool.AddCert(cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("acmeclient: no certificates found in chain")
	}
	return certs, nil
}
