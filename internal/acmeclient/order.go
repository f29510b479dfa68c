package acmeclient

import (
	"context"
	"encoding/base64"
)

type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type orderRequest struct {
	Identifiers []Identifier `json:"identifiers"`
}

// Order mirrors RFC 8555 §7.1.3.
type Order struct {
	Status         string       `json:"status"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`

	URL string `json:"-"` // populated from the response's Location header
}

// NewOrder creates an order with one DNS identifier per FQDN.
func (c *Client) NewOrder(ctx context.Context, fqdns []string) (Order, error) {
	req := orderRequest{}
	for _, f := range fqdns {
		req.Identifiers = append(req.Identifiers, Identifier{Type: "dns", Value: f})
	}
	var order Order
	resp, err := c.post(ctx, c.dir.NewOrder, req, &order)
	if err != nil {
		return Order{}, err
	}
	order.URL = resp.Header.Get("Location")
	return order, nil
}

// GetOrder polls an order's current state via POST-as-GET.
func (c *Client) GetOrder(ctx context.Context, orderURL string) (Order, error) {
	var order Order
	_, err := c.post(ctx, orderURL, nil, &order)
	if err != nil {
		return Order{}, err
	}
	order.URL = orderURL
	return order, nil
}

// Challenge mirrors RFC 8555 §8's challenge object.
type Challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Token  string `json:"token"`
}

// Authorization mirrors RFC 8555 §7.1.4.
type Authorization struct {
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Challenges []Challenge `json:"challenges"`
}

// GetAuthorization fetches one authorization object.
func (c *Client) GetAuthorization(ctx context.Context, authURL string) (Authorization, error) {
	var auth Authorization
	if _, err := c.post(ctx, authURL, nil, &auth); err != nil {
		return Authorization{}, err
	}
	return auth, nil
}

// DNS01Challenge returns the authorization's dns-01 challenge, if any.
func (a Authorization) DNS01Challenge() (Challenge, bool) {
	for _, ch := range a.Challenges {
		if ch.Type == "dns-01" {
			return ch, true
		}
	}
	return Challenge{}, false
}

// AcceptChallenge tells the server the client is ready for it to
// validate the challenge ("accept_challenge(url)"). The
// request body is an empty JSON object, per RFC 8555 §7.5.1.
func (c *Client) AcceptChallenge(ctx context.Context, challengeURL string) error {
	_, err := c.post(ctx, challengeURL, struct{}{}, nil)
	return err
}

type finalizeRequest struct {
	CSR string `json:"csr"`
}

// FinalizeOrder submits the CSR once every authorization is valid
// ("valid (authorizations complete, ready for CSR) ->
// finalizeOrder").
func (c *Client) FinalizeOrder(ctx context.Context, order Order, csrDER []byte) error {
	req := finalizeRequest{CSR: base64.RawURLEncoding.EncodeToString(csrDER)}
	_, err := c.post(ctx, order.Finalize, req, nil)
	return err
}

// DownloadCertificate fetches the PEM certificate chain at certURL, the
// order's Certificate URL; the renewal loop calls it once the order's
// status is "ready" and Certificate is set.
func (c *Client) DownloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	return c.postForBytes(ctx, certURL)
}
