package acmeclient

import "context"

type accountRequest struct {
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	Contact              []string `json:"contact,omitempty"`
}

type accountResponse struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
}

// Register creates (or, per RFC 8555 §7.3, recovers the existing URL
// for) the client's account. Must run before any other request, since
// every later request signs with kid = AccountURL.
func (c *Client) Register(ctx context.Context, contacts []string) error {
	req := accountRequest{TermsOfServiceAgreed: true, Contact: contacts}
	var resp accountResponse
	httpResp, err := c.post(ctx, c.dir.NewAccount, req, &resp)
	if err != nil {
		return err
	}
	loc := httpResp.Header.Get("Location")
	if loc == "" {
		return &acmeError{Status: httpResp.StatusCode, Body: []byte("newAccount response missing Location")}
	}
	c.AccountURL = loc
	logf("registered account %s", loc)
	return nil
}
