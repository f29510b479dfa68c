package acmeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
)

// Directory mirrors the subset of RFC 8555 §7.1.1's directory object
// this client drives: account creation, order creation/finalization,
// and the nonce endpoint.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
}

// Client is an ACME account's connection to a directory. The nonce is
// guarded by a mutex ("The ACME client holds a
// sync.Mutex around its nonce across requests to serialize it").
type Client struct {
	HTTP *http.Client

	DirectoryURL string
	Key          *AccountKey
	AccountURL   string // empty until NewAccount has run once

	dir Directory

	mu    sync.Mutex
	nonce string
}

// NewClient fetches the directory document at directoryURL.
func NewClient(ctx context.Context, httpClient *http.Client, directoryURL string, key *AccountKey) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{HTTP: httpClient, DirectoryURL: directoryURL, Key: key}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directoryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: build directory request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: fetch directory: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acmeclient: directory fetch: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&c.dir); err != nil {
		return nil, fmt.Errorf("acmeclient: decode directory: %w", err)
	}
	return c, nil
}

// takeNonce pops the stored nonce, fetching a fresh one via HEAD
// newNonce if none is cached.
func (c *Client) takeNonce(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.nonce != "" {
		n := c.nonce
		c.nonce = ""
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.dir.NewNonce, nil)
	if err != nil {
		return "", fmt.Errorf("acmeclient: build nonce request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("acmeclient: fetch nonce: %w", err)
	}
	defer resp.Body.Close()
	n := resp.Header.Get("Replay-Nonce")
	if n == "" {
		return "", fmt.Errorf("acmeclient: newNonce response missing Replay-Nonce")
	}
	return n, nil
}

// storeNonce saves the Replay-Nonce header off a response for reuse
// by the next request, avoiding a round trip to newNonce.
func (c *Client) storeNonce(resp *http.Response) {
	if n := resp.Header.Get("Replay-Nonce"); n != "" {
		c.mu.Lock()
		c.nonce = n
		c.mu.Unlock()
	}
}

// doSigned signs payload (nil for POST-as-GET) and POSTs it to url.
// On success the caller owns resp.Body and must close it; on error
// (including a >=400 status, reported as *acmeError) the body is
// already drained and closed.
func (c *Client) doSigned(ctx context.Context, url string, payload any) (*http.Response, error) {
	nonce, err := c.takeNonce(ctx)
	if err != nil {
		return nil, err
	}

	header := map[string]any{"nonce": nonce, "url": url}
	if c.AccountURL != "" {
		header["kid"] = c.AccountURL
	} else {
		pub, err := c.Key.jwkPublic()
		if err != nil {
			return nil, err
		}
		header["jwk"] = pub
	}

	body, err := signJWS(c.Key, header, payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("acmeclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/jose+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: do request %s: %w", url, err)
	}
	c.storeNonce(resp)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return resp, &acmeError{Status: resp.StatusCode, Body: raw}
	}
	return resp, nil
}

// post signs payload (nil for POST-as-GET) and POSTs it to url,
// decoding the JSON response body into out (nil to discard it).
// Returns the raw response for callers that need headers (Location,
// Replay-Nonce is already consumed here, Retry-After, Link).
func (c *Client) post(ctx context.Context, url string, payload any, out any) (*http.Response, error) {
	resp, err := c.doSigned(ctx, url, payload)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("acmeclient: decode response from %s: %w", url, err)
		}
	}
	return resp, nil
}

// postForBytes signs a POST-as-GET request and returns the raw
// response body, for endpoints (certificate download) that don't
// return JSON.
func (c *Client) postForBytes(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.doSigned(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: read response from %s: %w", url, err)
	}
	return raw, nil
}

type acmeError struct {
	Status int
	Body   []byte
}

func (e *acmeError) Error() string {
	return fmt.Sprintf("acmeclient: server returned %d: %s", e.Status, string(e.Body))
}

// logf uses bare log.Printf rather than introducing a structured logger.
func logf(format string, args ...any) {
	log.Printf("acmeclient: "+format, args...)
}
