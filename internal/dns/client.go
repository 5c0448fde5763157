// Package dns provisions SRV records at an external registrar over
// HTTPS+JSON, strictly and idempotently, in the envelope-checking idiom
// the control plane's earlier Cloudflare client used — repointed at a
// Porkbun-shaped API where every request body carries the API/secret
// key pair rather than a bearer token.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/tidwall/gjson"
)

const (
	defaultBaseURL = "https://api.porkbun.com/api/json/v3"
	defaultTimeout = 30 * time.Second
)

// Client talks to the registrar on behalf of the DNS provisioner.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey, secretKey string) *Client {
	return &Client{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Record mirrors the registrar's DNS record shape.
type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	TTL     string `json:"ttl"`
	Prio    string `json:"prio"`
}

type recordsResponse struct {
	Status  string   `json:"status"`
	Records []Record `json:"records"`
}

type createResponse struct {
	Status string `json:"status"`
	ID     int64  `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// CreateSRV creates `_minecraft._tcp.<subdomain>` -> "0 5 <port> <target>"
// and returns the new record id. Strict: any failure is returned as an
// error, with no silent fallback.
func (c *Client) CreateSRV(ctx context.Context, domain, subdomain string, port int, target string, ttl int) (string, error) {
	subdomain = stripDomainSuffix(subdomain, domain)
	target = ensureTrailingDot(target)
	name := srvName(subdomain)

	payload := map[string]any{
		"apikey":       c.apiKey,
		"secretapikey": c.secretKey,
		"name":         name,
		"type":         "SRV",
		"content":      fmt.Sprintf("0 5 %d %s", port, target),
		"ttl":          fmt.Sprintf("%d", ttl),
	}

	path := fmt.Sprintf("/dns/create/%s", domain)
	raw, err := c.do(ctx, path, payload)
	if err != nil {
		return "", err
	}

	var resp createResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errkind.Wrap(errkind.ExternalUnavailable, "decoding create-srv response", err)
	}
	return fmt.Sprintf("%d", resp.ID), nil
}

// DeleteSRV lists records, selects those with type SRV and a name
// matching the subdomain's service label, and deletes each. Returns true
// iff at least one record was deleted; calling it twice on an already
// absent record is not an error, just a false result.
func (c *Client) DeleteSRV(ctx context.Context, domain, subdomain string) (bool, error) {
	subdomain = stripDomainSuffix(subdomain, domain)
	wantName := srvName(subdomain) + "." + domain

	records, err := c.ListRecords(ctx, domain)
	if err != nil {
		return false, err
	}

	deleted := false
	for _, rec := range records {
		if rec.Type != "SRV" || rec.Name != wantName {
			continue
		}
		if err := c.deleteByID(ctx, domain, rec.ID); err != nil {
			return deleted, err
		}
		deleted = true
	}
	return deleted, nil
}

func (c *Client) deleteByID(ctx context.Context, domain, id string) error {
	payload := map[string]any{
		"apikey":       c.apiKey,
		"secretapikey": c.secretKey,
	}
	path := fmt.Sprintf("/dns/delete/%s/%s", domain, id)
	raw, err := c.do(ctx, path, payload)
	if err != nil {
		return err
	}
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "decoding delete response", err)
	}
	return nil
}

func (c *Client) ListRecords(ctx context.Context, domain string) ([]Record, error) {
	payload := map[string]any{
		"apikey":       c.apiKey,
		"secretapikey": c.secretKey,
	}
	path := fmt.Sprintf("/dns/retrieve/%s", domain)
	raw, err := c.do(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	var resp recordsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "decoding records response", err)
	}
	return resp.Records, nil
}

func (c *Client) GetRecord(ctx context.Context, domain, id string) (*Record, error) {
	records, err := c.ListRecords(ctx, domain)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, errkind.New(errkind.Conflict, "record not found")
}

// do executes an HTTPS+JSON request and inspects the raw envelope with
// gjson before typed decoding: the registrar sometimes returns a bare
// string `status` field ("ERROR") with no structured error list, which
// doesn't fit any single typed struct across every endpoint. The whole
// round trip runs under the package's standard retry policy, so a
// transient registrar outage doesn't surface as a create/delete failure.
func (c *Client) do(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "marshaling request", err)
	}

	var raw []byte
	err = errkind.Retry(ctx, errkind.DefaultRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return errkind.Wrap(errkind.Internal, "building request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.ExternalUnavailable, "registrar request failed", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return errkind.Wrap(errkind.ExternalUnavailable, "reading registrar response", err)
		}

		if resp.StatusCode >= 500 {
			return errkind.Wrap(errkind.ExternalUnavailable, "registrar server error", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
		}
		if resp.StatusCode >= 400 {
			return errkind.Wrap(errkind.Validation, "registrar rejected request", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
		}

		status := gjson.GetBytes(respBody, "status").String()
		if status != "" && status != "SUCCESS" {
			msg := gjson.GetBytes(respBody, "message").String()
			if msg == "" {
				msg = status
			}
			return errkind.New(errkind.ExternalUnavailable, "registrar returned non-success status: "+msg)
		}

		raw = respBody
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// stripDomainSuffix strips a trailing ".<domain>" from subdomain so
// "s.example.com" and "s" are treated identically when domain is
// "example.com".
func stripDomainSuffix(subdomain, domain string) string {
	suffix := "." + domain
	if strings.HasSuffix(subdomain, suffix) {
		return strings.TrimSuffix(subdomain, suffix)
	}
	return subdomain
}

func ensureTrailingDot(target string) string {
	if strings.HasSuffix(target, ".") {
		return target
	}
	return target + "."
}

func srvName(subdomain string) string {
	return fmt.Sprintf("_minecraft._tcp.%s", subdomain)
}
