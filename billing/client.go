package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

// Client talks to the MatterPay REST API and implements
// workflow.BillingGateway.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("MATTERPAY_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.matterpay.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("MATTERPAY_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	apiKey := strings.TrimSpace(os.Getenv("MATTERPAY_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("matterpay api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("MATTERPAY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	<-c.limiter
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

func gatewayErr(op string, status int, body []byte, err error) error {
	ge := &workflow.GatewayError{
		System:     "matterpay",
		Op:         op,
		StatusCode: status,
		Body:       errBody(body),
		Err:        err,
	}
	switch {
	case err != nil:
		ge.Kind = workflow.GatewayErrKindTransport
		ge.Retryable = true
	case status == http.StatusTooManyRequests:
		ge.Kind = workflow.GatewayErrKindRateLimited
		ge.Retryable = true
	case status >= 500:
		ge.Kind = workflow.GatewayErrKindUpstream
		ge.Retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ge.Kind = workflow.GatewayErrKindAuth
	case status == http.StatusNotFound:
		ge.Kind = workflow.GatewayErrKindNotFound
	default:
		ge.Kind = workflow.GatewayErrKindValidation
	}
	return ge
}

func errBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 2048 {
		s = s[:2048]
	}
	return s
}

func ok(status int) bool { return status >= 200 && status < 300 }

// duplicateLink recognizes MatterPay refusing a second payment link for the
// same matter. 409 always means that here; some tenants still run the older
// API revision that answers 422 with a duplicate code in the body.
func duplicateLink(status int, body []byte) bool {
	if status == http.StatusConflict {
		return true
	}
	return status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(string(body)), "duplicate")
}

func (c *Client) CreateClient(ctx context.Context, p workflow.ClientParams) (string, error) {
	payload := map[string]interface{}{
		"name": p.Name,
	}
	if p.Email != "" {
		payload["email"] = p.Email
	}
	if p.ExternalRef != "" {
		payload["externalRef"] = p.ExternalRef
	}
	body, status, err := c.post(ctx, "/v1/clients", payload)
	if err != nil || !ok(status) {
		return "", gatewayErr("create client", status, body, err)
	}
	var parsed struct {
		Id string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Id == "" {
		return "", gatewayErr("create client", status, body, errors.New("response carries no client id"))
	}
	return parsed.Id, nil
}

func (c *Client) CreateMatter(ctx context.Context, p workflow.MatterParams) (string, error) {
	payload := map[string]interface{}{
		"clientId":    p.ClientId,
		"description": p.Description,
	}
	if p.Reference != "" {
		payload["reference"] = p.Reference
	}
	body, status, err := c.post(ctx, "/v1/matters", payload)
	if err != nil || !ok(status) {
		return "", gatewayErr("create matter", status, body, err)
	}
	var parsed struct {
		Id string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Id == "" {
		return "", gatewayErr("create matter", status, body, errors.New("response carries no matter id"))
	}
	return parsed.Id, nil
}

func (c *Client) CreatePaymentLink(ctx context.Context, p workflow.PaymentLinkParams) (*workflow.PaymentLink, error) {
	items := make([]map[string]interface{}, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, map[string]interface{}{
			"description": it.Name,
			"unitPrice":   it.UnitPrice,
			"quantity":    it.Quantity,
		})
	}
	payload := map[string]interface{}{
		"matterId": p.MatterId,
		"amount":   p.Amount,
	}
	if p.Description != "" {
		payload["description"] = p.Description
	}
	if len(items) > 0 {
		payload["lineItems"] = items
	}
	if p.DueDate != nil {
		payload["dueDate"] = p.DueDate.UTC().Format("2006-01-02")
	}

	body, status, err := c.post(ctx, "/v1/payment-links", payload)
	if err != nil {
		return nil, gatewayErr("create payment link", status, body, err)
	}
	if duplicateLink(status, body) {
		return nil, &workflow.GatewayError{
			System:     "matterpay",
			Op:         "create payment link",
			StatusCode: status,
			Kind:       workflow.GatewayErrKindDuplicatePaymentLink,
			Body:       errBody(body),
		}
	}
	if !ok(status) {
		return nil, gatewayErr("create payment link", status, body, nil)
	}
	var parsed workflow.PaymentLink
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Id == "" || parsed.Url == "" {
		return nil, gatewayErr("create payment link", status, body, errors.New("response carries no link id or url"))
	}
	return &parsed, nil
}
