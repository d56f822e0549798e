package crm

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

// Client talks to the LeadRail REST API and implements workflow.CrmGateway.
// Lookups return (nil, nil) on 404: for the invoice-creation poller an absent
// record means "not replicated yet", not an error.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEADRAIL_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.leadrail.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("LEADRAIL_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	apiKey := strings.TrimSpace(os.Getenv("LEADRAIL_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("leadrail api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("LEADRAIL_RATE_LIMIT_PER_MIN")); v != "" {
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

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload interface{}) ([]byte, int, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

// gatewayErr maps a failed LeadRail call onto the workflow error taxonomy.
func gatewayErr(op string, status int, body []byte, err error) error {
	ge := &workflow.GatewayError{
		System:     "leadrail",
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

// errBody keeps upstream error pages short enough for audit rows and logs.
func errBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 2048 {
		s = s[:2048]
	}
	return s
}

func ok(status int) bool { return status >= 200 && status < 300 }

func (c *Client) GetInvoice(ctx context.Context, invoiceId string) (*workflow.CrmInvoice, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceId), nil, nil)
	if err != nil {
		return nil, gatewayErr("get invoice", status, body, err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if !ok(status) {
		return nil, gatewayErr("get invoice", status, body, nil)
	}
	var parsed workflow.CrmInvoice
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gatewayErr("get invoice", status, body, err)
	}
	return &parsed, nil
}

func (c *Client) GetCustomObjectRecord(ctx context.Context, schemaKey, recordId string) (*workflow.CustomObjectRecord, error) {
	path := "/v1/objects/" + url.PathEscape(schemaKey) + "/records/" + url.PathEscape(recordId)
	body, status, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, gatewayErr("get custom object record", status, body, err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if !ok(status) {
		return nil, gatewayErr("get custom object record", status, body, nil)
	}
	var parsed workflow.CustomObjectRecord
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gatewayErr("get custom object record", status, body, err)
	}
	if parsed.SchemaKey == "" {
		parsed.SchemaKey = schemaKey
	}
	return &parsed, nil
}

func (c *Client) UpdateCustomObjectRecord(ctx context.Context, schemaKey, recordId string, properties map[string]interface{}) error {
	path := "/v1/objects/" + url.PathEscape(schemaKey) + "/records/" + url.PathEscape(recordId)
	payload := map[string]interface{}{"properties": properties}
	body, status, err := c.do(ctx, http.MethodPatch, path, nil, payload)
	if err != nil || !ok(status) {
		return gatewayErr("update custom object record", status, body, err)
	}
	return nil
}

func (c *Client) GetRelations(ctx context.Context, recordId string) ([]workflow.Relation, error) {
	path := "/v1/records/" + url.PathEscape(recordId) + "/relations"
	body, status, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, gatewayErr("get relations", status, body, err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if !ok(status) {
		return nil, gatewayErr("get relations", status, body, nil)
	}
	var parsed struct {
		Relations []workflow.Relation `json:"relations"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gatewayErr("get relations", status, body, err)
	}
	return parsed.Relations, nil
}

func (c *Client) GetOpportunity(ctx context.Context, opportunityId string) (*workflow.Opportunity, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/v1/opportunities/"+url.PathEscape(opportunityId), nil, nil)
	if err != nil {
		return nil, gatewayErr("get opportunity", status, body, err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if !ok(status) {
		return nil, gatewayErr("get opportunity", status, body, nil)
	}
	var parsed workflow.Opportunity
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gatewayErr("get opportunity", status, body, err)
	}
	return &parsed, nil
}

func (c *Client) SearchOpportunitiesByContact(ctx context.Context, contactId string) ([]workflow.Opportunity, error) {
	params := url.Values{}
	params.Set("contactId", contactId)
	body, status, err := c.do(ctx, http.MethodGet, "/v1/opportunities", params, nil)
	if err != nil {
		return nil, gatewayErr("search opportunities", status, body, err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if !ok(status) {
		return nil, gatewayErr("search opportunities", status, body, nil)
	}
	var parsed struct {
		Opportunities []workflow.Opportunity `json:"opportunities"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gatewayErr("search opportunities", status, body, err)
	}
	return parsed.Opportunities, nil
}

func (c *Client) UpdateOpportunityStage(ctx context.Context, opportunityId, pipelineId, stageId string) error {
	path := "/v1/opportunities/" + url.PathEscape(opportunityId) + "/stage"
	payload := map[string]string{
		"pipelineId":      pipelineId,
		"pipelineStageId": stageId,
	}
	body, status, err := c.do(ctx, http.MethodPut, path, nil, payload)
	if err != nil || !ok(status) {
		return gatewayErr("update opportunity stage", status, body, err)
	}
	return nil
}

func (c *Client) RecordInvoicePayment(ctx context.Context, crmInvoiceId string, p workflow.InvoicePaymentParams) error {
	path := "/v1/invoices/" + url.PathEscape(crmInvoiceId) + "/record-payment"
	payload := map[string]interface{}{
		"amount": p.Amount,
		"mode":   p.Method,
	}
	if p.TransactionId != "" {
		payload["transactionId"] = p.TransactionId
	}
	if p.PaidAt != nil {
		payload["paidAt"] = p.PaidAt.UTC().Format(time.RFC3339)
	}
	if p.Note != "" {
		payload["notes"] = p.Note
	}
	body, status, err := c.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil || !ok(status) {
		return gatewayErr("record invoice payment", status, body, err)
	}
	return nil
}

func (c *Client) CreateTask(ctx context.Context, t workflow.TaskParams) error {
	payload := map[string]interface{}{
		"contactId": t.ContactId,
		"title":     t.Title,
	}
	if t.OpportunityId != "" {
		payload["opportunityId"] = t.OpportunityId
	}
	if t.Body != "" {
		payload["body"] = t.Body
	}
	if t.DueDate != nil {
		payload["dueDate"] = t.DueDate.UTC().Format(time.RFC3339)
	}
	body, status, err := c.do(ctx, http.MethodPost, "/v1/tasks", nil, payload)
	if err != nil || !ok(status) {
		return gatewayErr("create task", status, body, err)
	}
	return nil
}
