package erpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// tokenExpirySkew keeps a token out of use shortly before its real expiry so
// an invoice never rides a token that dies mid-request.
const tokenExpirySkew = 30 * time.Second

// ErpSubmitter submits one mapped invoice and returns the ERP-assigned id.
type ErpSubmitter interface {
	Submit(ctx context.Context, target TargetInvoice) (string, error)
}

// ErpGateway is the authenticated transport to the ERP API. It owns the
// bearer token lifecycle: one token is acquired lazily, reused across all
// invoices in a run while valid, and refreshed under a mutex when expired or
// rejected. The token never leaves this struct and is never logged. The
// gateway performs no transient retry; that policy belongs to the
// orchestrator.
type ErpGateway struct {
	baseURL      string
	tenantId     string
	clientId     string
	clientSecret string
	http         *http.Client
	logger       *logrus.Logger

	mu    sync.Mutex
	token *authToken
}

type authToken struct {
	value     string
	issuedAt  time.Time
	expiresAt time.Time
}

func (t *authToken) valid(now time.Time) bool {
	return t != nil && t.value != "" && now.Before(t.expiresAt.Add(-tokenExpirySkew))
}

func NewErpGateway(settings *config.Settings, logger *logrus.Logger) *ErpGateway {
	return &ErpGateway{
		baseURL:      strings.TrimRight(settings.ErpBaseURL, "/"),
		tenantId:     settings.ErpTenantId,
		clientId:     settings.ErpClientId,
		clientSecret: settings.ErpClientSecret,
		http:         &http.Client{Timeout: settings.HTTPTimeout},
		logger:       logger,
	}
}

type erpInvoiceRequest struct {
	CustomerId        string                  `json:"customerId"`
	InvoiceDate       string                  `json:"invoiceDate"`
	DueDate           string                  `json:"dueDate"`
	CurrencyCode      string                  `json:"currencyCode"`
	ExternalReference string                  `json:"externalReference"`
	Lines             []erpInvoiceLineRequest `json:"lines"`
}

type erpInvoiceLineRequest struct {
	ItemId         string          `json:"itemId"`
	Description    string          `json:"description"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	TaxGroup       string          `json:"taxGroup"`
}

type erpInvoiceResponse struct {
	Id        string `json:"id"`
	InvoiceId string `json:"invoiceId"`
}

type erpTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Submit posts the invoice with the cached token. A 401 triggers exactly one
// forced refresh and one retry; a second 401 is terminal for the invoice.
func (g *ErpGateway) Submit(ctx context.Context, target TargetInvoice) (string, error) {
	token, err := g.ensureToken(ctx, "")
	if err != nil {
		return "", &SubmissionError{InvoiceNumber: target.ExternalReference, Err: err}
	}

	id, status, body, err := g.postInvoice(ctx, token, target)
	if err != nil {
		return "", &SubmissionError{InvoiceNumber: target.ExternalReference, Err: err}
	}
	if status == http.StatusUnauthorized {
		token, err = g.ensureToken(ctx, token)
		if err != nil {
			return "", &SubmissionError{InvoiceNumber: target.ExternalReference, Err: err}
		}
		id, status, body, err = g.postInvoice(ctx, token, target)
		if err != nil {
			return "", &SubmissionError{InvoiceNumber: target.ExternalReference, Err: err}
		}
	}
	if status < 200 || status >= 300 {
		return "", &SubmissionError{InvoiceNumber: target.ExternalReference, StatusCode: status, Body: body}
	}
	if id == "" {
		return "", &SubmissionError{InvoiceNumber: target.ExternalReference, StatusCode: status, Body: "erp response missing invoice id"}
	}
	return id, nil
}

func (g *ErpGateway) postInvoice(ctx context.Context, token string, target TargetInvoice) (string, int, string, error) {
	payload := erpInvoiceRequest{
		CustomerId:        target.CustomerId,
		InvoiceDate:       target.InvoiceDate.Format("2006-01-02"),
		DueDate:           target.DueDate.Format("2006-01-02"),
		CurrencyCode:      target.CurrencyCode,
		ExternalReference: target.ExternalReference,
		Lines:             make([]erpInvoiceLineRequest, 0, len(target.Lines)),
	}
	for _, line := range target.Lines {
		payload.Lines = append(payload.Lines, erpInvoiceLineRequest{
			ItemId:         line.ItemId,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice,
			DiscountAmount: line.DiscountAmount,
			TaxAmount:      line.TaxAmount,
			TaxGroup:       line.TaxGroup,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/invoices", strings.NewReader(string(body)))
	if err != nil {
		return "", 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.tenantId != "" {
		req.Header.Set("X-Tenant-Id", g.tenantId)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, strings.TrimSpace(string(respBody)), nil
	}

	var parsed erpInvoiceResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", resp.StatusCode, "", err
	}
	id := parsed.Id
	if id == "" {
		id = parsed.InvoiceId
	}
	return id, resp.StatusCode, "", nil
}

// ensureToken returns a usable bearer token. stale is the token value that
// just earned a 401, if any. Refreshes run under the mutex so concurrent
// workers block on one in-flight refresh instead of stampeding the token
// endpoint; a waiter whose stale token has already been replaced reuses the
// new one instead of forcing its own refresh.
func (g *ErpGateway) ensureToken(ctx context.Context, stale string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if g.token.valid(now) && g.token.value != stale {
		return g.token.value, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", g.clientId)
	form.Set("client_secret", g.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if g.tenantId != "" {
		req.Header.Set("X-Tenant-Id", g.tenantId)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Do not echo the response body here: token endpoints can reflect
		// credentials back in error payloads.
		return "", fmt.Errorf("erp token endpoint returned status %d", resp.StatusCode)
	}

	var parsed erpTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("erp token endpoint returned empty token")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	g.token = &authToken{
		value:     parsed.AccessToken,
		issuedAt:  now,
		expiresAt: now.Add(time.Duration(expiresIn) * time.Second),
	}
	g.logger.WithFields(logrus.Fields{
		"module":     "erpsync",
		"expires_in": expiresIn,
	}).Info("erp token refreshed")

	return g.token.value, nil
}
