package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/config"
	"ms-registration/internal/signature"
)

// Hosted-checkout status vocabulary.
var smartPending = map[string]bool{
	"PENDING":     true,
	"PENDING_VBV": true,
	"AUTHORIZING": true,
	"NEW":         true,
	"STARTED":     true,
}

func smartStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "CHARGED":
		return StatusPaid
	case smartPending[s]:
		return StatusPending
	default:
		return StatusFailed
	}
}

// SmartGateway is the hosted-checkout rail: a session API, an order status
// API, basic-auth webhooks and HMAC-signed redirect parameters.
type SmartGateway struct {
	cfg    config.SmartGatewayConfig
	signer *signature.Service
	client *http.Client
}

func NewSmartGateway(cfg config.SmartGatewayConfig, signer *signature.Service, client *http.Client) *SmartGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &SmartGateway{cfg: cfg, signer: signer, client: client}
}

func (g *SmartGateway) Name() string { return "smartgateway" }

type smartSessionResponse struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	PaymentLinks struct {
		Web string `json:"web"`
	} `json:"payment_links"`
}

func (g *SmartGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	body := map[string]any{
		"order_id":               req.OrderID,
		"amount":                 strconv.FormatInt(req.Amount, 10) + ".00",
		"currency":               req.Currency,
		"customer_id":            req.Customer.ID,
		"customer_email":         req.Customer.Email,
		"customer_phone":         req.Customer.Phone,
		"first_name":             req.Customer.Name,
		"payment_page_client_id": g.cfg.ClientID,
		"action":                 "paymentPage",
		"return_url":             g.cfg.ReturnURL,
		"description":            req.Description,
	}

	var resp smartSessionResponse
	raw, err := g.do(ctx, http.MethodPost, "/session", req.Customer.ID, body, &resp)
	if err != nil {
		return nil, err
	}
	if resp.PaymentLinks.Web == "" {
		return nil, apperror.Gateway(apperror.CodeGatewayResponse, nil, "gateway session for %s has no payment link", req.OrderID)
	}

	gatewayOrderID := resp.ID
	if gatewayOrderID == "" {
		gatewayOrderID = resp.OrderID
	}
	return &Session{GatewayOrderID: gatewayOrderID, PaymentURL: resp.PaymentLinks.Web, Raw: raw}, nil
}

type smartOrderResponse struct {
	ID                string      `json:"id"`
	OrderID           string      `json:"order_id"`
	Status            string      `json:"status"`
	TxnID             string      `json:"txn_id"`
	Amount            json.Number `json:"amount"`
	PaymentMethod     string      `json:"payment_method"`
	PaymentMethodType string      `json:"payment_method_type"`
}

// OrderStatus queries the gateway by our order id; the gateway order id is not needed.
func (g *SmartGateway) OrderStatus(ctx context.Context, orderID, _ string) (*OrderStatus, error) {
	var resp smartOrderResponse
	raw, err := g.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), "", nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status == "" {
		return nil, apperror.Gateway(apperror.CodeGatewayResponse, nil, "gateway returned no status for %s", orderID)
	}

	status := &OrderStatus{
		OrderID:        resp.OrderID,
		GatewayOrderID: resp.ID,
		Status:         smartStatus(resp.Status),
		GatewayStatus:  resp.Status,
		PaymentID:      resp.TxnID,
		PaymentMethod:  strings.TrimSpace(resp.PaymentMethodType + " " + resp.PaymentMethod),
		Raw:            raw,
	}
	if resp.Amount != "" {
		if f, err := resp.Amount.Float64(); err == nil {
			status.Amount = int64(math.Round(f))
		}
	}
	return status, nil
}

type smartWebhook struct {
	EventName string `json:"event_name"`
	Content   struct {
		Order struct {
			ID      string `json:"id"`
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"order"`
	} `json:"content"`
}

// ParseWebhook authenticates the basic-auth credentials the gateway was
// configured with and extracts the order id. The status in the body is never
// acted on directly; reconciliation asks the gateway again.
func (g *SmartGateway) ParseWebhook(r *http.Request) (*WebhookEvent, error) {
	user, pass, ok := r.BasicAuth()
	if !ok || g.cfg.WebhookUsername == "" ||
		subtle.ConstantTimeCompare([]byte(user), []byte(g.cfg.WebhookUsername)) != 1 ||
		subtle.ConstantTimeCompare([]byte(pass), []byte(g.cfg.WebhookPassword)) != 1 {
		return nil, &WebhookError{
			Category:      "authentication",
			StatusCode:    http.StatusUnauthorized,
			PublicError:   "Unauthorized",
			InternalError: "webhook basic auth rejected",
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("failed to read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	var hook smartWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("failed to decode webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	return &WebhookEvent{
		Name:           hook.EventName,
		OrderID:        hook.Content.Order.OrderID,
		GatewayOrderID: hook.Content.Order.ID,
	}, nil
}

// VerifyRedirect checks the signature the gateway appends to the return URL:
// base64 HMAC-SHA256 over the remaining parameters sorted by key.
func (g *SmartGateway) VerifyRedirect(params url.Values) error {
	sig := params.Get("signature")
	if sig == "" {
		return apperror.Integrity(apperror.CodeInvalidSignature, "payment response is not signed")
	}
	expected, err := g.redirectMAC(params)
	if err != nil {
		return apperror.Internal(err, "failed to verify payment response")
	}
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, expected) {
		return apperror.Integrity(apperror.CodeInvalidSignature, "payment response signature mismatch")
	}
	return nil
}

// SignRedirect produces the signature VerifyRedirect accepts.
func (g *SmartGateway) SignRedirect(params url.Values) (string, error) {
	sum, err := g.redirectMAC(params)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

func (g *SmartGateway) redirectMAC(params url.Values) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" || k == "signature_algorithm" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(params.Get(k)))
	}
	return g.signer.MAC(signature.PurposePaymentResponse, []byte(strings.Join(parts, "&")))
}

func (g *SmartGateway) do(ctx context.Context, method, path, customerID string, body any, out any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperror.Internal(err, "failed to encode gateway request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, apperror.Internal(err, "failed to build gateway request")
	}
	req.SetBasicAuth(g.cfg.APIKey, "")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-merchantid", g.cfg.MerchantID)
	if customerID != "" {
		req.Header.Set("x-customerid", customerID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperror.Gateway(apperror.CodeGatewayUnavailable, err, "payment gateway unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperror.Gateway(apperror.CodeGatewayUnavailable, err, "failed to read gateway response")
	}
	if resp.StatusCode >= 500 {
		return nil, apperror.Gateway(apperror.CodeGatewayUnavailable, nil, "payment gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		e := apperror.Gateway(apperror.CodeGatewayResponse, nil, "payment gateway rejected %s %s with %d", method, path, resp.StatusCode)
		e.Retryable = false
		return nil, e
	}

	if err := json.Unmarshal(data, out); err != nil {
		return nil, apperror.Gateway(apperror.CodeGatewayResponse, err, "unexpected gateway response shape")
	}
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	return raw, nil
}
