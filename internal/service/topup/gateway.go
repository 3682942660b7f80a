package topup

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/config"
)

// Gateway initiates STK push charges against the mobile money
// provider.
type Gateway interface {
	InitiateSTKPush(ctx context.Context, req STKRequest) (*STKResponse, error)
}

type STKRequest struct {
	PhoneNumber string
	Amount      decimal.Decimal
	Reference   string
	Description string
	CallbackURL string
}

type STKResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// DarajaGateway talks to Safaricom's Daraja API. Every call fetches a
// fresh OAuth token; Daraja tokens are cheap and short-lived.
type DarajaGateway struct {
	client         *http.Client
	tokenEndpoint  string
	stkEndpoint    string
	consumerKey    string
	consumerSecret string
	shortcode      string
	partyB         string
	passkey        string
	now            func() time.Time
}

func NewDarajaGateway(cfg *config.Config) *DarajaGateway {
	return &DarajaGateway{
		client:         &http.Client{Timeout: cfg.MpesaTimeout},
		tokenEndpoint:  cfg.MpesaTokenEndpoint,
		stkEndpoint:    cfg.MpesaSTKEndpoint,
		consumerKey:    cfg.MpesaConsumerKey,
		consumerSecret: cfg.MpesaConsumerSecret,
		shortcode:      cfg.MpesaShortcode,
		partyB:         cfg.MpesaPartyBShortcode,
		passkey:        cfg.MpesaPasskey,
		now:            time.Now,
	}
}

func (g *DarajaGateway) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.tokenEndpoint+"?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("accessToken: %w", err)
	}
	req.SetBasicAuth(g.consumerKey, g.consumerSecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("accessToken: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("accessToken: provider returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("accessToken: decode: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("accessToken: empty token in response")
	}
	return body.AccessToken, nil
}

func (g *DarajaGateway) InitiateSTKPush(ctx context.Context, r STKRequest) (*STKResponse, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("InitiateSTKPush: %w", err)
	}

	timestamp := g.now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(g.shortcode + g.passkey + timestamp))

	payload := map[string]any{
		"BusinessShortCode": g.shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            r.Amount.Round(0).IntPart(),
		"PartyA":            r.PhoneNumber,
		"PartyB":            g.partyB,
		"PhoneNumber":       r.PhoneNumber,
		"CallBackURL":       r.CallbackURL,
		"AccountReference":  r.Reference,
		"TransactionDesc":   r.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("InitiateSTKPush: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.stkEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("InitiateSTKPush: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("InitiateSTKPush: %w", err)
	}
	defer resp.Body.Close()

	var stk STKResponse
	if err := json.NewDecoder(resp.Body).Decode(&stk); err != nil {
		return nil, fmt.Errorf("InitiateSTKPush: decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK || stk.ResponseCode != "0" {
		return nil, fmt.Errorf("InitiateSTKPush: provider rejected request: %s (%s)", stk.ResponseDescription, stk.ResponseCode)
	}
	return &stk, nil
}
