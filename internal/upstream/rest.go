package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
)

const restTimeout = 10 * time.Second

// Credentials are the persistent login inputs for one broker account.
// TOTPSecret feeds the two-factor step; none of these are ever logged.
type Credentials struct {
	UserID     string
	Password   string
	TOTPSecret string
	APIKey     string
}

// Session is the result of a successful broker login
type Session struct {
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// OrderParams are the broker-side order placement fields. Prices travel
// as decimal strings so no float formatting ambiguity reaches the wire.
type OrderParams struct {
	InstrumentToken uint32          `json:"instrument_token"`
	Side            string          `json:"transaction_type"`
	Quantity        uint            `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Product         string          `json:"product"`
	Variety         string          `json:"variety"`
	Validity        string          `json:"validity"`
}

/// RESTClient speaks the broker's HTTP API: login with TOTP two-factor,
// order placement and cancellation. One client serves all accounts;
// per-call credentials select the account.
type RESTClient struct {
	http *resty.Client
}

// NewRESTClient creates a broker REST client against the given base URL
func NewRESTClient(baseURL string) *RESTClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(restTimeout).
		SetRetryCount(0) // retry policy lives in the callers
	return &RESTClient{http: client}
}

type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	} `json:"data"`
	Message string `json:"message"`
}

// Login performs the two-step broker login: password auth followed by
// a TOTP challenge generated from the account's secret.
func (c *RESTClient) Login(ctx context.Context, creds Credentials) (*Session, error) {
	code, err := totp.GenerateCode(creds.TOTPSecret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("generate totp: %w", err)
	}

	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"user_id":    creds.UserID,
			"password":   creds.Password,
			"totp_value": code,
			"api_key":    creds.APIKey,
		}).
		SetResult(&out).
		Post("/session/token")
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.Data.AccessToken == "" {
		return nil, fmt.Errorf("login rejected (%d): %s", resp.StatusCode(), out.Message)
	}

	now := time.Now()
	expires := now.Add(time.Duration(out.Data.ExpiresIn) * time.Second)
	if out.Data.ExpiresIn == 0 {
		// broker tokens default to end of day when no TTL is given
		y, m, d := now.Date()
		expires = time.Date(y, m, d, 23, 59, 59, 0, now.Location())
	}
	return &Session{AccessToken: out.Data.AccessToken, IssuedAt: now, ExpiresAt: expires}, nil
}

type orderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// HTTPError carries the status code so callers can classify
// retriable (5xx, 429) from terminal (4xx) failures.
type HTTPError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("broker http %d %s: %s", e.StatusCode, e.ErrorType, e.Message)
}

// Retriable reports whether the failure is worth another attempt
func (e *HTTPError) Retriable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// PlaceOrder submits one order and returns the broker order id
func (c *RESTClient) PlaceOrder(ctx context.Context, accessToken string, params OrderParams) (string, error) {
	var out orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "token "+accessToken).
		SetBody(params).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/orders/%s", params.Variety))
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &HTTPError{StatusCode: resp.StatusCode(), ErrorType: out.ErrorType, Message: out.Message}
	}
	return out.Data.OrderID, nil
}

// CancelOrder cancels a previously placed order by broker order id
func (c *RESTClient) CancelOrder(ctx context.Context, accessToken, variety, brokerOrderID string) error {
	var out orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "token "+accessToken).
		SetResult(&out).
		SetError(&out).
		Delete(fmt.Sprintf("/orders/%s/%s", variety, brokerOrderID))
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode(), ErrorType: out.ErrorType, Message: out.Message}
	}
	return nil
}

// DownloadInstrumentsCSV fetches the daily instrument registry dump
func (c *RESTClient) DownloadInstrumentsCSV(ctx context.Context, instrumentsURL string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(instrumentsURL)
	if err != nil {
		return nil, fmt.Errorf("download instruments: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("download instruments: http %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
