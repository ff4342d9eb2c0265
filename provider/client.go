package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"esimflow/signature"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const queryPath = "/api/v1/open/esim/query"

// Profile is the normalized provisioning result for one order. Numeric
// fields are pointers so a reported zero is distinguishable from a field the
// source never supplied.
type Profile struct {
	Status        string
	QRCode        string
	ICCID         string
	EID           string
	SMDPStatus    string
	EsimStatus    string
	DataUsed      *int64
	DataRemaining *int64
	DaysRemaining *int
	ExpiryDate    *time.Time
}

// HasResource reports whether the provider has allocated an activation
// profile for the order.
func (p Profile) HasResource() bool {
	return p.QRCode != "" || p.ICCID != ""
}

// Config carries the provider endpoint and credentials.
type Config struct {
	BaseURL    string
	AccessCode string
	SecretKey  string
	Timeout    time.Duration
}

// Client calls the external eSIM provisioning API. It is stateless; every
// request carries a fresh timestamp, nonce and HMAC signature.
type Client struct {
	baseURL    string
	accessCode string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
	nonce      func() string
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		accessCode: cfg.AccessCode,
		secret:     cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
		nonce:      func() string { return uuid.NewString() },
	}
}

// WithHTTPClient overrides the underlying transport, used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithClock overrides the time source.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

type queryRequest struct {
	OrderNo string `json:"orderNo"`
	ICCID   string `json:"iccid"`
	Pager   pager  `json:"pager"`
}

type pager struct {
	PageNum  int `json:"pageNum"`
	PageSize int `json:"pageSize"`
}

type queryResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
	Obj       struct {
		EsimList []esimEntry `json:"esimList"`
	} `json:"obj"`
}

type esimEntry struct {
	OrderStatus   string `json:"orderStatus"`
	QRCodeURL     string `json:"qrCodeUrl"`
	ICCID         string `json:"iccid"`
	EID           string `json:"eid"`
	SMDPStatus    string `json:"smdpStatus"`
	EsimStatus    string `json:"esimStatus"`
	TotalVolume   int64  `json:"totalVolume"`
	OrderUsage    int64  `json:"orderUsage"`
	ExpiredTime   string `json:"expiredTime"`
	TotalDuration int    `json:"totalDuration"`
}

// FetchOrderStatus queries the provider for the current state of an order and
// maps the response into a Profile. Failures come back as *Error with a
// retry category the queue processor acts on.
func (c *Client) FetchOrderStatus(ctx context.Context, orderNo string) (Profile, error) {
	body, err := json.Marshal(queryRequest{
		OrderNo: orderNo,
		ICCID:   "",
		Pager:   pager{PageNum: 1, PageSize: 20},
	})
	if err != nil {
		return Profile{}, Unknown("ENCODE", "marshal query request", err)
	}

	ts := signature.Timestamp(c.now())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(body))
	if err != nil {
		return Profile{}, Unknown("REQUEST", "build query request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", c.nonce())
	req.Header.Set("X-Signature", signature.Sign(body, ts, c.secret))
	req.Header.Set("RT-AccessCode", c.accessCode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Profile{}, Transient("TIMEOUT", "provider call timed out", err)
		}
		return Profile{}, Transient("NETWORK", "provider unreachable", err)
	}
	defer resp.Body.Close()

	if cat, code := classifyStatus(resp.StatusCode); cat != "" {
		msg := fmt.Sprintf("provider returned HTTP %d", resp.StatusCode)
		c.logger.Warn("provider query rejected",
			zap.String("order_no", orderNo),
			zap.Int("status", resp.StatusCode))
		if cat == CategoryTransient {
			return Profile{}, Transient(code, msg, nil)
		}
		return Profile{}, Permanent(code, msg, nil)
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Profile{}, Unknown("DECODE", "decode provider response", err)
	}

	if !decoded.Success {
		return Profile{}, Permanent(decoded.ErrorCode, decoded.ErrorMsg, nil)
	}
	if len(decoded.Obj.EsimList) == 0 {
		// Order accepted but no profile allocated yet; worth retrying.
		return Profile{}, Transient("PROFILE_NOT_READY", "no esim profile for order", nil)
	}

	entry := decoded.Obj.EsimList[0]
	used := entry.OrderUsage
	remaining := entry.TotalVolume - entry.OrderUsage
	days := entry.TotalDuration
	profile := Profile{
		Status:        entry.OrderStatus,
		QRCode:        entry.QRCodeURL,
		ICCID:         entry.ICCID,
		EID:           entry.EID,
		SMDPStatus:    entry.SMDPStatus,
		EsimStatus:    entry.EsimStatus,
		DataUsed:      &used,
		DataRemaining: &remaining,
		DaysRemaining: &days,
	}
	if profile.Status == "" {
		profile.Status = entry.EsimStatus
	}
	if entry.ExpiredTime != "" {
		if t, err := time.Parse(time.RFC3339, entry.ExpiredTime); err == nil {
			profile.ExpiryDate = &t
		} else {
			c.logger.Debug("unparseable expiry time",
				zap.String("order_no", orderNo),
				zap.String("expired_time", entry.ExpiredTime))
		}
	}

	return profile, nil
}

func classifyStatus(status int) (Category, string) {
	switch {
	case status == http.StatusOK:
		return "", ""
	case status == http.StatusTooManyRequests:
		return CategoryTransient, "RATE_LIMITED"
	case status >= 500:
		return CategoryTransient, fmt.Sprintf("HTTP_%d", status)
	default:
		return CategoryPermanent, fmt.Sprintf("HTTP_%d", status)
	}
}
