package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is an HTTP implementation of Ledger.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	deviceID   string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets a custom timeout (for testing).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithDeviceID sets a fixed device ID instead of a generated one.
func WithDeviceID(id string) Option {
	return func(c *Client) {
		c.deviceID = id
	}
}

// NewClient creates a new ledger client.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          2,
				MaxIdleConnsPerHost:   2,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		apiKey:   apiKey,
		baseURL:  "https://ledger.datapill.app/v1",
		deviceID: uuid.New().String(),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// DeviceID returns the device identity sent with every request.
func (c *Client) DeviceID() string { return c.deviceID }

// wireDate is the day key format on the wire.
const wireDate = "2006-01-02"

type usageWire struct {
	ID            string  `json:"id,omitempty"`
	Date          string  `json:"date"`
	DailyUsedData float64 `json:"dailyUsedData"`
}

func toWire(rec *UsageRecord) usageWire {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	return usageWire{
		ID:            id,
		Date:          rec.Date.UTC().Format(wireDate),
		DailyUsedData: rec.DailyUsedData,
	}
}

func fromWire(w usageWire) (*UsageRecord, error) {
	day, err := time.Parse(wireDate, w.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidResponse, w.Date)
	}
	return &UsageRecord{ID: w.ID, Date: day, DailyUsedData: w.DailyUsedData}, nil
}

// do executes one request and returns the response body, mapping HTTP status
// codes onto the package's sentinel errors. A 404 yields (nil, nil).
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("remote: encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "datapill/1.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Device-ID", c.deviceID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("remote request",
		"method", method,
		"path", path,
		"api_key", redactAPIKey(c.apiKey),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("remote response", "path", path, "status", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		// Continue to read body
	case http.StatusNotFound:
		return nil, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return nil, ErrServerError
	default:
		return nil, fmt.Errorf("remote: unexpected status code %d", resp.StatusCode)
	}

	// Bounded read: record payloads are small
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrInvalidResponse, err)
	}
	return data, nil
}

// CheckLogin reports whether the account behind the API key is usable.
func (c *Client) CheckLogin(ctx context.Context) (bool, error) {
	body, err := c.do(ctx, http.MethodGet, "/account", nil)
	if errors.Is(err, ErrUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if body == nil {
		return false, nil
	}

	var status struct {
		LoggedIn bool `json:"loggedIn"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return status.LoggedIn, nil
}

// FetchUsage returns the remote usage record for the given day, or nil.
func (c *Client) FetchUsage(ctx context.Context, day time.Time) (*UsageRecord, error) {
	path := "/usage?date=" + url.QueryEscape(day.UTC().Format(wireDate))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp struct {
		Records []usageWire `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(resp.Records) == 0 {
		return nil, nil
	}
	return fromWire(resp.Records[0])
}

// FetchAllUsage returns every remote usage record.
func (c *Client) FetchAllUsage(ctx context.Context) ([]*UsageRecord, error) {
	body, err := c.do(ctx, http.MethodGet, "/usage", nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp struct {
		Records []usageWire `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	records := make([]*UsageRecord, 0, len(resp.Records))
	for _, w := range resp.Records {
		rec, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveUsage creates or replaces one remote usage record.
func (c *Client) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	_, err := c.do(ctx, http.MethodPost, "/usage", toWire(rec))
	return err
}

// SaveUsageBatch creates or replaces remote usage records in one call.
func (c *Client) SaveUsageBatch(ctx context.Context, recs []*UsageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	wires := make([]usageWire, 0, len(recs))
	for _, rec := range recs {
		wires = append(wires, toWire(rec))
	}
	payload := struct {
		Records []usageWire `json:"records"`
	}{Records: wires}
	_, err := c.do(ctx, http.MethodPost, "/usage/batch", payload)
	return err
}

type planWire struct {
	StartDate  string  `json:"startDate"`
	EndDate    string  `json:"endDate"`
	DataAmount float64 `json:"dataAmount"`
	DailyLimit float64 `json:"dailyLimit"`
	PlanLimit  float64 `json:"planLimit"`
}

// FetchPlan returns the remote plan, or nil if one has never been saved.
func (c *Client) FetchPlan(ctx context.Context) (*PlanRecord, error) {
	body, err := c.do(ctx, http.MethodGet, "/plan", nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var w planWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	start, err := time.Parse(wireDate, w.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad startDate %q", ErrInvalidResponse, w.StartDate)
	}
	end, err := time.Parse(wireDate, w.EndDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad endDate %q", ErrInvalidResponse, w.EndDate)
	}
	return &PlanRecord{
		StartDate:  start,
		EndDate:    end,
		DataAmount: w.DataAmount,
		DailyLimit: w.DailyLimit,
		PlanLimit:  w.PlanLimit,
	}, nil
}

// SavePlan creates or replaces the remote plan.
func (c *Client) SavePlan(ctx context.Context, plan *PlanRecord) error {
	w := planWire{
		StartDate:  plan.StartDate.UTC().Format(wireDate),
		EndDate:    plan.EndDate.UTC().Format(wireDate),
		DataAmount: plan.DataAmount,
		DailyLimit: plan.DailyLimit,
		PlanLimit:  plan.PlanLimit,
	}
	_, err := c.do(ctx, http.MethodPut, "/plan", w)
	return err
}

// SubscribeOnChange registers a server-side change subscription. Events are
// delivered over the notification channel, not through this client.
func (c *Client) SubscribeOnChange(ctx context.Context, recordType RecordType, subscriptionID string) error {
	payload := struct {
		Type     string `json:"type"`
		ID       string `json:"id"`
		DeviceID string `json:"deviceId"`
	}{Type: string(recordType), ID: subscriptionID, DeviceID: c.deviceID}
	_, err := c.do(ctx, http.MethodPost, "/subscriptions", payload)
	return err
}

// redactAPIKey masks the API key for logging.
func redactAPIKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 8 {
		return "***...***"
	}
	return key[:4] + "***...***" + key[len(key)-3:]
}
