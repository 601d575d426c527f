package emt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transit_fetcher/internal/domain"
)

const (
	SourceID   = "emt"
	SourceName = "EMT Madrid"

	loginPath    = "/v2/mobilitylabs/user/login/"
	calendarPath = "/v1/transport/busemtmad/calendar/%s/%s/"
	linePath     = "/v1/transport/busemtmad/lines/%s/info/%s/"
	etaPath      = "/v2/transport/busemtmad/stops/%s/arrives/"
)

// Config holds EMT client configuration.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxConnsPerHost int
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Client talks to the EMT Mobility Labs API. A single Client is shared by
// every concurrent entity call of a run.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

// New creates a new EMT client.
func New(cfg Config, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts:    maxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("source", SourceID),
	}
}

// ID returns the source identifier.
func (c *Client) ID() string {
	return SourceID
}

// Name returns human-readable name.
func (c *Client) Name() string {
	return SourceName
}

// Login exchanges credentials for an access token. It returns the parsed
// token together with the raw response body so the caller can persist it.
// Network failures and 5xx responses are retried with exponential backoff;
// anything else fails with domain.ErrAuthentication.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) (domain.Token, []byte, error) {
	b := backoff.NewExponentialBackOff()
	if c.initialBackoff > 0 {
		b.InitialInterval = c.initialBackoff
	}
	if c.maxBackoff > 0 {
		b.MaxInterval = c.maxBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	body, err := backoff.RetryNotifyWithData(
		func() ([]byte, error) {
			return c.doLogin(ctx, creds)
		},
		policy,
		func(err error, d time.Duration) {
			c.logger.Warn("login failed, retrying", "backoff", d, "error", err)
		},
	)
	if err != nil {
		return domain.Token{}, nil, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}

	token, err := c.DecodeLogin(body)
	if err != nil {
		return domain.Token{}, nil, err
	}

	return token, body, nil
}

func (c *Client) doLogin(ctx context.Context, creds domain.Credentials) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+loginPath, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	setJSONHeaders(req)
	switch creds.Mode() {
	case domain.ModeClientID:
		req.Header.Set("X-ClientId", creds.ClientID)
		req.Header.Set("passKey", creds.PassKey)
	case domain.ModeEmail:
		req.Header.Set("email", creds.Email)
		req.Header.Set("password", creds.Password)
	default:
		return nil, backoff.Permanent(domain.ErrNoCredentials)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	return body, nil
}

// DecodeLogin extracts the token from a login response body. A missing
// expiry is not an error: the token is returned with a zero ExpiresAt, which
// callers treat as expired.
func (c *Client) DecodeLogin(body []byte) (domain.Token, error) {
	var resp LoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Token{}, fmt.Errorf("%w: decode login response: %w", domain.ErrAuthentication, err)
	}

	if len(resp.Data) == 0 || resp.Data[0].AccessToken == "" {
		return domain.Token{}, fmt.Errorf("%w: no access token in login response (code %q)", domain.ErrAuthentication, resp.Code)
	}

	data := resp.Data[0]
	token := domain.Token{Value: data.AccessToken}
	if data.TokenDteExpiration != nil && data.TokenDteExpiration.Date != nil {
		token.ExpiresAt = time.UnixMilli(*data.TokenDteExpiration.Date).UTC()
	}

	return token, nil
}

// Fetch performs the upstream call for req. The returned error covers
// transport and decoding failures only; an upstream rejection is a reply
// whose Code is not domain.CodeOK.
func (c *Client) Fetch(ctx context.Context, token string, req domain.EntityRequest) (domain.Reply, error) {
	httpReq, err := c.newEntityRequest(ctx, req)
	if err != nil {
		return domain.Reply{}, err
	}

	setJSONHeaders(httpReq)
	httpReq.Header.Set("accessToken", token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.Reply{}, fmt.Errorf("%w: execute request: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Reply{}, fmt.Errorf("%w: unexpected status: %d", domain.ErrTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Reply{}, fmt.Errorf("%w: read response: %w", domain.ErrTransport, err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Reply{}, fmt.Errorf("%w: decode response: %w", domain.ErrTransport, err)
	}

	return domain.Reply{Code: string(env.Code), Body: body}, nil
}

func (c *Client) newEntityRequest(ctx context.Context, req domain.EntityRequest) (*http.Request, error) {
	var (
		method   = http.MethodGet
		endpoint string
		body     io.Reader
	)

	switch req.Kind {
	case domain.KindLineDetail:
		endpoint = c.baseURL + fmt.Sprintf(linePath, url.PathEscape(req.ID), url.PathEscape(req.StartDate))
	case domain.KindCalendar:
		endpoint = c.baseURL + fmt.Sprintf(calendarPath, url.PathEscape(req.StartDate), url.PathEscape(req.EndDate))
	case domain.KindEta:
		payload, err := json.Marshal(defaultEtaRequest())
		if err != nil {
			return nil, fmt.Errorf("marshal eta body: %w", err)
		}
		method = http.MethodPost
		endpoint = c.baseURL + fmt.Sprintf(etaPath, url.PathEscape(req.ID))
		body = bytes.NewReader(payload)
	default:
		return nil, fmt.Errorf("unsupported entity kind %q", req.Kind)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return httpReq, nil
}

func setJSONHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TransitFetcher/1.0")
}
