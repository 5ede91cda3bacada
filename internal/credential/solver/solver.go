// Package solver talks to an in.php/res.php style CAPTCHA solving service.
package solver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

// Service defaults.
const (
	DefaultSubmitURL    = "https://api.solvecaptcha.com/in.php"
	DefaultResultURL    = "https://api.solvecaptcha.com/res.php"
	DefaultPollInterval = 5 * time.Second
	DefaultMaxPolls     = 24

	notReady = "CAPCHA_NOT_READY"
)

// ErrTimeout means the service did not produce a token within the poll budget.
var ErrTimeout = errors.New("timed out waiting for captcha solution")

// Config controls the solver client.
type Config struct {
	APIKey       string
	SubmitURL    string
	ResultURL    string
	PollInterval time.Duration
	MaxPolls     int
	Timeout      time.Duration
}

// Solution is a solved challenge.
type Solution struct {
	Token     string
	UserAgent string
	RespKey   string
}

// Client submits hCaptcha challenges and polls for their tokens.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	pauser        harvest.Pauser
	logger        *zap.Logger
}

type apiResponse struct {
	Status    int    `json:"status"`
	Request   string `json:"request"`
	UserAgent string `json:"useragent,omitempty"`
	RespKey   string `json:"respKey,omitempty"`
}

// New builds a Client. pauser may be nil.
func New(cfg Config, pauser harvest.Pauser, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("solver api key is required")
	}
	if cfg.SubmitURL == "" {
		cfg.SubmitURL = DefaultSubmitURL
	}
	if cfg.ResultURL == "" {
		cfg.ResultURL = DefaultResultURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultMaxPolls
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if pauser == nil {
		pauser = harvest.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(cfg.Timeout)

	return &Client{
		cfg:           cfg,
		baseCollector: c,
		pauser:        pauser,
		logger:        logger.Named("solver"),
	}, nil
}

// Solve submits the challenge for sitekey on pageURL and waits for a token.
func (c *Client) Solve(ctx context.Context, sitekey, pageURL string) (Solution, error) {
	submitted, err := c.call(ctx, func(col *colly.Collector) error {
		return col.Post(c.cfg.SubmitURL, map[string]string{
			"key":     c.cfg.APIKey,
			"method":  "hcaptcha",
			"sitekey": sitekey,
			"pageurl": pageURL,
			"json":    "1",
		})
	})
	if err != nil {
		return Solution{}, fmt.Errorf("submit captcha: %w", err)
	}
	if submitted.Status != 1 {
		return Solution{}, fmt.Errorf("submit captcha rejected: %s", submitted.Request)
	}
	requestID := submitted.Request
	c.logger.Info("captcha submitted", zap.String("request_id", requestID))

	query := url.Values{
		"key":    {c.cfg.APIKey},
		"action": {"get"},
		"id":     {requestID},
		"json":   {"1"},
	}
	resultURL := c.cfg.ResultURL + "?" + query.Encode()

	for attempt := 1; attempt <= c.cfg.MaxPolls; attempt++ {
		c.pauser.Pause(ctx, c.cfg.PollInterval)
		if err := ctx.Err(); err != nil {
			return Solution{}, fmt.Errorf("wait for captcha solution: %w", err)
		}
		result, err := c.call(ctx, func(col *colly.Collector) error {
			return col.Visit(resultURL)
		})
		if err != nil {
			return Solution{}, fmt.Errorf("poll captcha result: %w", err)
		}
		if result.Status == 1 {
			c.logger.Info("captcha solved", zap.Int("polls", attempt))
			return Solution{Token: result.Request, UserAgent: result.UserAgent, RespKey: result.RespKey}, nil
		}
		if result.Request != notReady {
			return Solution{}, fmt.Errorf("captcha failed: %s", result.Request)
		}
		c.logger.Debug("captcha not ready", zap.Int("attempt", attempt), zap.Int("max_polls", c.cfg.MaxPolls))
	}
	return Solution{}, fmt.Errorf("%w after %d polls", ErrTimeout, c.cfg.MaxPolls)
}

func (c *Client) call(ctx context.Context, send func(*colly.Collector) error) (apiResponse, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	col := c.baseCollector.Clone()
	col.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	col.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- send(col)
	}()
	select {
	case <-ctx.Done():
		return apiResponse{}, fmt.Errorf("solver call canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return apiResponse{}, err
		}
	}
	if fetchErr != nil {
		return apiResponse{}, fetchErr
	}
	if status >= 300 {
		return apiResponse{}, fmt.Errorf("solver returned status %d", status)
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return apiResponse{}, fmt.Errorf("decode solver response: %w", err)
	}
	return resp, nil
}
