// Package collyregistry implements harvest.Registry on top of gocolly.
package collyregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

// Default registry endpoints.
const (
	DefaultSearchPath = "/api/Records/businesssearch"
	DefaultDetailPath = "/api/FilingDetail/business/{id}/false"
)

// Config controls the registry client.
type Config struct {
	BaseURL    string
	SearchPath string
	DetailPath string
	UserAgent  string
	Timeout    time.Duration
}

// Waiter gates outgoing calls.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Registry issues search and detail calls through a shared colly collector.
type Registry struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       Waiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Registry. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Registry, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid registry base url %q: %w", cfg.BaseURL, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SearchPath == "" {
		cfg.SearchPath = DefaultSearchPath
	}
	if cfg.DetailPath == "" {
		cfg.DetailPath = DefaultDetailPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Session cookies come from the credential on every request; the
	// collector must not accumulate its own.
	c.DisableCookies()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	// Non-2xx bodies are needed for block classification.
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Registry{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger.Named("registry"),
	}, nil
}

// Search posts the search filter document for item.
func (r *Registry) Search(
	ctx context.Context,
	item harvest.WorkItem,
	credential harvest.SessionCredential,
) (harvest.Response, error) {
	body, err := json.Marshal(newSearchRequest(string(item)))
	if err != nil {
		return harvest.Response{}, fmt.Errorf("encode search request: %w", err)
	}
	target := r.cfg.BaseURL + r.cfg.SearchPath
	return r.do(ctx, credential, target, func(c *colly.Collector) error {
		return c.PostRaw(target, body)
	}, http.Header{"Content-Type": {"application/json"}})
}

// Detail fetches the detail document for one search hit.
func (r *Registry) Detail(
	ctx context.Context,
	subID string,
	credential harvest.SessionCredential,
) (harvest.Response, error) {
	target := r.cfg.BaseURL + strings.ReplaceAll(r.cfg.DetailPath, "{id}", url.PathEscape(subID))
	return r.do(ctx, credential, target, func(c *colly.Collector) error {
		return c.Visit(target)
	}, nil)
}

func (r *Registry) do(
	ctx context.Context,
	credential harvest.SessionCredential,
	target string,
	send func(*colly.Collector) error,
	extra http.Header,
) (harvest.Response, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, target); err != nil {
			return harvest.Response{}, err
		}
	}

	var (
		result   harvest.Response
		fetchErr error
	)
	start := time.Now()
	collector := r.baseCollector.Clone()
	r.configureCollectorHooks(collector, credential, extra, start, &result, &fetchErr)

	if err := runCollector(ctx, collector, send, &fetchErr); err != nil {
		r.logger.Debug("registry call failed", zap.String("url", target), zap.Error(err))
		return harvest.Response{}, err
	}
	return result, nil
}

func (r *Registry) configureCollectorHooks(
	hooks collectorHooks,
	credential harvest.SessionCredential,
	extra http.Header,
	start time.Time,
	result *harvest.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(req *colly.Request) {
		applyCredential(req.Headers, credential)
		for key, values := range extra {
			req.Headers.Del(key)
			for _, v := range values {
				req.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(resp *colly.Response) {
		*result = harvest.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Headers.Clone(),
			Body:       append([]byte(nil), resp.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// applyCredential copies the credential's browser headers and session
// cookies onto an outgoing request.
func applyCredential(h *http.Header, credential harvest.SessionCredential) {
	for key, values := range credential.Header() {
		h.Del(key)
		for _, v := range values {
			h.Add(key, v)
		}
	}
	cookies := credential.Cookies()
	if len(cookies) == 0 {
		return
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	h.Set("Cookie", strings.Join(parts, "; "))
}

func runCollector(ctx context.Context, collector *colly.Collector, send func(*colly.Collector) error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- send(collector)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("registry call canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("registry request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("registry response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// searchRequest is the registry's search filter document. Only the search
// value varies per item.
type searchRequest struct {
	SearchValue                      string      `json:"SEARCH_VALUE"`
	SearchFilterTypeID               string      `json:"SEARCH_FILTER_TYPE_ID"`
	SearchTypeID                     string      `json:"SEARCH_TYPE_ID"`
	FilingTypeID                     string      `json:"FILING_TYPE_ID"`
	StatusID                         string      `json:"STATUS_ID"`
	FilingDate                       dateRange   `json:"FILING_DATE"`
	CorporationBankruptcyYN          bool        `json:"CORPORATION_BANKRUPTCY_YN"`
	CorporationLegalProceedingsYN    bool        `json:"CORPORATION_LEGAL_PROCEEDINGS_YN"`
	OfficerObject                    officerName `json:"OFFICER_OBJECT"`
	NumberOfFemaleDirectors          string      `json:"NUMBER_OF_FEMALE_DIRECTORS"`
	NumberOfUnderrepresentedDirector string      `json:"NUMBER_OF_UNDERREPRESENTED_DIRECTORS"`
	CompensationFrom                 string      `json:"COMPENSATION_FROM"`
	CompensationTo                   string      `json:"COMPENSATION_TO"`
	SharesYN                         bool        `json:"SHARES_YN"`
	OptionsYN                        bool        `json:"OPTIONS_YN"`
	BankruptcyYN                     bool        `json:"BANKRUPTCY_YN"`
	FraudYN                          bool        `json:"FRAUD_YN"`
	LoansYN                          bool        `json:"LOANS_YN"`
	AuditorName                      string      `json:"AUDITOR_NAME"`
}

type dateRange struct {
	Start *string `json:"start"`
	End   *string `json:"end"`
}

type officerName struct {
	FirstName  string `json:"FIRST_NAME"`
	MiddleName string `json:"MIDDLE_NAME"`
	LastName   string `json:"LAST_NAME"`
}

func newSearchRequest(value string) searchRequest {
	return searchRequest{
		SearchValue:                      value,
		SearchFilterTypeID:               "0",
		SearchTypeID:                     "1",
		NumberOfFemaleDirectors:          "99",
		NumberOfUnderrepresentedDirector: "99",
	}
}

var _ harvest.Registry = (*Registry)(nil)
