// Package browser acquires registry sessions by driving headless Chrome
// through the registry's bot challenge.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/credential/solver"
	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

// Page defaults.
const (
	DefaultSearchSelector  = `input[placeholder="Search by name or file number"]`
	DefaultCaptchaIframe   = `iframe#main-iframe`
	DefaultCaptchaSelector = `div.h-captcha`
)

// ErrNoChallenge means neither the search form nor a solvable challenge appeared.
var ErrNoChallenge = errors.New("no search form or captcha challenge found")

// Solver turns a challenge sitekey into a token.
type Solver interface {
	Solve(ctx context.Context, sitekey, pageURL string) (solver.Solution, error)
}

// Config controls the browser session.
type Config struct {
	PageURL           string
	SearchSelector    string
	CaptchaIframe     string
	CaptchaSelector   string
	UserAgent         string
	Headers           http.Header
	InitialWait       time.Duration
	SearchWait        time.Duration
	SettleWait        time.Duration
	NavigationTimeout time.Duration
}

// Provider implements harvest.CredentialProvider with chromedp.
type Provider struct {
	cfg         Config
	solver      Solver
	clock       harvest.Clock
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Provider backed by a headless Chrome allocator.
func New(cfg Config, s Solver, clock harvest.Clock, logger *zap.Logger) (*Provider, error) {
	if cfg.PageURL == "" {
		return nil, errors.New("page url is required")
	}
	if s == nil {
		return nil, errors.New("captcha solver is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "en-US"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Provider{
		cfg:         cfg,
		solver:      s,
		clock:       clock,
		logger:      logger.Named("browser"),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.SearchSelector == "" {
		cfg.SearchSelector = DefaultSearchSelector
	}
	if cfg.CaptchaIframe == "" {
		cfg.CaptchaIframe = DefaultCaptchaIframe
	}
	if cfg.CaptchaSelector == "" {
		cfg.CaptchaSelector = DefaultCaptchaSelector
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = 3 * time.Second
	}
	if cfg.SearchWait <= 0 {
		cfg.SearchWait = 5 * time.Second
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 5 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 3 * time.Minute
	}
	return cfg
}

// Close shuts down the browser allocator.
func (p *Provider) Close() {
	p.allocCancel()
}

// Acquire opens the registry page, passes the challenge if one is shown and
// returns the resulting cookies with the configured browser headers.
func (p *Provider) Acquire(ctx context.Context) (harvest.SessionCredential, error) {
	taskCtx, taskCancel := chromedp.NewContext(p.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, p.cfg.NavigationTimeout)
	defer cancel()
	// Tie the browser task to the caller's context as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx,
		network.Enable(),
		chromedp.Navigate(p.cfg.PageURL),
		chromedp.Sleep(p.cfg.InitialWait),
	); err != nil {
		return harvest.SessionCredential{}, fmt.Errorf("open registry page: %w", err)
	}

	userAgent := p.cfg.UserAgent
	if !p.searchFormPresent(taskCtx) {
		p.logger.Info("search form not shown, solving challenge")
		solvedUA, err := p.passChallenge(taskCtx)
		if err != nil {
			return harvest.SessionCredential{}, err
		}
		if solvedUA != "" {
			userAgent = solvedUA
		}
	} else {
		p.logger.Info("search form present, no challenge")
	}

	var cookies []*network.Cookie
	if err := chromedp.Run(taskCtx,
		chromedp.Sleep(p.cfg.SettleWait),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	); err != nil {
		return harvest.SessionCredential{}, fmt.Errorf("read cookies: %w", err)
	}
	if len(cookies) == 0 {
		return harvest.SessionCredential{}, errors.New("browser session produced no cookies")
	}

	p.logger.Info("session cookies harvested", zap.Int("count", len(cookies)))
	return harvest.NewSessionCredential(cookieMap(cookies), sessionHeader(p.cfg.Headers, userAgent), p.clock.Now()), nil
}

func (p *Provider) searchFormPresent(ctx context.Context) bool {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.SearchWait)
	defer cancel()
	return chromedp.Run(waitCtx, chromedp.WaitVisible(p.cfg.SearchSelector, chromedp.ByQuery)) == nil
}

// passChallenge solves the captcha inside the challenge iframe and returns
// the user agent the solver used, if any.
func (p *Provider) passChallenge(ctx context.Context) (string, error) {
	var iframes []*cdp.Node
	frameCtx, cancel := context.WithTimeout(ctx, 2*p.cfg.SearchWait)
	defer cancel()
	if err := chromedp.Run(frameCtx, chromedp.Nodes(p.cfg.CaptchaIframe, &iframes, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoChallenge, err)
	}
	if len(iframes) == 0 {
		return "", ErrNoChallenge
	}

	var (
		sitekey string
		found   bool
	)
	if err := chromedp.Run(ctx, chromedp.AttributeValue(
		p.cfg.CaptchaSelector, "data-sitekey", &sitekey, &found,
		chromedp.ByQuery, chromedp.FromNode(iframes[0]),
	)); err != nil {
		return "", fmt.Errorf("read captcha sitekey: %w", err)
	}
	if !found || sitekey == "" {
		return "", fmt.Errorf("%w: captcha has no sitekey", ErrNoChallenge)
	}
	p.logger.Info("captcha sitekey found", zap.String("sitekey", sitekey))

	solution, err := p.solver.Solve(ctx, sitekey, p.cfg.PageURL)
	if err != nil {
		return "", fmt.Errorf("solve captcha: %w", err)
	}

	script, err := injectionScript(p.cfg.CaptchaIframe, solution.Token)
	if err != nil {
		return "", err
	}
	actions := []chromedp.Action{}
	if solution.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(solution.UserAgent))
	}
	actions = append(actions, chromedp.Evaluate(script, nil))
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("submit captcha token: %w", err)
	}
	return solution.UserAgent, nil
}

// injectionScript fills the hCaptcha and reCAPTCHA response fields in the
// page and the challenge iframe, then fires the page's completion callback.
func injectionScript(iframeSelector, token string) (string, error) {
	quotedToken, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode captcha token: %w", err)
	}
	quotedFrame, err := json.Marshal(iframeSelector)
	if err != nil {
		return "", fmt.Errorf("encode iframe selector: %w", err)
	}
	return fmt.Sprintf(`(function(token, frameSelector) {
  const docs = [document];
  const frame = document.querySelector(frameSelector);
  if (frame && frame.contentDocument) { docs.push(frame.contentDocument); }
  for (const doc of docs) {
    for (const name of ["h-captcha-response", "g-recaptcha-response"]) {
      const field = doc.querySelector("[name=" + name + "]");
      if (field) { field.innerHTML = token; field.value = token; }
    }
    const win = doc.defaultView;
    if (win && typeof win.onCaptchaFinished === "function") { win.onCaptchaFinished(token); }
  }
  return true;
})(%s, %s)`, quotedToken, quotedFrame), nil
}

func cookieMap(cookies []*network.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		out[c.Name] = c.Value
	}
	return out
}

func sessionHeader(base http.Header, userAgent string) http.Header {
	h := base.Clone()
	if h == nil {
		h = http.Header{}
	}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	return h
}

var _ harvest.CredentialProvider = (*Provider)(nil)
