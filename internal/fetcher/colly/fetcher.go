// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// Default request headers.
const (
	DefaultUserAgent = "crawl-ingest/1.0 (+https://github.com/JakeFAU/crawl-ingest)"
	DefaultAccept    = "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Accept        string        `mapstructure:"accept"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each fetch
// runs on a clone of a shared base collector so connection pooling and the
// robots.txt cache are reused.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Accept == "" {
		cfg.Accept = DefaultAccept
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgent),
	)
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newRobotsRetryTransport(newHTTPTransport()))
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. Network failures, timeouts, and non-2xx
// responses are reported as *crawler.FetchError; a canceled ctx is returned
// as is.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result crawler.FetchResponse
		state  fetchState
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, time.Now(), &result, &state)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, f.classify(ctx, request.URL, ctx.Err(), &state)
	case err := <-done:
		if err := f.classify(ctx, request.URL, err, &state); err != nil {
			return crawler.FetchResponse{}, err
		}
		return result, nil
	}
}

// fetchState collects what the colly callbacks observed; OnError may run on
// a different goroutine than Fetch.
type fetchState struct {
	mu         sync.Mutex
	statusCode int
	err        error
}

func (s *fetchState) set(status int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCode = status
	s.err = err
}

func (s *fetchState) get() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode, s.err
}

func (f *Fetcher) classify(ctx context.Context, url string, visitErr error, state *fetchState) error {
	status, hookErr := state.get()
	if status != 0 && (status < 200 || status > 299) {
		return &crawler.FetchError{URL: url, StatusCode: status, Err: hookErr}
	}
	err := visitErr
	if err == nil {
		err = hookErr
	}
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return &crawler.FetchError{URL: url, Err: err}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	state *fetchState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", f.cfg.Accept)
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		state.set(status, err)
	})
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
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
		IdleConnTimeout:       90 * time.Second,
	}
}
