// Package collyfetcher implements batch.Fetcher for direct media URLs using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/media-orchestrator/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	digestLength   = 12
	maxNameLength  = 64
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	Headers      http.Header
	MaxBodyBytes int
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher downloads the locator of a target and stores the body as one artifact.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	store         batch.BlobStore
	hasher        batch.Hasher
	limiter       Limiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// response is what the collector callbacks capture for one visit.
type response struct {
	status      int
	contentType string
	body        []byte
	finalURL    string
	err         error
}

// New builds a Fetcher. limiter and logger are optional.
func New(cfg Config, store batch.BlobStore, hasher batch.Hasher, limiter Limiter, logger *zap.Logger) (*Fetcher, error) {
	if store == nil {
		return nil, errors.New("colly fetcher requires a blob store")
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	opts := []colly.CollectorOption{
		colly.Async(false),
		// Every attempt revisits the same URL; clones share the visited set.
		colly.AllowURLRevisit(),
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	// Clones share the HTTP backend, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		store:         store,
		hasher:        hasher,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// Fetch performs a single attempt for request.Target.
func (f *Fetcher) Fetch(ctx context.Context, request batch.FetchRequest) (batch.FetchResult, error) {
	start := time.Now()
	result, err := f.fetch(ctx, request)
	outcome := "ok"
	if err != nil {
		outcome = string(batch.ClassifyError(err))
	}
	metrics.ObserveFetch(string(request.Target.Kind), outcome, time.Since(start))
	return result, err
}

func (f *Fetcher) fetch(ctx context.Context, request batch.FetchRequest) (batch.FetchResult, error) {
	target := request.Target
	locator, err := validateLocator(target.Locator)
	if err != nil {
		return batch.FetchResult{}, batch.NewFetchError(batch.ErrorKindMalformed, err)
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, locator); err != nil {
			return batch.FetchResult{}, batch.NewFetchError(batch.ErrorKindTransient, err)
		}
	}

	var resp response
	collector := f.buildCollector(requestHeaders(f.cfg.Headers, request), &resp)
	if err := f.runCollector(ctx, collector, locator); err != nil {
		// The visit goroutine may still be writing resp.
		if ctx.Err() != nil {
			return batch.FetchResult{}, batch.NewFetchError(batch.ErrorKindTransient, err)
		}
		if resp.err == nil {
			resp.err = err
		}
	}
	if err := classifyResponse(resp); err != nil {
		f.logger.Debug("fetch attempt failed",
			zap.String("target_key", target.Key),
			zap.Int("attempt", request.Attempt),
			zap.Int("status", resp.status),
			zap.Error(err))
		return batch.FetchResult{}, err
	}

	uri, err := f.storeBody(ctx, request, resp)
	if err != nil {
		return batch.FetchResult{}, batch.Fatal(err)
	}
	metrics.ObserveBytes(locator, len(resp.body))

	return batch.FetchResult{
		Items: countItems(target.Kind, resp.contentType),
		URIs:  []string{uri},
	}, nil
}

func (f *Fetcher) buildCollector(headers http.Header, resp *response) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, headers, resp)
	return collector
}

// MaxPostsHeader carries the per-timeline post cap to the media endpoint.
const MaxPostsHeader = "X-Max-Posts"

// requestHeaders adds the post cap for user timelines to the configured headers.
func requestHeaders(base http.Header, request batch.FetchRequest) http.Header {
	if request.MaxPosts <= 0 || request.Target.Kind != batch.KindUserTimeline {
		return base
	}
	headers := base.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set(MaxPostsHeader, strconv.Itoa(request.MaxPosts))
	return headers
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, headers http.Header, resp *response) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp.status = r.StatusCode
		resp.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			resp.contentType = r.Headers.Get("Content-Type")
		}
		if r.Request != nil && r.Request.URL != nil {
			resp.finalURL = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp.status = r.StatusCode
		}
		resp.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, locator string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(locator)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) storeBody(ctx context.Context, request batch.FetchRequest, resp response) (string, error) {
	digest, err := f.hasher.Hash(resp.body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	objectPath := ArtifactPath(request.RunIdentity, request.Target, sha256.Short(digest, digestLength), resp.contentType, resp.finalURL)
	uri, err := f.store.PutObject(ctx, objectPath, contentTypeOrDefault(resp.contentType), resp.body)
	if err != nil {
		return "", fmt.Errorf("store artifact %s: %w", objectPath, err)
	}
	return uri, nil
}

// ArtifactPath lays out stored media as <run>/<kind>/<id>-<digest><ext>.
func ArtifactPath(run batch.RunIdentity, target batch.Target, digest, contentType, finalURL string) string {
	name := unsafeNameChars.ReplaceAllString(target.ID, "_")
	name = strings.Trim(name, "_")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	if name == "" {
		name = "item"
	}
	return path.Join(string(run), string(target.Kind), name+"-"+digest+extensionFor(contentType, finalURL))
}

func validateLocator(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse locator: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("locator %q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("locator %q has no host", raw)
	}
	return u.String(), nil
}

func classifyResponse(resp response) error {
	if resp.err == nil && resp.status >= 200 && resp.status < 300 {
		if len(resp.body) == 0 {
			return batch.NewFetchError(batch.ErrorKindMalformed, errors.New("empty response body"))
		}
		return nil
	}
	cause := resp.err
	if cause == nil {
		cause = fmt.Errorf("unexpected status %d", resp.status)
	}
	return batch.NewFetchError(KindForStatus(resp.status), cause)
}

// KindForStatus maps an HTTP status to an error kind. Status 0 means the
// request never produced a response.
func KindForStatus(status int) batch.ErrorKind {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return batch.ErrorKindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return batch.ErrorKindAccessDenied
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return batch.ErrorKindMalformed
	case http.StatusTooManyRequests:
		return batch.ErrorKindTransient
	}
	if status >= 500 || status == 0 {
		return batch.ErrorKindTransient
	}
	if status >= 400 {
		return batch.ErrorKindMalformed
	}
	return batch.ErrorKindTransient
}

func countItems(kind batch.TargetKind, contentType string) batch.ItemCounts {
	switch kind {
	case batch.KindStorySet:
		return batch.ItemCounts{Stories: 1}
	case batch.KindReelSet:
		return batch.ItemCounts{Reels: 1}
	}
	if strings.HasPrefix(mediaType(contentType), "video/") {
		return batch.ItemCounts{Videos: 1}
	}
	return batch.ItemCounts{Images: 1}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func extensionFor(contentType, finalURL string) string {
	switch mediaType(contentType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	}
	if exts, err := mime.ExtensionsByType(mediaType(contentType)); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if u, err := url.Parse(finalURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return ".bin"
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
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
