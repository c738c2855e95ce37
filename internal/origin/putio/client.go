package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultBackoff   = 500 * time.Millisecond
	defaultRateLimit = 10
)

// Client is the put.io origin. Metadata and link lookups go through the put.io API;
// bytes are read from the download link it hands out.
type Client struct {
	putioClient *putio.Client
	httpClient  *http.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	maxRetries  int
	backoff     time.Duration
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL points the API client at a different put.io endpoint.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if raw == "" {
			return nil
		}

		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid put.io base url: %w", err)
		}

		c.putioClient.BaseURL = u

		return nil
	}
}

// WithHTTPClient replaces the client used to read file bytes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc

		return nil
	}
}

// WithTimeout bounds API calls and the wait for a download's response headers.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d > 0 {
			c.timeout = d
		}

		return nil
	}
}

// WithRetry sets how many times timeouts and server errors are retried, backing off
// exponentially from backoff.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) error {
		c.maxRetries = maxRetries
		c.backoff = backoff

		return nil
	}
}

// WithRateLimit caps origin requests per second. Zero or less disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) error {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)

			return nil
		}

		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))

		return nil
	}
}

func NewClient(token string, opts ...Option) (*Client, error) {
	client := &Client{
		timeout:    defaultTimeout,
		maxRetries: 2,
		backoff:    defaultBackoff,
		limiter:    rate.NewLimiter(defaultRateLimit, defaultRateLimit),
	}

	apiHTTP := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, apiHTTP), tokenSource)
	client.putioClient = putio.NewClient(oauthClient)

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	if client.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = client.timeout

		client.httpClient = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}

	return client, nil
}

// Authenticate verifies the token by fetching the account.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	var username string

	err := c.retry(ctx, "authenticate", func(ctx context.Context) error {
		user, err := c.putioClient.Account.Info(ctx)
		if err != nil {
			return err
		}

		username = user.Username

		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", username)

	return nil
}

// Metadata returns the name, content type and size of a playable file.
func (c *Client) Metadata(ctx context.Context, originID string) (*media.Metadata, error) {
	id, err := parseID("metadata", originID)
	if err != nil {
		return nil, err
	}

	var meta *media.Metadata

	err = c.retry(ctx, "metadata", func(ctx context.Context) error {
		file, err := c.putioClient.Files.Get(ctx, id)
		if err != nil {
			return err
		}

		if file.IsDir() || !media.IsPlayable(file.ContentType, file.FileType) {
			return &media.OriginError{
				Op:      "metadata",
				Kind:    media.KindNotFound,
				Message: fmt.Sprintf("file %d is not playable media (%s)", id, file.FileType),
			}
		}

		meta = &media.Metadata{
			Name:      file.Name,
			MimeType:  file.ContentType,
			SizeBytes: file.Size,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return meta, nil
}

// Open streams the file, or the requested range of it. Origins that ignore the
// Range header are trimmed locally so the stream always matches the resolved bounds.
func (c *Client) Open(ctx context.Context, originID string, rng *media.ByteRange) (*media.Stream, error) {
	logger := logctx.LoggerFromContext(ctx).With("origin_id", originID)

	id, err := parseID("open", originID)
	if err != nil {
		return nil, err
	}

	var link string

	err = c.retry(ctx, "url", func(ctx context.Context) error {
		var err error

		link, err = c.putioClient.Files.URL(ctx, id, false)

		return err
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file download url", "err", err)

		return nil, err
	}

	var stream *media.Stream

	// No timeout on the body: the transport bounds the wait for headers and the
	// request context tears the connection down.
	err = c.retryWithoutDeadline(ctx, "open", func(ctx context.Context) error {
		var err error

		stream, err = c.open(ctx, link, rng)

		return err
	})
	if err != nil {
		return nil, err
	}

	return stream, nil
}

// Usage reports the account's disk quota.
func (c *Client) Usage(ctx context.Context) (*media.Usage, error) {
	var usage *media.Usage

	err := c.retry(ctx, "usage", func(ctx context.Context) error {
		info, err := c.putioClient.Account.Info(ctx)
		if err != nil {
			return err
		}

		usage = &media.Usage{
			Used:  info.Disk.Used,
			Size:  info.Disk.Size,
			Avail: info.Disk.Avail,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return usage, nil
}

func (c *Client) open(ctx context.Context, link string, rng *media.ByteRange) (*media.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	if rng != nil {
		req.Header.Set("Range", rng.Header())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify("open", err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, end, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()

			return nil, &media.OriginError{Op: "open", Kind: media.KindNetwork, StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
		}

		return &media.Stream{
			Body:        resp.Body,
			ContentType: resp.Header.Get("Content-Type"),
			Start:       start,
			End:         end,
			TotalSize:   total,
			Partial:     true,
		}, nil

	case http.StatusOK:
		return fullResponseStream(resp, rng)

	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()

		return nil, fmt.Errorf("open: %w", media.ErrRangeNotSatisfiable)

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		return nil, &media.OriginError{
			Op:         "open",
			Kind:       statusKind(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
		}
	}
}

func fullResponseStream(resp *http.Response, rng *media.ByteRange) (*media.Stream, error) {
	total := resp.ContentLength
	contentType := resp.Header.Get("Content-Type")

	if rng == nil {
		// chunked responses carry no length
		if total < 0 {
			total = media.UnknownSize
		}

		return &media.Stream{
			Body:        resp.Body,
			ContentType: contentType,
			Start:       0,
			End:         max(total-1, media.UnknownSize),
			TotalSize:   total,
		}, nil
	}

	if _, err := io.CopyN(io.Discard, resp.Body, rng.Start); err != nil {
		resp.Body.Close()

		return nil, classify("open", err)
	}

	if total < 0 {
		total = rng.TotalSize
	}

	return &media.Stream{
		Body:        readCloser{Reader: io.LimitReader(resp.Body, rng.Length()), Closer: resp.Body},
		ContentType: contentType,
		Start:       rng.Start,
		End:         rng.End,
		TotalSize:   total,
		Partial:     true,
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.do(ctx, op, true, fn)
}

func (c *Client) retryWithoutDeadline(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.do(ctx, op, false, fn)
}

func (c *Client) do(ctx context.Context, op string, deadline bool, fn func(ctx context.Context) error) error {
	logger := logctx.LoggerFromContext(ctx).With("op", op)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.backoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(classify(op, err))
		}

		err := c.attempt(ctx, deadline, fn)
		if err == nil {
			return struct{}{}, nil
		}

		if errors.Is(err, media.ErrRangeNotSatisfiable) {
			return struct{}{}, backoff.Permanent(err)
		}

		originErr := classify(op, err)
		if !originErr.Retryable() || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(originErr)
		}

		return struct{}{}, originErr
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(max(c.maxRetries, 0))+1),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.WarnContext(ctx, "origin request failed, retrying",
				"max_retries", c.maxRetries, "delay", delay, "err", err)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	if err == nil || errors.Is(err, media.ErrRangeNotSatisfiable) {
		return err
	}

	return classify(op, err)
}

func (c *Client) attempt(ctx context.Context, deadline bool, fn func(ctx context.Context) error) error {
	if !deadline {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return fn(ctx)
}

// classify maps transport, API and context failures onto origin error kinds.
func classify(op string, err error) *media.OriginError {
	if err == nil {
		return nil
	}

	var originErr *media.OriginError
	if errors.As(err, &originErr) {
		return originErr
	}

	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return &media.OriginError{
			Op:         op,
			Kind:       statusKind(apiErr.Response.StatusCode),
			StatusCode: apiErr.Response.StatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}

	kind := media.KindNetwork

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = media.KindTimeout
	}

	return &media.OriginError{Op: op, Kind: kind, Message: err.Error(), Err: err}
}

func statusKind(code int) media.ErrorKind {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return media.KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return media.KindAuth
	case code == http.StatusTooManyRequests:
		return media.KindQuota
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return media.KindTimeout
	default:
		return media.KindNetwork
	}
}

func parseID(op, originID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(originID), 10, 64)
	if err != nil || id <= 0 {
		return 0, &media.OriginError{
			Op:      op,
			Kind:    media.KindNotFound,
			Message: fmt.Sprintf("invalid put.io file id %q", originID),
		}
	}

	return id, nil
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unexpected content-range %q", header)
	}

	bounds, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unexpected content-range %q", header)
	}

	first, last, ok := strings.Cut(bounds, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unexpected content-range %q", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content-range start: %w", err)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content-range end: %w", err)
	}

	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content-range total: %w", err)
	}

	if start > end || end >= total {
		return 0, 0, 0, fmt.Errorf("inconsistent content-range %q", header)
	}

	return start, end, total, nil
}
