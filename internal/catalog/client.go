// Package catalog talks to the remote media catalog's web API: resolving
// track identifiers to metadata, fetching expiring audio stream URLs and
// listing favorites collections page by page.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/errs"
	"github.com/bilisong/bilisong/internal/playlist"
)

const (
	defaultBaseURL   = "https://api.bilibili.com"
	defaultUserAgent = "Mozilla/5.0 BiliDroid/..* (bbcallen@gmail.com)"
	defaultReferer   = "https://www.bilibili.com"

	// apiCodeNotFound is the catalog's "no such resource" code.
	apiCodeNotFound = -404
	// apiCodeRateLimited is the catalog's anti-crawl rejection code.
	apiCodeRateLimited = -412
)

// Item is one entry of a collection listing, not yet resolved to a track.
type Item struct {
	Bvid  string
	Title string
	Owner string
}

// Client is the catalog client. Safe for concurrent use.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	referer   string
	sessdata  string
	retries   int
	minDelay  time.Duration
	pageSize  int
	log       *logrus.Logger
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL  string
	Sessdata string        // optional auth cookie for the catalog
	Timeout  time.Duration // per-request timeout
	Retries  int           // attempts for transient failures
	MinDelay time.Duration // initial backoff delay
	PageSize int           // collection listing page size
}

// NewClient creates a catalog client.
func NewClient(opts Options, log *logrus.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	return &Client{
		http:      &http.Client{Timeout: opts.Timeout},
		baseURL:   opts.BaseURL,
		userAgent: defaultUserAgent,
		referer:   defaultReferer,
		sessdata:  opts.Sessdata,
		retries:   opts.Retries,
		minDelay:  opts.MinDelay,
		pageSize:  opts.PageSize,
		log:       log,
	}
}

// apiEnvelope is the catalog's common response wrapper.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ResolveItem fetches metadata for a single identifier and returns it as a
// playable track (without a stream URL).
func (c *Client) ResolveItem(ctx context.Context, bvid string) (playlist.Track, error) {
	var view struct {
		Bvid  string `json:"bvid"`
		Title string `json:"title"`
		Cid   int64  `json:"cid"`
		Owner struct {
			Name string `json:"name"`
		} `json:"owner"`
	}

	url := fmt.Sprintf("%s/x/web-interface/view?bvid=%s", c.baseURL, bvid)
	if err := c.getJSON(ctx, url, &view); err != nil {
		return playlist.Track{}, err
	}
	if view.Cid == 0 {
		return playlist.Track{}, errs.Newf(errs.NotFound, "no stream id for %s", bvid)
	}

	return playlist.Track{
		Bvid:  bvid,
		Cid:   fmt.Sprintf("%d", view.Cid),
		Title: view.Title,
		Owner: view.Owner.Name,
	}, nil
}

// StreamURL fetches the expiring audio stream locator for a track and
// verifies it answers a ranged request before handing it out.
func (c *Client) StreamURL(ctx context.Context, bvid, cid string) (string, error) {
	var play struct {
		Dash struct {
			Audio []struct {
				BaseURL string `json:"baseUrl"`
			} `json:"audio"`
		} `json:"dash"`
	}

	url := fmt.Sprintf("%s/x/player/playurl?fnval=16&bvid=%s&cid=%s", c.baseURL, bvid, cid)
	if err := c.getJSON(ctx, url, &play); err != nil {
		return "", err
	}
	if len(play.Dash.Audio) == 0 || play.Dash.Audio[0].BaseURL == "" {
		return "", errs.Newf(errs.NotFound, "no audio stream for %s", bvid)
	}

	streamURL := play.Dash.Audio[0].BaseURL
	if err := c.verifyStream(ctx, streamURL); err != nil {
		return "", err
	}
	return streamURL, nil
}

// ListCollectionPage fetches one page of a favorites collection. Pages are
// numbered from 1; more reports whether another page exists.
func (c *Client) ListCollectionPage(ctx context.Context, fid string, page int) (items []Item, more bool, err error) {
	var list struct {
		HasMore bool `json:"has_more"`
		Medias  []struct {
			Bvid  string `json:"bvid"`
			Title string `json:"title"`
			Upper struct {
				Name string `json:"name"`
			} `json:"upper"`
		} `json:"medias"`
	}

	url := fmt.Sprintf("%s/x/v3/fav/resource/list?media_id=%s&pn=%d&ps=%d", c.baseURL, fid, page, c.pageSize)
	if err := c.getJSON(ctx, url, &list); err != nil {
		return nil, false, err
	}

	for _, m := range list.Medias {
		items = append(items, Item{Bvid: m.Bvid, Title: m.Title, Owner: m.Upper.Name})
	}
	return items, list.HasMore, nil
}

// StreamHeaders returns the request headers the stream host requires. The
// decode engine passes these along when it opens the stream.
func (c *Client) StreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent": c.userAgent,
		"Referer":    c.referer,
	}
}

// getJSON performs a GET against the catalog with bounded retries on
// transient failures, unwrapping the API envelope into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.withRetry(ctx, func() error {
		return c.getJSONOnce(ctx, url, out)
	})
}

// withRetry runs fn up to the configured attempt bound, backing off between
// attempts. Only retryable errors are retried.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{Min: c.minDelay, Max: 30 * time.Second, Factor: 2}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !errs.Retryable(lastErr) {
			return lastErr
		}
		if attempt == c.retries {
			break
		}
		delay := b.Duration()
		c.log.WithError(lastErr).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("catalog request failed, retrying")
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.NetworkError, "catalog request cancelled", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (c *Client) getJSONOnce(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, "build catalog request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.referer)
	if c.sessdata != "" {
		req.AddCookie(&http.Cookie{Name: "SESSDATA", Value: c.sessdata})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.NetworkError, "catalog request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusTooManyRequests:
		return errs.Newf(errs.RateLimited, "catalog rejected request: HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return errs.Newf(errs.NetworkError, "catalog returned HTTP %d", resp.StatusCode)
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errs.Wrap(errs.NetworkError, "decode catalog response", err)
	}
	switch env.Code {
	case 0:
	case apiCodeNotFound:
		return errs.Newf(errs.NotFound, "catalog: %s", env.Message)
	case apiCodeRateLimited:
		return errs.Newf(errs.RateLimited, "catalog: %s", env.Message)
	default:
		return errs.Newf(errs.NetworkError, "catalog error %d: %s", env.Code, env.Message)
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.Wrap(errs.NetworkError, "decode catalog payload", err)
	}
	return nil
}

// verifyStream issues a small ranged GET so an already-expired locator is
// caught before it reaches the decode engine. Transient probe failures get
// the same retry policy as the metadata fetches.
func (c *Client) verifyStream(ctx context.Context, url string) error {
	return c.withRetry(ctx, func() error {
		return c.verifyStreamOnce(ctx, url)
	})
}

func (c *Client) verifyStreamOnce(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, "build stream probe", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.referer)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Range", "bytes=0-1024")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.NetworkError, "stream probe failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1025))

	if resp.StatusCode >= 300 {
		return errs.Newf(errs.NetworkError, "stream probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}
