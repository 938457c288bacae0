// Package remote is the HTTP client for the maintenance API. It knows the
// wire format and error classification and nothing about the local cache.
package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jxwalker/maintsync/internal/config"
	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/model"
)

// Endpoint names used by the request pipeline's public allow-list.
const (
	EndpointList    = "list"
	EndpointDetail  = "detail"
	EndpointSearch  = "search"
	EndpointContent = "content"
	EndpointLogin   = "login"
	EndpointRefresh = "refresh"
	EndpointHealth  = "health"
	EndpointVersion = "version"
)

// Version is stamped into the default User-Agent; main overrides it.
var Version = "dev"

// maxBody bounds JSON responses read into memory.
const maxBody = 16 << 20

type bearerKey struct{}

// WithBearer returns a context whose requests carry token as a bearer credential.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

func bearerFrom(ctx context.Context) string {
	s, _ := ctx.Value(bearerKey{}).(string)
	return s
}

// PageQuery selects one page of a listing or search.
type PageQuery struct {
	Filter   model.Filter
	Sort     model.Sort
	Cursor   string
	Page     int
	PageSize int
}

// Page is a decoded page response. Total is -1 when the server omits it.
type Page struct {
	Items      []model.Record
	Page       int
	PageSize   int
	Total      int64
	NextCursor string
}

// HasMore reports whether the server indicated a following page.
func (p Page) HasMore() bool {
	if p.NextCursor != "" {
		return true
	}
	if p.Total >= 0 && p.PageSize > 0 && p.Page > 0 {
		return int64(p.Page*p.PageSize) < p.Total
	}
	return false
}

// Stream is an open content download. The caller closes Body.
type Stream struct {
	Body     io.ReadCloser
	Size     *int64
	SHA256   string
	FileName string
	MimeType string
}

type Client struct {
	base    *url.URL
	hc      *http.Client
	ua      string
	log     *logging.Logger
	schemas *schemas
}

func New(cfg *config.Config, log *logging.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	base, err := url.Parse(strings.TrimRight(cfg.API.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api.base_url: %w", err)
	}
	sch, err := loadSchemas()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	return &Client{
		base:    base,
		hc:      newHTTPClient(cfg),
		ua:      userAgent(cfg),
		log:     log.With("component", "remote"),
		schemas: sch,
	}, nil
}

// BaseURL is the API root the client talks to.
func (c *Client) BaseURL() *url.URL { u := *c.base; return &u }

func newHTTPClient(cfg *config.Config) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// streams may run long; only the wait for headers is bounded here
		ResponseHeaderTimeout: cfg.Timeout(),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Network.InsecureSkipVerify, //nolint:gosec // opt-in for lab servers
		},
	}
	client := &http.Client{Transport: tr}
	// Avoid leaking Authorization across hosts.
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) == 0 {
			return nil
		}
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		prev := via[len(via)-1]
		if ua := prev.Header.Get("User-Agent"); ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		if prev.URL != nil && req.URL != nil && !strings.EqualFold(prev.URL.Host, req.URL.Host) {
			req.Header.Del("Authorization")
		}
		return nil
	}
	return client
}

// userAgent returns the configured User-Agent, or
// "maintsync/<version> (<goos>/<goarch>)" when not set.
func userAgent(cfg *config.Config) string {
	if cfg != nil && cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}
	return fmt.Sprintf("maintsync/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

func (c *Client) endpointURL(q url.Values, segments ...string) string {
	u := *c.base
	u.Path = path.Join(append([]string{"/", c.base.Path, "api", "v1"}, segments...)...)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends the request and returns the response for 2xx statuses. Any other
// status is read, classified and returned as an error.
func (c *Client) do(ctx context.Context, op, method, rawURL string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Unexpected, op, err)
		}
		rdr = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Unexpected, op, err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok := bearerFrom(ctx)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Debugf("%s %s failed after %s: %v", method, logging.SanitizeURL(rawURL), time.Since(start).Round(time.Millisecond), err)
		return nil, apperrors.FromTransport(op, err)
	}
	c.log.Debugf("%s %s -> %d in %s", method, logging.SanitizeURL(rawURL), resp.StatusCode, time.Since(start).Round(time.Millisecond))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return nil, classifyResponse(op, resp, b, tok != "")
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string) ([]byte, error) {
	resp, err := c.do(ctx, op, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return readBody(ctx, op, resp)
}

func readBody(ctx context.Context, op string, resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.FromTransport(op, ctx.Err())
		}
		return nil, apperrors.FromTransport(op, err)
	}
	return b, nil
}

func (c *Client) decodePage(op string, kind model.Kind, body []byte) (Page, error) {
	if err := validate(op, c.schemas.page, body); err != nil {
		return Page{}, err
	}
	var wp wirePage
	if err := json.Unmarshal(body, &wp); err != nil {
		return Page{}, apperrors.Wrap(apperrors.ParseError, op, err)
	}
	out := Page{Page: wp.Page, PageSize: wp.PageSize, Total: -1, Items: make([]model.Record, 0, len(wp.Items))}
	if wp.Total != nil {
		out.Total = *wp.Total
	}
	if wp.NextCursor != nil {
		out.NextCursor = *wp.NextCursor
	}
	for _, raw := range wp.Items {
		var wr wireRecord
		if err := json.Unmarshal(raw, &wr); err != nil {
			return Page{}, apperrors.Wrap(apperrors.ParseError, op, err)
		}
		r, err := wr.toRecord(kind)
		if err != nil {
			return Page{}, apperrors.Wrap(apperrors.ParseError, op, err)
		}
		out.Items = append(out.Items, r)
	}
	return out, nil
}

func pageValues(q PageQuery) url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if s := strings.TrimSpace(q.Filter.Query); s != "" {
		v.Set("q", s)
	}
	if s := strings.TrimSpace(q.Filter.Status); s != "" {
		v.Set("status", s)
	}
	if q.Sort != "" {
		v.Set("sort", string(q.Sort))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return v
}

// FetchPage lists one page of a collection.
func (c *Client) FetchPage(ctx context.Context, kind model.Kind, q PageQuery) (Page, error) {
	const op = "fetch_page"
	body, err := c.getJSON(ctx, op, c.endpointURL(pageValues(q), kind.Collection()))
	if err != nil {
		return Page{}, err
	}
	return c.decodePage(op, kind, body)
}

// Search runs a server-side search.
func (c *Client) Search(ctx context.Context, kind model.Kind, q PageQuery) (Page, error) {
	const op = "search"
	body, err := c.getJSON(ctx, op, c.endpointURL(pageValues(q), kind.Collection(), "search"))
	if err != nil {
		return Page{}, err
	}
	return c.decodePage(op, kind, body)
}

// FetchDetail loads a single record.
func (c *Client) FetchDetail(ctx context.Context, kind model.Kind, id int64) (model.Record, error) {
	const op = "fetch_detail"
	body, err := c.getJSON(ctx, op, c.endpointURL(nil, kind.Collection(), strconv.FormatInt(id, 10)))
	if err != nil {
		return model.Record{}, err
	}
	if err := validate(op, c.schemas.record, body); err != nil {
		return model.Record{}, err
	}
	var wr wireRecord
	if err := json.Unmarshal(body, &wr); err != nil {
		return model.Record{}, apperrors.Wrap(apperrors.ParseError, op, err)
	}
	if wr.ID != id {
		return model.Record{}, apperrors.New(apperrors.ParseError, op, fmt.Sprintf("asked for %d, server returned %d", id, wr.ID))
	}
	r, err := wr.toRecord(kind)
	if err != nil {
		return model.Record{}, apperrors.Wrap(apperrors.ParseError, op, err)
	}
	return r, nil
}

// OpenDownloadStream starts streaming a record's content.
func (c *Client) OpenDownloadStream(ctx context.Context, kind model.Kind, id int64) (*Stream, error) {
	const op = "open_download_stream"
	resp, err := c.do(ctx, op, http.MethodGet, c.endpointURL(nil, kind.Collection(), strconv.FormatInt(id, 10), "content"), nil)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		Body:     resp.Body,
		SHA256:   strings.ToLower(strings.TrimSpace(resp.Header.Get("X-Content-SHA256"))),
		MimeType: resp.Header.Get("Content-Type"),
		FileName: fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	if resp.ContentLength >= 0 {
		n := resp.ContentLength
		s.Size = &n
	}
	return s, nil
}

func fileNameFromDisposition(cd string) string {
	for _, part := range strings.Split(cd, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func (c *Client) postToken(ctx context.Context, op, rawURL string, body any) (model.TokenPair, error) {
	resp, err := c.do(ctx, op, http.MethodPost, rawURL, body)
	if err != nil {
		return model.TokenPair{}, err
	}
	b, err := readBody(ctx, op, resp)
	if err != nil {
		return model.TokenPair{}, err
	}
	if err := validate(op, c.schemas.token, b); err != nil {
		return model.TokenPair{}, err
	}
	var wt wireToken
	if err := json.Unmarshal(b, &wt); err != nil {
		return model.TokenPair{}, apperrors.Wrap(apperrors.ParseError, op, err)
	}
	return wt.toPair(), nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, creds model.Credentials) (model.TokenPair, error) {
	return c.postToken(ctx, "login", c.endpointURL(nil, "auth", "login"), creds)
}

// Refresh exchanges a refresh token for a new pair. Servers that do not
// rotate refresh tokens may omit refresh_token from the response.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	return c.postToken(ctx, "refresh", c.endpointURL(nil, "auth", "refresh"),
		map[string]string{"refresh_token": refreshToken})
}

// Health succeeds when the API answers its health probe with 2xx.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, "health", http.MethodGet, c.endpointURL(nil, "health"), nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// ServerVersion returns the API's reported version string.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	const op = "version"
	body, err := c.getJSON(ctx, op, c.endpointURL(nil, "version"))
	if err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", apperrors.Wrap(apperrors.ParseError, op, err)
	}
	return v.Version, nil
}
