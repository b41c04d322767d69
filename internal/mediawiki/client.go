// Package mediawiki is a small MediaWiki action API client for file and page image lookups.
package mediawiki

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/google/uuid"
	"github.com/k3a/html2text"

	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/httpclient"
	"github.com/tphakala/cardimages/internal/logger"
)

const (
	// MaxTitlesPerQuery is the action API limit for titles= on anonymous requests.
	MaxTitlesPerQuery = 50

	// maxResponseBytes caps how much of an API response is read
	maxResponseBytes = 8 << 20

	// maxDiagnosticLen caps error body text kept for logs
	maxDiagnosticLen = 300

	componentName = "mediawiki"
)

// ErrAPI is returned when the API answers with a structured error object.
var ErrAPI = errors.NewStd("mediawiki api error")

// Doer is the HTTP surface the client needs. *httpclient.Client implements it.
type Doer interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

var _ Doer = (*httpclient.Client)(nil)

// Client queries a MediaWiki api.php endpoint.
type Client struct {
	apiURL string
	http   Doer
	log    logger.Logger
}

// New creates a client for the api.php endpoint at apiURL.
func New(apiURL string, doer Doer, log logger.Logger) *Client {
	if log == nil {
		log = logger.Global().Module("cardimage").Module(componentName)
	}
	return &Client{apiURL: apiURL, http: doer, log: log}
}

// NewRequestID returns a short id used to correlate log lines of one query.
func NewRequestID() string {
	return uuid.New().String()[:8]
}

// query performs one GET against api.php and returns the decoded JSON object.
// format=json and formatversion=2 are always set.
func (c *Client) query(ctx context.Context, reqID string, params map[string]string) (*jason.Object, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("format", "json")
	values.Set("formatversion", "2")
	fullURL := c.apiURL + "?" + values.Encode()

	log := c.log.With(logger.String("request_id", reqID), logger.String("api_action", params["action"]))
	log.Debug("Sending API request", logger.String("prop", params["prop"]))

	start := time.Now()
	resp, err := c.http.Get(ctx, fullURL)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("request_id", reqID).
			Context("operation", "api_query").
			Build()
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Debug("Failed to close response body", logger.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.New(fmt.Errorf("reading api response: %w", err)).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("request_id", reqID).
			Build()
	}

	if resp.StatusCode != http.StatusOK {
		text := diagnosticText(resp.Header.Get("Content-Type"), body)
		log.Warn("API returned non-OK status",
			logger.Int("status_code", resp.StatusCode),
			logger.String("response_text", text))
		return nil, errors.Newf("api status %d: %s", resp.StatusCode, text).
			Component(componentName).
			Category(errors.CategoryHTTP).
			Context("request_id", reqID).
			Context("status_code", resp.StatusCode).
			Build()
	}

	obj, err := jason.NewObjectFromBytes(body)
	if err != nil {
		// Usually an HTML error page from a proxy or maintenance screen
		text := diagnosticText(resp.Header.Get("Content-Type"), body)
		log.Warn("API returned non-JSON content",
			logger.String("content_type", resp.Header.Get("Content-Type")),
			logger.String("response_text", text))
		return nil, errors.New(fmt.Errorf("decoding api response: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileParsing).
			Context("request_id", reqID).
			Context("response_text", text).
			Build()
	}

	if apiErr, errCheck := obj.GetObject("error"); errCheck == nil {
		code, _ := apiErr.GetString("code")
		info, _ := apiErr.GetString("info")
		log.Warn("API returned structured error",
			logger.String("error_code", code),
			logger.String("error_info", info))
		return nil, errors.New(fmt.Errorf("%w: %s: %s", ErrAPI, code, info)).
			Component(componentName).
			Category(errors.CategoryImageProvider).
			Context("request_id", reqID).
			Context("error_code", code).
			Build()
	}

	log.Debug("API request completed",
		logger.Duration("elapsed", time.Since(start)),
		logger.Int("response_size", len(body)))
	return obj, nil
}

// diagnosticText turns an error body into a short single-line text for logs.
func diagnosticText(contentType string, body []byte) string {
	text := string(bytes.TrimSpace(body))
	if strings.Contains(contentType, "html") || strings.HasPrefix(text, "<") {
		text = html2text.HTML2Text(text)
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxDiagnosticLen {
		text = text[:maxDiagnosticLen] + "..."
	}
	return text
}

// chunk splits titles into batches of at most size.
func chunk(titles []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(titles); start += size {
		end := min(start+size, len(titles))
		batches = append(batches, titles[start:end])
	}
	return batches
}

// titleMapper maps titles in a response back to the requested titles through
// the query.normalized and query.redirects lists.
type titleMapper map[string]string

func newTitleMapper(query *jason.Object) titleMapper {
	m := titleMapper{}
	for _, list := range []string{"normalized", "redirects"} {
		entries, err := query.GetObjectArray(list)
		if err != nil {
			continue
		}
		for _, e := range entries {
			from, errFrom := e.GetString("from")
			to, errTo := e.GetString("to")
			if errFrom == nil && errTo == nil {
				m[to] = from
			}
		}
	}
	return m
}

// requested walks back at most a redirect and a normalization.
func (m titleMapper) requested(title string) string {
	for range 2 {
		from, ok := m[title]
		if !ok {
			break
		}
		title = from
	}
	return title
}
