package origin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/content"
)

// LookupPageSize bounds the uid list of one bulk asset lookup.
const LookupPageSize = 100

type EntryResult struct {
	Entry       map[string]any
	ContentType map[string]any
}

// FetchEntry loads one published entry version together with its content type.
func (c *Client) FetchEntry(ctx context.Context, contentTypeUID, uid, locale string, version any) (EntryResult, error) {
	query := url.Values{}
	query.Set("locale", locale)
	if v := content.StringValue(version); v != "" {
		query.Set("version", v)
	}
	query.Set("include_content_type", "true")
	query.Set("r", strconv.FormatInt(time.Now().UnixNano(), 10))
	resp, err := c.Call(ctx, Request{
		URL:   c.endpoint("content_types", contentTypeUID, "entries", uid),
		Query: query,
	})
	if err != nil {
		return EntryResult{}, err
	}
	body, err := resp.JSON()
	if err != nil {
		return EntryResult{}, err
	}
	entry, ok := body["entry"].(map[string]any)
	if !ok {
		return EntryResult{}, content.E(content.KindNotFound, "fetch entry", fmt.Sprintf("entry %s not found in %s", uid, contentTypeUID))
	}
	ct, _ := body["content_type"].(map[string]any)
	return EntryResult{Entry: entry, ContentType: ct}, nil
}

// FetchAsset loads asset metadata; a body without an asset key is NotFound.
func (c *Client) FetchAsset(ctx context.Context, uid, locale string, version any) (map[string]any, error) {
	query := url.Values{}
	if locale != "" {
		query.Set("locale", locale)
	}
	if v := content.StringValue(version); v != "" {
		query.Set("version", v)
	}
	resp, err := c.Call(ctx, Request{URL: c.endpoint("assets", uid), Query: query})
	if err != nil {
		return nil, err
	}
	body, err := resp.JSON()
	if err != nil {
		return nil, err
	}
	asset, ok := body["asset"].(map[string]any)
	if !ok {
		return nil, content.E(content.KindNotFound, "fetch asset", fmt.Sprintf("asset %s details not found", uid))
	}
	return asset, nil
}

// LookupAssets returns the subset of uids that still exist at the origin. uids is paged
// by LookupPageSize.
func (c *Client) LookupAssets(ctx context.Context, uids []string) ([]string, error) {
	var found []string
	for start := 0; start < len(uids); start += LookupPageSize {
		end := start + LookupPageSize
		if end > len(uids) {
			end = len(uids)
		}
		page := make([]any, 0, end-start)
		for _, uid := range uids[start:end] {
			page = append(page, uid)
		}
		resp, err := c.Call(ctx, Request{
			Method: http.MethodPost,
			URL:    c.endpoint("assets"),
			Body: map[string]any{
				"_method": "GET",
				"limit":   LookupPageSize,
				"query":   map[string]any{"uid": map[string]any{"$in": page}},
			},
		})
		if err != nil {
			return nil, err
		}
		body, err := resp.JSON()
		if err != nil {
			return nil, err
		}
		items, _ := body["assets"].([]any)
		for _, item := range items {
			if asset, ok := item.(map[string]any); ok {
				if uid := content.StringValue(asset["uid"]); uid != "" {
					found = append(found, uid)
				}
			}
		}
	}
	return found, nil
}

// QueryEntries runs a delivery query against one content type. environment is added
// from the client options when params do not carry one.
func (c *Client) QueryEntries(ctx context.Context, contentTypeUID string, params url.Values) (map[string]any, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}
	if query.Get("environment") == "" && c.environment != "" {
		query.Set("environment", c.environment)
	}
	resp, err := c.Call(ctx, Request{
		URL:   c.endpoint("content_types", contentTypeUID, "entries"),
		Query: query,
	})
	if err != nil {
		return nil, err
	}
	return resp.JSON()
}

// Report is the status update sent back for one processed event.
type Report struct {
	Status  int    `json:"status"`
	Label   string `json:"status_label,omitempty"`
	Message any    `json:"message"`
	Type    string `json:"type,omitempty"`
	Locale  string `json:"locale,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (c *Client) ReportStatus(ctx context.Context, id string, report Report) error {
	if strings.TrimSpace(id) == "" {
		return content.E(content.KindValidation, "report status", "event id is required")
	}
	_, err := c.Call(ctx, Request{
		Method: http.MethodPut,
		URL:    c.endpoint("publish-queue", id),
		Body:   map[string]any{"entry": report},
	})
	return err
}

// FetchRelease returns the items of a release. A release without items is a
// Validation error so the deploy can be retried.
func (c *Client) FetchRelease(ctx context.Context, uid string) ([]map[string]any, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, content.E(content.KindValidation, "fetch release", "release uid is required")
	}
	resp, err := c.Call(ctx, Request{URL: c.endpoint("releases", uid)})
	if err != nil {
		return nil, err
	}
	body, err := resp.JSON()
	if err != nil {
		return nil, err
	}
	release, _ := body["release"].(map[string]any)
	raw, _ := release["items"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			items = append(items, m)
		}
	}
	if len(items) == 0 {
		return nil, content.E(content.KindValidation, "fetch release", fmt.Sprintf("failed to fetch items of release %s, please retry", uid))
	}
	return items, nil
}

// Download opens a binary at rawURL. 429 and 5xx responses are retried after a fixed
// delay up to the attempt ceiling. The caller closes the returned body.
func (c *Client) Download(ctx context.Context, rawURL string) (*http.Response, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, content.E(content.KindValidation, "download", "asset url is required")
	}
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, content.Wrap(content.KindValidation, "download", err)
		}
		req.Header.Set("X-User-Agent", c.userAgent)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= c.maxAttempts {
				return nil, c.exhausted(http.MethodGet, rawURL, content.Wrap(content.KindTransientOrigin, "download", err))
			}
			if waitErr := sleepContext(ctx, c.downloadRetryDelay); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		_ = resp.Body.Close()
		if isRetryable(resp.StatusCode) {
			if attempt >= c.maxAttempts {
				return nil, c.exhausted(http.MethodGet, rawURL, content.E(content.KindTransientOrigin, "download", fmt.Sprintf("status=%d", resp.StatusCode)))
			}
			c.logger.Debug("retrying asset download", zap.String("url", rawURL), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			if waitErr := sleepContext(ctx, c.downloadRetryDelay); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, content.E(content.KindNotFound, "download", "no file found at given url: "+rawURL)
	}
}
