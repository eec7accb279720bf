package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rosterd/rosterd/internal/roster"
)

const (
	defaultTimeout   = 120 * time.Second
	defaultPageSize  = 100
	maxErrorBodySize = 1 << 20 // 1 MiB
)

// Client is a cursor-paginated roster fetcher for JSON user APIs of the
// common shape: GET /users?cursor=&limit= returning a users array and an
// opaque next_cursor. It also implements UserDeleter against DELETE
// /users/{id}. Connectors with exotic APIs bring their own PageFetcher; this
// client covers the rest.
type Client struct {
	BaseURL  string
	PageSize int
	HTTP     *http.Client
}

func New(baseURL string, pageSize int) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("fetcher base URL is required")
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return &Client{
		BaseURL:  base,
		PageSize: pageSize,
		HTTP:     &http.Client{Timeout: defaultTimeout},
	}, nil
}

type userPayload struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Email  string            `json:"email"`
	Status string            `json:"status"`
	Meta   map[string]string `json:"meta"`
}

type pagePayload struct {
	Users      []userPayload `json:"users"`
	NextCursor *string       `json:"next_cursor"`
}

func (c *Client) Fetch(ctx context.Context, orgID, cursor string, creds roster.Credentials) (roster.Page, error) {
	endpoint, err := c.endpoint(cursor)
	if err != nil {
		return roster.Page{}, err
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, creds)
	if err != nil {
		return roster.Page{}, err
	}

	var payload pagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return roster.Page{}, roster.Permanent(fmt.Errorf("decode roster page for %s: %w", orgID, err))
	}

	page := roster.Page{NextCursor: payload.NextCursor}
	for _, u := range payload.Users {
		page.Records = append(page.Records, roster.UserRecord{
			ExternalID: strings.TrimSpace(u.ID),
			Name:       strings.TrimSpace(u.Name),
			Email:      strings.TrimSpace(u.Email),
			Status:     strings.TrimSpace(u.Status),
			Raw:        u.Meta,
		})
	}
	if next := payload.NextCursor; next != nil && strings.TrimSpace(*next) == "" {
		page.NextCursor = nil
	}
	return page, nil
}

func (c *Client) DeleteUser(ctx context.Context, orgID, userID string, creds roster.Credentials) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return roster.Permanent(errors.New("user id is required"))
	}
	endpoint := c.BaseURL + "/users/" + url.PathEscape(userID)
	_, err := c.do(ctx, http.MethodDelete, endpoint, creds)
	return err
}

func (c *Client) endpoint(cursor string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/users"
	q := u.Query()
	q.Set("limit", strconv.Itoa(c.PageSize))
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do issues one request and maps the response onto the error taxonomy. It
// performs no retries of its own; the bounded executor owns the retry loop.
func (c *Client) do(ctx context.Context, method, endpoint string, creds roster.Credentials) ([]byte, error) {
	if c.HTTP == nil {
		return nil, errors.New("fetcher http client is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case creds.AccessToken != "":
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	case creds.APIKey != "":
		req.Header.Set("X-Api-Key", creds.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "rosterd")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, roster.Transient(err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return nil, roster.Transient(readErr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return nil, roster.ErrAlreadyAbsent
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("api %s returned %d: %w", endpoint, resp.StatusCode, roster.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
		if !ok {
			wait = time.Second
		}
		return nil, &roster.RateLimitedError{RetryAfter: wait}
	case resp.StatusCode >= 500:
		return nil, roster.Transient(httpError(endpoint, resp.StatusCode, body))
	default:
		return nil, roster.Permanent(httpError(endpoint, resp.StatusCode, body))
	}
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func httpError(endpoint string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return fmt.Errorf("api %s returned %d: %s", endpoint, status, detail)
}
