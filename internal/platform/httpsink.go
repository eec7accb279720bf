package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rosterd/rosterd/internal/roster"
)

const (
	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 1 << 20 // 1 MiB
)

// HTTPSink delivers sync results to the monitoring platform's ingest API.
// The platform deduplicates by cursor position, so re-delivering a page after
// a retried report is safe.
type HTTPSink struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPSink(baseURL, token string) (*HTTPSink, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	token = strings.TrimSpace(token)
	if base == "" {
		return nil, errors.New("platform base URL is required")
	}
	if token == "" {
		return nil, errors.New("platform token is required")
	}
	return &HTTPSink{
		BaseURL: base,
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (s *HTTPSink) ReportUsers(ctx context.Context, orgID string, records []roster.UserRecord) error {
	body := struct {
		Users []roster.UserRecord `json:"users"`
	}{Users: records}
	return s.post(ctx, orgID, "/users", body)
}

func (s *HTTPSink) ReportSyncCompleted(ctx context.Context, orgID string, summary roster.SyncSummary) error {
	return s.post(ctx, orgID, "/sync-completed", summary)
}

func (s *HTTPSink) ReportError(ctx context.Context, orgID, kind, detail string) error {
	body := struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	}{Kind: kind, Detail: detail}
	return s.post(ctx, orgID, "/errors", body)
}

func (s *HTTPSink) post(ctx context.Context, orgID, path string, payload any) error {
	if s.HTTP == nil {
		return errors.New("platform http client is not configured")
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return errors.New("organisation id is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal platform payload: %w", err)
	}

	endpoint := s.BaseURL + "/ingest/" + url.PathEscape(orgID) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rosterd")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return roster.Transient(err)
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return roster.Transient(readErr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("platform rejected report: %w", roster.ErrUnauthorized)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return roster.Transient(apiError(endpoint, resp.StatusCode, respBody))
	default:
		return roster.Permanent(apiError(endpoint, resp.StatusCode, respBody))
	}
}

func apiError(endpoint string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return fmt.Errorf("platform api %s returned %d: %s", endpoint, status, detail)
}
