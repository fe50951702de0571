package service

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

	"github.com/smallbiznis/applykit/internal/config"
	"github.com/smallbiznis/applykit/internal/identity/domain"
	"github.com/smallbiznis/applykit/internal/observability/tracing"
	"go.uber.org/zap"
)

var ErrDirectoryNotConfigured = errors.New("identity_directory_not_configured")

// HTTPDirectory pages through GET {IDENTITY_API_URL}/users.
type HTTPDirectory struct {
	log        *zap.Logger
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPDirectory(cfg config.Config, log *zap.Logger) domain.Directory {
	return &HTTPDirectory{
		log:        log.Named("identity.directory"),
		baseURL:    cfg.Identity.APIURL,
		token:      cfg.Identity.APIToken,
		httpClient: tracing.WrapHTTPClient(&http.Client{Timeout: 15 * time.Second}),
	}
}

type listUsersResponse struct {
	Users         []map[string]any `json:"users"`
	NextPageToken string           `json:"next_page_token"`
}

func (d *HTTPDirectory) ListUsers(ctx context.Context, pageToken string, pageSize int) (domain.DirectoryPage, error) {
	if d.baseURL == "" {
		return domain.DirectoryPage{}, ErrDirectoryNotConfigured
	}

	query := url.Values{}
	if pageSize > 0 {
		query.Set("page_size", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		query.Set("page_token", pageToken)
	}
	endpoint := d.baseURL + "/users"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.DirectoryPage{}, err
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return domain.DirectoryPage{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.DirectoryPage{}, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return domain.DirectoryPage{}, fmt.Errorf("identity directory returned %d", resp.StatusCode)
	}

	var payload listUsersResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.DirectoryPage{}, fmt.Errorf("decode identity directory page: %w", err)
	}

	page := domain.DirectoryPage{
		Users:     make([]domain.DirectoryUser, 0, len(payload.Users)),
		NextToken: strings.TrimSpace(payload.NextPageToken),
	}
	for _, raw := range payload.Users {
		user := domain.DirectoryUser{
			ID:    firstString(raw, "id", "user_id", "sub"),
			Email: strings.ToLower(firstString(raw, "email", "email_address", "primary_email")),
		}
		if user.ID == "" {
			d.log.Warn("directory entry without id skipped")
			continue
		}
		page.Users = append(page.Users, user)
	}
	return page, nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
