// Package github fetches the user's starred repositories and their READMEs
// from the upstream hosting API.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/pdybowski/stargazer/internal/apperr"
	"github.com/pdybowski/stargazer/pkg/models"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPage        = 100
	maxRetries     = 4
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Client talks to the hosting API. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	authorized bool
	logger     zerolog.Logger
}

// ClientConfig configures the remote client.
type ClientConfig struct {
	// Token enables authenticated requests and the higher rate budget.
	// Empty means unauthenticated access with a much smaller budget.
	Token   string
	BaseURL string
}

// NewClient builds a remote client. With a token the limiter is sized for
// the authenticated budget (5000 req/h); without one it drops to the
// unauthenticated 60 req/h.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	limit := rate.Limit(60.0 / 3600.0)
	burst := 5
	authorized := false

	if cfg.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), src)
		httpClient.Timeout = 30 * time.Second
		limit = rate.Limit(5000.0 / 3600.0)
		burst = 20
		authorized = true
	}

	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authorized: authorized,
		logger:     logger.With().Str("component", "remote").Logger(),
	}
}

// starredItem is the wire shape when requesting the starred list with the
// star+json media type.
type starredItem struct {
	StarredAt time.Time `json:"starred_at"`
	Repo      struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
		Owner    struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"owner"`
		Description string   `json:"description"`
		Language    string   `json:"language"`
		Topics      []string `json:"topics"`
		Homepage    string   `json:"homepage"`
		License     *struct {
			SPDXID string `json:"spdx_id"`
		} `json:"license"`
		Visibility      string    `json:"visibility"`
		Archived        bool      `json:"archived"`
		StargazersCount int       `json:"stargazers_count"`
		ForksCount      int       `json:"forks_count"`
		CreatedAt       time.Time `json:"created_at"`
		PushedAt        time.Time `json:"pushed_at"`
	} `json:"repo"`
}

// FetchStarred pages through the starred list, newest star first, and
// returns normalized repositories. When since is non-zero, paging stops as
// soon as a page's oldest star predates it; items older than since are not
// returned.
func (c *Client) FetchStarred(ctx context.Context, since int64) ([]*models.RemoteRepo, error) {
	var all []*models.RemoteRepo

	for page := 1; ; page++ {
		items, err := c.fetchStarredPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}

		stop := false
		for _, item := range items {
			starredAt := item.StarredAt.UnixMilli()
			if since > 0 && starredAt < since {
				stop = true
				break
			}
			all = append(all, normalizeStarred(item))
		}

		c.logger.Debug().Int("page", page).Int("items", len(items)).
			Int("accepted", len(all)).Msg("fetched starred page")

		if stop || len(items) < perPage {
			break
		}
	}

	return all, nil
}

func (c *Client) fetchStarredPage(ctx context.Context, page int) ([]starredItem, error) {
	endpoint := fmt.Sprintf("%s/user/starred?per_page=%d&page=%d&sort=created&direction=desc",
		c.baseURL, perPage, page)

	body, err := c.get(ctx, endpoint, "application/vnd.github.star+json")
	if err != nil {
		return nil, err
	}

	var items []starredItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteFatal, "decode starred page", err)
	}
	return items, nil
}

func normalizeStarred(item starredItem) *models.RemoteRepo {
	r := item.Repo
	ownerType := models.OwnerTypeUser
	if strings.EqualFold(r.Owner.Type, "Organization") {
		ownerType = models.OwnerTypeOrg
	}
	visibility := r.Visibility
	if visibility == "" {
		visibility = "public"
	}
	license := ""
	if r.License != nil && r.License.SPDXID != "NOASSERTION" {
		license = r.License.SPDXID
	}

	return &models.RemoteRepo{
		NameWithOwner:   r.FullName,
		Owner:           r.Owner.Login,
		Name:            r.Name,
		OwnerType:       ownerType,
		Description:     r.Description,
		PrimaryLanguage: r.Language,
		Topics:          r.Topics,
		HomepageURL:     r.Homepage,
		License:         license,
		Visibility:      visibility,
		Archived:        r.Archived,
		StargazerCount:  r.StargazersCount,
		ForkCount:       r.ForksCount,
		CreatedAtEpoch:  r.CreatedAt.UnixMilli(),
		PushedAtEpoch:   r.PushedAt.UnixMilli(),
		StarredAtEpoch:  item.StarredAt.UnixMilli(),
	}
}

// FetchReadme returns the decoded README body for one repository, or ""
// when the repository has none. A missing README is not an error.
func (c *Client) FetchReadme(ctx context.Context, owner, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/readme",
		c.baseURL, url.PathEscape(owner), url.PathEscape(name))

	body, err := c.get(ctx, endpoint, "application/vnd.github+json")
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return "", nil
		}
		return "", err
	}

	var payload struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", apperr.Wrap(apperr.KindRemoteFatal, "decode readme", err)
	}
	if payload.Encoding != "base64" {
		return payload.Content, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(
		strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return "", apperr.Wrap(apperr.KindRemoteFatal, "decode readme content", err)
	}
	return string(decoded), nil
}

// get performs one GET with rate limiting and retry on transient failures.
// 429 and 5xx retry with exponential backoff and jitter; other 4xx fail
// fast with a non-retryable error.
func (c *Client) get(ctx context.Context, endpoint, accept string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, apperr.Wrap(apperr.KindCancelled, "remote request cancelled", err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperr.Wrap(apperr.KindCancelled, "remote request cancelled", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "build remote request", err)
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindCancelled, "remote request cancelled", ctx.Err())
			}
			lastErr = apperr.Wrap(apperr.KindRemoteTransient, "remote request failed", err)
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("remote request failed, retrying")
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = apperr.Wrap(apperr.KindRemoteTransient, "read remote response", readErr)
				continue
			}
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = apperr.Newf(apperr.KindRemoteTransient,
				"remote returned %d", resp.StatusCode)
			c.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).
				Msg("transient remote failure, retrying")
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return nil, apperr.Wrap(apperr.KindCancelled, "remote request cancelled", ctx.Err())
				}
			}
			continue

		case resp.StatusCode == http.StatusNotFound:
			return nil, apperr.Newf(apperr.KindNotFound, "remote resource not found: %s", endpoint)

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, apperr.New(apperr.KindRemoteFatal,
				"remote rejected credentials").WithSuggestions(
				"check that REMOTE_TOKEN is set and has not expired")

		default:
			return nil, apperr.Newf(apperr.KindRemoteFatal,
				"remote returned %d for %s", resp.StatusCode, endpoint)
		}
	}

	return nil, lastErr
}

// sleepBackoff waits base*2^(attempt-1) plus up to 50% jitter, capped.
func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := baseBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	select {
	case <-time.After(backoff + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
