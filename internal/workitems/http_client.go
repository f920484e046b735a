package workitems

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// targetListTTL is how long a project's target listing is reused. Reads do not extend it.
const targetListTTL = 5 * time.Minute

type httpClient struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	// Target listings per project; slices are cloned in and out.
	listings *expirable.LRU[string, []TargetRef]
}

// NewHTTPClient creates a Provider backed by the work-item service REST API.
func NewHTTPClient(cfg Config) Provider {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &httpClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		listings: expirable.NewLRU[string, []TargetRef](256, nil, targetListTTL),
	}
}

func (c *httpClient) authenticateRequest(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.Token))
	}
	req.Header.Set("Accept", "application/json")
}

// getJSON performs a throttled GET and decodes the body into out.
func (c *httpClient) getJSON(ctx context.Context, op, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return Unavailable(op, err)
	}

	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + path
	log.Debug().Str("url", reqURL).Str("op", op).Msg("Requesting work-item service")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	c.authenticateRequest(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s: work-item service authentication failed (%d), check WORKITEMS_TOKEN", op, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := resp.Header.Get("Retry-After")
			return Unavailable(op, fmt.Errorf("rate limit exceeded (429), retry after %q", retryAfter))
		case resp.StatusCode >= 500:
			return Unavailable(op, fmt.Errorf("work-item service returned status %d", resp.StatusCode))
		default:
			return fmt.Errorf("%s: work-item service returned status %d", op, resp.StatusCode)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

func (c *httpClient) WorkItem(ctx context.Context, projectID, targetID string, targetType TargetType) (WorkItem, error) {
	path := fmt.Sprintf("/api/projects/%s/targets/%s/%s",
		url.PathEscape(projectID), url.PathEscape(strings.ToLower(string(targetType))), url.PathEscape(targetID))

	var dto TargetDTO
	if err := c.getJSON(ctx, "work item", path, &dto); err != nil {
		return WorkItem{}, err
	}
	if dto.Type == "" {
		dto.Type = string(targetType)
	}
	return MapTarget(projectID, dto)
}

func (c *httpClient) ProjectGraph(ctx context.Context, projectID string) (ProjectGraph, error) {
	path := fmt.Sprintf("/api/projects/%s/graph", url.PathEscape(projectID))

	var dto GraphDTO
	if err := c.getJSON(ctx, "project graph", path, &dto); err != nil {
		return ProjectGraph{}, err
	}
	if dto.ProjectID == "" {
		dto.ProjectID = projectID
	}
	return MapGraph(dto)
}

func (c *httpClient) ListTargets(ctx context.Context, projectID string) ([]TargetRef, error) {
	if refs, ok := c.listings.Get(projectID); ok {
		log.Debug().Str("project", projectID).Msg("Target listing served from cache")
		return slices.Clone(refs), nil
	}

	path := fmt.Sprintf("/api/projects/%s/targets", url.PathEscape(projectID))

	var resp TargetListResponse
	if err := c.getJSON(ctx, "list targets", path, &resp); err != nil {
		return nil, err
	}

	refs := make([]TargetRef, 0, len(resp.Targets))
	for _, t := range resp.Targets {
		targetType, err := ParseTargetType(t.Type)
		if err != nil {
			log.Warn().Str("project", projectID).Str("target", t.ID).Str("type", t.Type).Msg("Skipping target with unknown type")
			continue
		}
		refs = append(refs, TargetRef{ID: t.ID, Title: t.Title, TargetType: targetType})
	}

	c.listings.Add(projectID, slices.Clone(refs))
	return refs, nil
}
