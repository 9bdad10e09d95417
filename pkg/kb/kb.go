package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pressgraph/backend/pkg/logger"
)

// reCleanQuery strips the punctuation that most often breaks knowledge
// base search, for the one-shot fallback retry.
var reCleanQuery = regexp.MustCompile(`["!'«».()+?]`)

// Client looks up stable knowledge-base identifiers for entity names
// against a Wikidata-compatible wbsearchentities endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	language   string
}

// ClientParams contains configuration for creating a Client.
type ClientParams struct {
	Endpoint string
	Language string
	Timeout  time.Duration
}

func NewClient(params ClientParams) *Client {
	if params.Endpoint == "" {
		params.Endpoint = "https://www.wikidata.org/w/api.php"
	}
	if params.Language == "" {
		params.Language = "ru"
	}
	if params.Timeout <= 0 {
		params.Timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: params.Timeout},
		endpoint:   params.Endpoint,
		language:   params.Language,
	}
}

// Lookup returns the identifier of the best match for name, or ok=false
// when nothing was found. When the raw name yields no result, a
// punctuation-cleaned variant is tried once. Service and network failures
// degrade to ok=false so a resolution batch can proceed with partial
// linkage.
func (c *Client) Lookup(ctx context.Context, name string) (string, bool) {
	id, err := c.search(ctx, name)
	if err != nil {
		logger.Warn("[KB] Lookup failed", "name", name, "err", err)
		return "", false
	}
	if id != "" {
		return id, true
	}

	clean := reCleanQuery.ReplaceAllString(name, "")
	if clean == name {
		return "", false
	}
	id, err = c.search(ctx, clean)
	if err != nil {
		logger.Warn("[KB] Fallback lookup failed", "name", clean, "err", err)
		return "", false
	}
	return id, id != ""
}

type searchResponse struct {
	Search []struct {
		ID string `json:"id"`
	} `json:"search"`
}

func (c *Client) search(ctx context.Context, name string) (string, error) {
	form := url.Values{
		"action":   {"wbsearchentities"},
		"search":   {name},
		"language": {c.language},
		"limit":    {"1"},
		"format":   {"json"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Search) == 0 {
		return "", nil
	}
	return parsed.Search[0].ID, nil
}
