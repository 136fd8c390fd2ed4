package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"streamflix/pkg/models"
)

// CatalogClient reads similar titles from the catalog proxy, which mirrors
// the TMDB paths /movie/{id}/similar and /tv/{id}/similar.
type CatalogClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCatalogClient(baseURL string, httpClient *http.Client) *CatalogClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &CatalogClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// Similar returns titles similar to key, tagged with key's media type.
func (c *CatalogClient) Similar(ctx context.Context, key models.ItemKey) ([]models.LibraryItem, error) {
	if !key.MediaType.Valid() {
		return nil, fmt.Errorf("invalid media type %q", key.MediaType)
	}

	endpoint := fmt.Sprintf("%s/%s/%d/similar", c.baseURL, key.MediaType, key.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeHTTPError(resp)
	}

	var page struct {
		Results []models.LibraryItem `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode similar titles: %w", err)
	}

	for i := range page.Results {
		page.Results[i].MediaType = key.MediaType
	}
	return page.Results, nil
}
