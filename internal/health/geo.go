package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proxybind/internal/proxy"
)

const geoAPITimeout = 5 * time.Second

// GeoLocator resolves the location of a proxy host.
type GeoLocator interface {
	Locate(ctx context.Context, host string) (proxy.Geo, error)
}

// geoAPIResponse is the ip-api.com JSON response.
type geoAPIResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
	ISP        string `json:"isp"`
}

// IPAPILocator queries an ip-api.com compatible endpoint.
type IPAPILocator struct {
	baseURL string
	client  *http.Client
}

// NewIPAPILocator creates a locator. baseURL is the prefix the host is
// appended to, e.g. "http://ip-api.com/json/".
func NewIPAPILocator(baseURL string) *IPAPILocator {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &IPAPILocator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: geoAPITimeout},
	}
}

// Locate looks up host.
func (l *IPAPILocator) Locate(ctx context.Context, host string) (proxy.Geo, error) {
	apiURL := l.baseURL + url.PathEscape(host) + "?fields=status,message,country,regionName,city,isp"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return proxy.Geo{}, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return proxy.Geo{}, fmt.Errorf("geo API request failed: %w", err)
	}
	defer resp.Body.Close()

	var apiResp geoAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return proxy.Geo{}, fmt.Errorf("decode geo API response: %w", err)
	}
	if apiResp.Status != "success" {
		return proxy.Geo{}, fmt.Errorf("geo API returned %q: %s", apiResp.Status, apiResp.Message)
	}

	return proxy.Geo{
		Country: apiResp.Country,
		Region:  strings.TrimSuffix(strings.TrimSuffix(apiResp.RegionName, " Sheng"), " Shi"),
		City:    strings.TrimSuffix(apiResp.City, " Shi"),
		ISP:     apiResp.ISP,
	}, nil
}
