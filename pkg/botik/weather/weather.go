// Package weather provides the current-weather lookup used by the bot's
// weather command, backed by the OpenWeatherMap API.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrCityNotFound is returned when the provider does not recognize the city.
var ErrCityNotFound = errors.New("city not found")

// Observation is the current weather at a location.
type Observation struct {
	// Name is the resolved city name as reported by the provider.
	Name string

	// TempC is the temperature in degrees Celsius.
	TempC float64

	// Description is a human-readable conditions summary.
	Description string
}

// Client looks up current weather conditions.
type Client struct {
	baseURL    string
	apiKey     string
	lang       string
	httpClient *http.Client
}

// NewClient creates a weather client. baseURL is overridable for tests;
// empty means the public OpenWeatherMap endpoint.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org/data/2.5"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		lang:       "ru",
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// owmResponse is the subset of the OpenWeatherMap payload we consume.
type owmResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

// Lookup fetches current conditions for a city. Returns ErrCityNotFound if
// the provider does not recognize it.
func (c *Client) Lookup(ctx context.Context, city string) (*Observation, error) {
	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	q.Set("lang", c.lang)

	reqURL := c.baseURL + "/weather?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("weather: creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %q", ErrCityNotFound, city)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather: provider returned %d: %s", resp.StatusCode, body)
	}

	var payload owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("weather: decoding response: %w", err)
	}

	obs := &Observation{
		Name:  payload.Name,
		TempC: payload.Main.Temp,
	}
	if len(payload.Weather) > 0 {
		obs.Description = payload.Weather[0].Description
	}
	return obs, nil
}
