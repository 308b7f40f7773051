/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package geocode

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBaseURL is the public OpenStreetMap Nominatim instance.
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// DefaultUserAgent identifies this application to the geocoding service,
// whose usage policy requires a meaningful User-Agent.
const DefaultUserAgent = "mira-drone-dashboard/1.0"

// DefaultSearchLimit is the maximum number of forward geocoding results.
const DefaultSearchLimit = 5

// Options configures a Client.
type Options struct {
	BaseURL   string `json:"base_url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RequestsPerSecond spaces out requests. Zero means 1 per second (the
	// public instance's limit) and a negative value disables limiting.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`

	Transport http.RoundTripper `json:"-"`
	Clock     clock.Clock       `json:"-"`
}

// Client talks to a Nominatim-compatible geocoding service.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient returns a new client configured by opts.
func NewClient(logger *zap.Logger, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if limiter := newRateLimiter(opts.Clock, opts.RequestsPerSecond); limiter != nil {
		transport = rateLimitedRoundTripper{RoundTripper: transport, limiter: limiter}
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept", "application/json").
		SetTransport(transport)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	return &Client{http: client, logger: logger}
}

type reverseResponse struct {
	DisplayName string   `json:"display_name"`
	Address     *Address `json:"address"`
	Error       string   `json:"error"`
}

// Reverse returns the address nearest to the point. An empty Address with
// a nil error means the service had no address for it.
func (c *Client) Reverse(ctx context.Context, lat, lng float64) (Address, error) {
	var result reverseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format":         "json",
			"lat":            strconv.FormatFloat(lat, 'f', -1, 64),
			"lon":            strconv.FormatFloat(lng, 'f', -1, 64),
			"zoom":           "18",
			"addressdetails": "1",
		}).
		SetResult(&result).
		Get("/reverse")
	if err != nil {
		return Address{}, fmt.Errorf("reverse geocoding (%f, %f): %w", lat, lng, err)
	}
	if resp.IsError() {
		return Address{}, fmt.Errorf("reverse geocoding (%f, %f): HTTP %d: %s", lat, lng, resp.StatusCode(), resp.String())
	}

	if result.Address == nil {
		c.logger.Debug("no address for point",
			zap.Float64("lat", lat),
			zap.Float64("lng", lng),
			zap.String("service_error", result.Error))
		return Address{}, nil
	}
	return *result.Address, nil
}

type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Search returns up to limit places matching the free-text query, in the
// order the service ranked them. A limit of 0 means DefaultSearchLimit.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var results []searchResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "json",
			"q":      query,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&results).
		Get("/search")
	if err != nil {
		return nil, fmt.Errorf("searching for %q: %w", query, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("searching for %q: HTTP %d: %s", query, resp.StatusCode(), resp.String())
	}

	places := make([]Place, 0, len(results))
	for _, r := range results {
		lat, err := strconv.ParseFloat(r.Lat, 64)
		if err != nil {
			c.logger.Warn("skipping search result with bad latitude", zap.String("lat", r.Lat), zap.Error(err))
			continue
		}
		lng, err := strconv.ParseFloat(r.Lon, 64)
		if err != nil {
			c.logger.Warn("skipping search result with bad longitude", zap.String("lon", r.Lon), zap.Error(err))
			continue
		}
		places = append(places, Place{
			Label:     r.DisplayName,
			Latitude:  lat,
			Longitude: lng,
			LatText:   r.Lat,
			LngText:   r.Lon,
		})
		if len(places) == limit {
			break
		}
	}
	return places, nil
}
