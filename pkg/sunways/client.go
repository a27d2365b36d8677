package sunways

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/raterudder/sunwaysbridge/pkg/log"
)

// Client is a typed client for the Sunways monitoring API.
type Client struct {
	api *Connection
}

// NewClient returns a client for the given account.
func NewClient(email, password string, opts Options) *Client {
	return &Client{api: NewConnection(email, password, opts)}
}

// Open logs in to the API.
func (c *Client) Open(ctx context.Context) error {
	return c.api.Open(ctx)
}

// Close releases the HTTP client if the client created it.
func (c *Client) Close() error {
	return c.api.Close()
}

// TokenJar returns the current token, or nil if there is none.
func (c *Client) TokenJar() *TokenJar {
	return c.api.TokenJar()
}

// GetStations returns the stations of the account.
func (c *Client) GetStations(ctx context.Context) ([]Station, error) {
	data, err := c.api.Request(ctx, http.MethodGet, stationListPath, nil, nil)
	if err != nil {
		return nil, err
	}

	var res stationListResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &RequestFailed{Code: "-1", Message: fmt.Sprintf("Unexpected station list: %v", err)}
	}

	stations := make([]Station, 0, len(res.Records))
	for _, r := range res.Records {
		stations = append(stations, Station{Name: r.Name, ID: string(r.ID)})
	}
	log.Ctx(ctx).DebugContext(ctx, "sunways stations", slog.Int("count", len(stations)))
	return stations, nil
}

// GetStationOverview returns the current overview of a single station.
func (c *Client) GetStationOverview(ctx context.Context, stationID string) (StationOverview, error) {
	data, err := c.api.Request(ctx, http.MethodGet, stationOverviewPath, url.Values{"id": {stationID}}, nil)
	if err != nil {
		return StationOverview{}, err
	}
	return parseStationOverview(data)
}
