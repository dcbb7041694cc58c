package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"missiontrack/internal/model"
)

// TomTom calls the calculateRoute endpoint of the TomTom Routing API with
// truck parameters and live traffic.
type TomTom struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewTomTom(baseURL, apiKey string, timeout time.Duration) *TomTom {
	if baseURL == "" {
		baseURL = "https://api.tomtom.com"
	}
	return &TomTom{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, HTTP: &http.Client{Timeout: timeout}}
}

type calculateRouteResponse struct {
	Routes []struct {
		Summary struct {
			LengthInMeters        float64 `json:"lengthInMeters"`
			TravelTimeInSeconds   float64 `json:"travelTimeInSeconds"`
			TrafficDelayInSeconds float64 `json:"trafficDelayInSeconds"`
		} `json:"summary"`
	} `json:"routes"`
}

func (t *TomTom) Route(ctx context.Context, from, to model.GeoPoint) (Route, error) {
	if t.APIKey == "" {
		return Route{}, errors.New("tomtom api key not configured")
	}
	q := url.Values{}
	q.Set("key", t.APIKey)
	q.Set("traffic", "true")
	q.Set("routeType", "fastest")
	q.Set("travelMode", "truck")
	q.Set("vehicleCommercial", "true")
	u := fmt.Sprintf("%s/routing/1/calculateRoute/%.6f,%.6f:%.6f,%.6f/json?%s", t.BaseURL, from.Lat, from.Lng, to.Lat, to.Lng, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return Route{}, errQuota
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Route{}, fmt.Errorf("tomtom status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out calculateRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("decode tomtom response: %w", err)
	}
	if len(out.Routes) == 0 {
		return Route{}, errors.New("tomtom returned no route")
	}
	s := out.Routes[0].Summary
	return Route{
		Duration:       time.Duration(s.TravelTimeInSeconds * float64(time.Second)),
		DistanceMeters: s.LengthInMeters,
		TrafficDelay:   time.Duration(s.TrafficDelayInSeconds * float64(time.Second)),
	}, nil
}
