package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/757built/engine/engine/graph"
	"github.com/757built/engine/pkg/resilience"
)

// DefaultWeatherBase is the National Weather Service API root.
const DefaultWeatherBase = "https://api.weather.gov/"

const weatherUserAgent = "757Built/1.0 (https://757built.com; info@757built.com)"

// weatherVariables maps reading kinds to NWS gridpoint property names.
var weatherVariables = map[string]string{
	"temperature":   "temperature",
	"precipitation": "quantitativePrecipitation",
	"wind":          "windSpeed",
	"humidity":      "relativeHumidity",
}

type gridPoint struct {
	Office   string
	X, Y     int
	Locality string
}

// sevenCityGridPoints are the NWS grid cells covering the seven cities,
// pre-resolved to stay under the API rate limits.
var sevenCityGridPoints = []gridPoint{
	{"AKQ", 70, 32, "NORFOLK"},
	{"AKQ", 71, 32, "VIRGINIA BEACH"},
	{"AKQ", 69, 31, "CHESAPEAKE"},
	{"AKQ", 68, 32, "PORTSMOUTH"},
	{"AKQ", 66, 33, "SUFFOLK"},
	{"AKQ", 67, 35, "HAMPTON"},
	{"AKQ", 66, 35, "NEWPORT NEWS"},
}

// WeatherIngestor fetches gridded NWS forecasts for the seven cities.
type WeatherIngestor struct {
	base      string
	variables []string
	points    []gridPoint
	client    *http.Client
	limiter   *resilience.Limiter
	log       *slog.Logger
	now       func() time.Time
}

// NewWeatherIngestor creates an ingestor over base (DefaultWeatherBase when
// empty). variables nil means all known weather variables.
func NewWeatherIngestor(base string, variables []string, log *slog.Logger) *WeatherIngestor {
	if base == "" {
		base = DefaultWeatherBase
	}
	if variables == nil {
		for name := range weatherVariables {
			variables = append(variables, name)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &WeatherIngestor{
		base:      base,
		variables: variables,
		points:    sevenCityGridPoints,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   resilience.NewLimiter(resilience.LimiterOpts{Rate: 1, Burst: 2}),
		log:       log,
		now:       time.Now,
	}
}

func (w *WeatherIngestor) Name() string { return "weather" }

type nwsTimedValue struct {
	ValidTime string   `json:"validTime"`
	Value     *float64 `json:"value"`
}

type nwsProperty struct {
	UOM    string          `json:"uom"`
	Values []nwsTimedValue `json:"values"`
}

type nwsGridpoint struct {
	Geometry struct {
		// Raw because gridpoint geometry is usually a nested polygon.
		Coordinates json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// FetchData pulls the forecast for every grid point and emits one reading
// per configured variable, valued at the entry closest to now.
func (w *WeatherIngestor) FetchData(ctx context.Context) ([]Reading, error) {
	now := w.now().UTC()
	var readings []Reading
	for _, pt := range w.points {
		gp, url, err := w.fetchGridpoint(ctx, pt)
		if err != nil {
			w.log.Error("telemetry: gridpoint fetch failed",
				"office", pt.Office, "x", pt.X, "y", pt.Y, "error", err)
			continue
		}
		lat, lng, ok := gridCoordinates(gp, pt)
		if !ok {
			w.log.Warn("telemetry: gridpoint without coordinates",
				"office", pt.Office, "x", pt.X, "y", pt.Y)
			continue
		}
		for _, variable := range w.variables {
			prop, ok := weatherVariables[variable]
			if !ok {
				continue
			}
			value, unit, ok := extractWeatherValue(gp, prop, now)
			if !ok {
				continue
			}
			readings = append(readings, Reading{
				StreamID:  fmt.Sprintf("weather_%s_%s", variable, strings.ToLower(strings.ReplaceAll(pt.Locality, " ", "_"))),
				Value:     value,
				Timestamp: now,
				Lat:       lat,
				Lng:       lng,
				Locality:  pt.Locality,
				SourceURL: url,
				Unit:      unit,
				Metadata: map[string]any{
					"weather_type": variable,
					"office":       pt.Office,
					"grid_x":       pt.X,
					"grid_y":       pt.Y,
				},
			})
		}
	}
	return readings, nil
}

func (w *WeatherIngestor) fetchGridpoint(ctx context.Context, pt gridPoint) (*nwsGridpoint, string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	url := fmt.Sprintf("%sgridpoints/%s/%d,%d", w.base, pt.Office, pt.X, pt.Y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", weatherUserAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telemetry: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telemetry: fetch %s: status %d", url, resp.StatusCode)
	}
	var gp nwsGridpoint
	if err := json.NewDecoder(resp.Body).Decode(&gp); err != nil {
		return nil, "", fmt.Errorf("telemetry: decode %s: %w", url, err)
	}
	return &gp, url, nil
}

// gridCoordinates prefers a point geometry in the response, then the centroid
// of a polygon geometry, then the known centre of the grid point's locality.
func gridCoordinates(gp *nwsGridpoint, pt gridPoint) (lat, lng float64, ok bool) {
	var point []float64
	if err := json.Unmarshal(gp.Geometry.Coordinates, &point); err == nil && len(point) >= 2 {
		return point[1], point[0], true
	}
	var rings [][][]float64
	if err := json.Unmarshal(gp.Geometry.Coordinates, &rings); err == nil && len(rings) > 0 {
		var sumLat, sumLng float64
		n := 0
		for _, c := range rings[0] {
			if len(c) < 2 {
				continue
			}
			sumLng += c[0]
			sumLat += c[1]
			n++
		}
		if n > 0 {
			return sumLat / float64(n), sumLng / float64(n), true
		}
	}
	if c, known := graph.LocalityCoordinates[pt.Locality]; known {
		return c.Lat, c.Lng, true
	}
	return 0, 0, false
}

// extractWeatherValue picks the property value whose valid time is closest
// to now. NWS valid times look like "2026-08-26T12:00:00+00:00/PT1H".
func extractWeatherValue(gp *nwsGridpoint, property string, now time.Time) (float64, string, bool) {
	raw, ok := gp.Properties[property]
	if !ok {
		return 0, "", false
	}
	var prop nwsProperty
	if err := json.Unmarshal(raw, &prop); err != nil {
		return 0, "", false
	}
	var (
		best     *float64
		bestDiff = time.Duration(math.MaxInt64)
	)
	for _, entry := range prop.Values {
		if entry.Value == nil {
			continue
		}
		start, _, _ := strings.Cut(entry.ValidTime, "/")
		ts, err := time.Parse(time.RFC3339, start)
		if err != nil {
			continue
		}
		diff := now.Sub(ts)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = entry.Value
		}
	}
	if best == nil {
		return 0, "", false
	}
	return *best, prop.UOM, true
}
