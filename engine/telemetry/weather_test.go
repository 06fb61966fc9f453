package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/757built/engine/engine/graph"
)

func weatherPayload(now time.Time) string {
	return fmt.Sprintf(`{
  "geometry": {"type": "Polygon", "coordinates": [-76.2859, 36.8508]},
  "properties": {
    "temperature": {
      "uom": "wmoUnit:degC",
      "values": [
        {"validTime": "%s/PT1H", "value": 21.5},
        {"validTime": "%s/PT1H", "value": 30.0}
      ]
    },
    "relativeHumidity": {
      "uom": "wmoUnit:percent",
      "values": [{"validTime": "%s/PT1H", "value": 68.0}]
    }
  }
}`,
		now.Add(-30*time.Minute).Format(time.RFC3339),
		now.Add(8*time.Hour).Format(time.RFC3339),
		now.Add(-30*time.Minute).Format(time.RFC3339))
}

func TestWeatherFetchData(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("request without User-Agent")
		}
		w.Write([]byte(weatherPayload(now)))
	}))
	defer srv.Close()

	ing := NewWeatherIngestor(srv.URL+"/", []string{"temperature", "humidity"}, nil)
	ing.points = ing.points[:2] // NORFOLK and VIRGINIA BEACH
	ing.now = func() time.Time { return now }

	readings, err := ing.FetchData(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(readings) != 4 {
		t.Fatalf("readings = %d, want 2 points x 2 variables", len(readings))
	}

	byStream := map[string]Reading{}
	for _, r := range readings {
		byStream[r.StreamID] = r
	}
	temp, ok := byStream["weather_temperature_norfolk"]
	if !ok {
		t.Fatalf("temperature reading missing: %v", byStream)
	}
	// The entry 30 minutes old beats the one 8 hours out.
	if temp.Value != 21.5 {
		t.Fatalf("temperature = %g, want closest-to-now value", temp.Value)
	}
	if temp.Unit != "wmoUnit:degC" {
		t.Fatalf("unit = %q", temp.Unit)
	}
	if temp.Locality != "NORFOLK" {
		t.Fatalf("locality = %q", temp.Locality)
	}

	hum, ok := byStream["weather_humidity_virginia_beach"]
	if !ok || hum.Value != 68.0 {
		t.Fatalf("humidity reading = %+v", hum)
	}
}

func TestWeatherFetchFailureSkipsPoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	ing := NewWeatherIngestor(srv.URL+"/", []string{"temperature"}, nil)
	ing.points = ing.points[:1]

	readings, err := ing.FetchData(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(readings) != 0 {
		t.Fatalf("readings = %d, want 0", len(readings))
	}
}

func TestExtractWeatherValue(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	gp := &nwsGridpoint{Properties: map[string]json.RawMessage{
		"windSpeed": json.RawMessage(`{
			"uom": "wmoUnit:km_h-1",
			"values": [
				{"validTime": "2026-08-26T10:00:00+00:00/PT2H", "value": 12.0},
				{"validTime": "2026-08-26T11:30:00+00:00/PT1H", "value": 18.0},
				{"validTime": "garbage", "value": 99.0},
				{"validTime": "2026-08-26T13:00:00+00:00/PT1H", "value": null}
			]
		}`),
	}}

	value, unit, ok := extractWeatherValue(gp, "windSpeed", now)
	if !ok {
		t.Fatal("want a value")
	}
	if value != 18.0 {
		t.Fatalf("value = %g, want the closest valid entry", value)
	}
	if unit != "wmoUnit:km_h-1" {
		t.Fatalf("unit = %q", unit)
	}

	if _, _, ok := extractWeatherValue(gp, "temperature", now); ok {
		t.Fatal("missing property should report no value")
	}
}

func TestGridCoordinatesPolygonCentroid(t *testing.T) {
	gp := &nwsGridpoint{}
	gp.Geometry.Coordinates = json.RawMessage(
		`[[[-76.5, 37.0], [-76.25, 37.0], [-76.25, 37.25], [-76.5, 37.25]]]`)
	lat, lng, ok := gridCoordinates(gp, gridPoint{Office: "AKQ", X: 67, Y: 35, Locality: "HAMPTON"})
	if !ok {
		t.Fatal("want centroid coordinates")
	}
	if lat != 37.125 || lng != -76.375 {
		t.Fatalf("centroid = (%g, %g)", lat, lng)
	}
}

func TestGridCoordinatesFallbackInBounds(t *testing.T) {
	// No usable geometry: every grid point must still land on its locality's
	// centre, inside the region bounds, or its readings would be rejected.
	for _, pt := range sevenCityGridPoints {
		lat, lng, ok := gridCoordinates(&nwsGridpoint{}, pt)
		if !ok {
			t.Fatalf("%s: no fallback coordinates", pt.Locality)
		}
		if !graph.HamptonRoadsBounds.Contains(lat, lng) {
			t.Errorf("%s: fallback (%g, %g) outside region bounds", pt.Locality, lat, lng)
		}
		want := graph.LocalityCoordinates[pt.Locality]
		if lat != want.Lat || lng != want.Lng {
			t.Errorf("%s: fallback = (%g, %g), want locality centre", pt.Locality, lat, lng)
		}
	}

	if _, _, ok := gridCoordinates(&nwsGridpoint{}, gridPoint{Office: "AKQ", X: 1, Y: 1, Locality: "NOWHERE"}); ok {
		t.Fatal("unknown locality without geometry should report no coordinates")
	}
}
