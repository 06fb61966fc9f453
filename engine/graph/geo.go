package graph

import (
	"math"
	"sort"
)

// EarthRadiusKM is the mean Earth radius (WGS-84).
const EarthRadiusKM = 6371.0088

// RegionBounds is the bounding box readings and coordinates are gated to.
type RegionBounds struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// HamptonRoadsBounds covers the region of interest.
var HamptonRoadsBounds = RegionBounds{
	MinLat: 36.6, MaxLat: 37.3,
	MinLng: -77.0, MaxLng: -75.9,
}

// Contains reports whether a coordinate lies inside the bounds.
func (b RegionBounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// HaversineKM returns the great-circle distance between two coordinates.
func HaversineKM(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKM * math.Asin(math.Sqrt(h))
}

// NearestCity returns the closest of the seven cities to a coordinate.
func NearestCity(lat, lng float64) string {
	best, bestDist := "", math.MaxFloat64
	for _, city := range SevenCities {
		d := HaversineKM(Coordinates{lat, lng}, LocalityCoordinates[city])
		if d < bestDist {
			best, bestDist = city, d
		}
	}
	return best
}

// AddNearestEdges connects every coordinate-bearing node to its up-to-k
// nearest neighbours within maxKM, adding nearby edges with the distance
// rounded to two decimals. A pair already linked in either direction is
// skipped. Returns the number of edges added.
func (g *Graph) AddNearestEdges(k int, maxKM float64) int {
	type candidate struct {
		id     string
		coords Coordinates
	}
	var nodes []candidate
	for _, n := range g.Nodes() {
		if n.Coordinates != nil {
			nodes = append(nodes, candidate{n.ID, *n.Coordinates})
		}
	}
	if len(nodes) < 2 {
		return 0
	}

	added := 0
	for i, src := range nodes {
		type neighbour struct {
			id string
			km float64
		}
		var near []neighbour
		for j, dst := range nodes {
			if i == j {
				continue
			}
			km := HaversineKM(src.coords, dst.coords)
			if km <= maxKM {
				near = append(near, neighbour{dst.id, km})
			}
		}
		sort.Slice(near, func(a, b int) bool { return near[a].km < near[b].km })
		if len(near) > k {
			near = near[:k]
		}
		for _, nb := range near {
			if g.HasEitherEdge(src.id, nb.id, EdgeNearby) {
				continue
			}
			if g.AddEdge(Edge{
				Source:     src.id,
				Target:     nb.id,
				Type:       EdgeNearby,
				DistanceKM: math.Round(nb.km*100) / 100,
			}) {
				added++
			}
		}
	}
	return added
}
