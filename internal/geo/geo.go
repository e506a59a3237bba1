// Package geo holds the distance and path-similarity helpers shared by the
// segmenter, stop extractor and route comparison engine. Coordinates travel as
// [lon,lat] pairs, matching GeoJSON order.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// EarthRadius is the mean earth radius in metres used for haversine.
const EarthRadius = 6371000.0

// Haversine returns the great-circle distance in metres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

// Valid reports whether lat/lon are finite and within range.
func Valid(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// PathLength sums haversine segment lengths over [lon,lat] coords, in metres.
func PathLength(coords [][2]float64) float64 {
	total := 0.0
	for i := 1; i < len(coords); i++ {
		a, b := coords[i-1], coords[i]
		total += Haversine(a[1], a[0], b[1], b[0])
	}
	return total
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Projector maps geographic coordinates onto a local equirectangular plane in
// metres, centred on a reference point. Accurate to well under 1% over the
// extent of a single city.
type Projector struct {
	lat0, lon0 float64
	cosLat0    float64
}

// NewProjector centres a projection on the mean of every coordinate given.
func NewProjector(paths ...[][2]float64) Projector {
	var sumLat, sumLon float64
	n := 0
	for _, path := range paths {
		for _, c := range path {
			sumLon += c[0]
			sumLat += c[1]
			n++
		}
	}
	if n == 0 {
		return Projector{cosLat0: 1}
	}
	lat0 := sumLat / float64(n)
	return Projector{lat0: lat0, lon0: sumLon / float64(n), cosLat0: math.Cos(lat0 * math.Pi / 180)}
}

// Point projects a single [lon,lat] pair.
func (p Projector) Point(c [2]float64) orb.Point {
	x := (c[0] - p.lon0) * math.Pi / 180 * EarthRadius * p.cosLat0
	y := (c[1] - p.lat0) * math.Pi / 180 * EarthRadius
	return orb.Point{x, y}
}

// LineString projects a path.
func (p Projector) LineString(coords [][2]float64) orb.LineString {
	ls := make(orb.LineString, 0, len(coords))
	for _, c := range coords {
		ls = append(ls, p.Point(c))
	}
	return ls
}

// DirectedHausdorff is the largest distance from a vertex of a to its nearest
// vertex of b, on projected points.
func DirectedHausdorff(a, b orb.LineString) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	worst := 0.0
	for _, pa := range a {
		best := math.Inf(1)
		for _, pb := range b {
			if d := planar.Distance(pa, pb); d < best {
				best = d
				if best <= worst {
					break
				}
			}
		}
		if best > worst {
			worst = best
		}
	}
	return worst
}

// Hausdorff is the symmetric Hausdorff distance: the max of both directions.
func Hausdorff(a, b orb.LineString) float64 {
	return math.Max(DirectedHausdorff(a, b), DirectedHausdorff(b, a))
}

// Coverage returns the percentage of target vertices lying within tol metres of
// the ref polyline. Both paths must already be projected.
func Coverage(ref, target orb.LineString, tol float64) float64 {
	if len(ref) == 0 || len(target) == 0 {
		return 0
	}
	count := 0
	for _, p := range target {
		var d float64
		if len(ref) == 1 {
			d = planar.Distance(ref[0], p)
		} else {
			d = planar.DistanceFrom(ref, p)
		}
		if d <= tol {
			count++
		}
	}
	return float64(count) / float64(len(target)) * 100
}
