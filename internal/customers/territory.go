package customers

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"fleetwatch/internal/model"
)

const (
	kmeansSeed      = 42
	kmeansInits     = 10
	kmeansMaxIter   = 300
	maxPointWeight  = 50
	excludedWeekday = "Friday"
)

type coord struct{ lat, lon float64 }

// SegmentTerritories partitions the service area into one region per vehicle
// and hands every customer point in a region to the vehicle that stopped there
// most. Friday points are left out of the clustering and the vote but are
// relabelled like every other point at a clustered coordinate. Runs are
// deterministic for a given input.
func SegmentTerritories(points []model.CustomerPoint) []model.CustomerPoint {
	weights := map[coord]int{}
	order := []coord{}
	vehicles := map[string]struct{}{}
	for _, p := range points {
		if p.Weekday == excludedWeekday {
			continue
		}
		c := coord{p.Lat, p.Lon}
		if _, ok := weights[c]; !ok {
			order = append(order, c)
		}
		weights[c] += p.StopCount
		vehicles[p.VehicleID] = struct{}{}
	}
	k := len(vehicles)
	if len(order) < k {
		k = len(order)
	}
	if k <= 1 {
		return points
	}

	// Weighted by repetition, capped so one depot cannot swallow the fit.
	samples := make([]coord, 0, len(order))
	for _, c := range order {
		n := weights[c]
		if n > maxPointWeight {
			n = maxPointWeight
		}
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			samples = append(samples, c)
		}
	}
	centres := kmeans(samples, k, rand.New(rand.NewSource(kmeansSeed)))

	area := make(map[coord]int, len(order))
	for _, c := range order {
		area[c] = nearest(c, centres)
	}

	votes := make([]map[string]int, k)
	for i := range votes {
		votes[i] = map[string]int{}
	}
	for _, p := range points {
		if p.Weekday == excludedWeekday {
			continue
		}
		votes[area[coord{p.Lat, p.Lon}]][p.VehicleID] += p.StopCount
	}
	owner := make([]string, k)
	for i, v := range votes {
		owner[i] = argmax(v)
	}

	out := make([]model.CustomerPoint, len(points))
	copy(out, points)
	for i := range out {
		a, ok := area[coord{out[i].Lat, out[i].Lon}]
		if ok && owner[a] != "" {
			out[i].VehicleID = owner[a]
		}
	}
	return out
}

// argmax breaks ties on the lexically smallest vehicle for stable output.
func argmax(v map[string]int) string {
	ids := make([]string, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best, bestN := "", -1
	for _, id := range ids {
		if v[id] > bestN {
			best, bestN = id, v[id]
		}
	}
	return best
}

func sqDist(a, b coord) float64 {
	dl, dn := a.lat-b.lat, a.lon-b.lon
	return dl*dl + dn*dn
}

func nearest(c coord, centres []coord) int {
	best, bestD := 0, math.Inf(1)
	for i, m := range centres {
		if d := sqDist(c, m); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

// kmeans runs Lloyd's algorithm from several k-means++ seeds and keeps the
// lowest-inertia solution.
func kmeans(samples []coord, k int, rng *rand.Rand) []coord {
	var best []coord
	bestInertia := math.Inf(1)
	for run := 0; run < kmeansInits; run++ {
		centres := seedPlusPlus(samples, k, rng)
		inertia := lloyd(samples, centres)
		if inertia < bestInertia {
			best, bestInertia = centres, inertia
		}
	}
	return best
}

func seedPlusPlus(samples []coord, k int, rng *rand.Rand) []coord {
	centres := []coord{samples[rng.Intn(len(samples))]}
	d := make([]float64, len(samples))
	for len(centres) < k {
		total := 0.0
		for i, s := range samples {
			d[i] = sqDist(s, centres[nearest(s, centres)])
			total += d[i]
		}
		if total == 0 {
			centres = append(centres, samples[rng.Intn(len(samples))])
			continue
		}
		r := rng.Float64() * total
		pick := len(samples) - 1
		for i, v := range d {
			r -= v
			if r <= 0 {
				pick = i
				break
			}
		}
		centres = append(centres, samples[pick])
	}
	return centres
}

// lloyd refines centres in place and returns the final inertia.
func lloyd(samples []coord, centres []coord) float64 {
	assign := make([]int, len(samples))
	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := iter == 0
		for i, s := range samples {
			if a := nearest(s, centres); a != assign[i] {
				assign[i] = a
				changed = true
			}
		}
		sums := make([]coord, len(centres))
		counts := make([]int, len(centres))
		for i, s := range samples {
			sums[assign[i]].lat += s.lat
			sums[assign[i]].lon += s.lon
			counts[assign[i]]++
		}
		for c := range centres {
			if counts[c] > 0 {
				centres[c] = coord{sums[c].lat / float64(counts[c]), sums[c].lon / float64(counts[c])}
			}
		}
		if !changed {
			break
		}
	}
	inertia := 0.0
	for i, s := range samples {
		inertia += sqDist(s, centres[assign[i]])
	}
	return inertia
}

// weekdayName normalises a free-form weekday to its English name.
func weekdayName(s string) string {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if equalFoldTrim(s, d.String()) {
			return d.String()
		}
	}
	return s
}
