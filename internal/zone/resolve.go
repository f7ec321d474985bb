package zone

import (
	"math"

	"github.com/twpayne/go-geom"
)

// Result is the outcome of resolving a point against a zone set.
//
// Distance is the smallest centroid distance (km) seen across the whole
// set during the query. When Inside is true it is not necessarily the
// distance to Zone's own centroid.
type Result struct {
	Inside   bool    `json:"inside"`
	Zone     *Zone   `json:"zone"`
	ZoneID   string  `json:"zoneId"`
	Distance float64 `json:"distance"`
}

// Resolver maps points to zones. It holds no mutable state and is safe
// for concurrent use.
type Resolver struct {
	set *Set
}

// NewResolver returns a resolver over set.
func NewResolver(set *Set) *Resolver {
	return &Resolver{set: set}
}

// Zones returns the zone set the resolver queries.
func (r *Resolver) Zones() *Set {
	return r.set
}

// Resolve returns the first zone in load order containing p. If none
// contains it, the zone with the nearest centroid is returned with
// Inside false; equal distances keep the earlier zone.
func (r *Resolver) Resolve(p Point) (*Result, error) {
	if r.set.Len() == 0 {
		return nil, ErrNoZonesLoaded
	}

	var inside, nearest *Zone
	minDist := math.Inf(1)
	for _, z := range r.set.zones {
		if inside == nil && containsPoint(z.Boundary, p) {
			inside = z
		}
		if d := haversineKM(p, z.Centroid); d < minDist {
			minDist = d
			nearest = z
		}
	}

	// A NaN coordinate never compares less than anything.
	if nearest == nil {
		nearest = r.set.zones[0]
	}

	res := &Result{Distance: minDist}
	if inside != nil {
		res.Inside = true
		res.Zone = inside
	} else {
		res.Zone = nearest
	}
	res.ZoneID = res.Zone.ID
	return res, nil
}

// containsPoint reports whether p lies in the outer ring and in none of
// the holes, using the even-odd rule in the plane.
func containsPoint(poly *geom.Polygon, p Point) bool {
	n := poly.NumLinearRings()
	if n == 0 || !inRing(poly.LinearRing(0).Coords(), p) {
		return false
	}
	for i := 1; i < n; i++ {
		if inRing(poly.LinearRing(i).Coords(), p) {
			return false
		}
	}
	return true
}

func inRing(ring []geom.Coord, p Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].X(), ring[i].Y()
		xj, yj := ring[j].X(), ring[j].Y()
		// yi != yj whenever the first clause holds, so the division is safe.
		if (yi > p.Lat) != (yj > p.Lat) && p.Lon < (xj-xi)*(p.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

const earthRadiusKM = 6371.0

// haversineKM returns the great-circle distance between a and b.
func haversineKM(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
