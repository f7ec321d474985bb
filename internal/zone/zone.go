package zone

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

var (
	// ErrNoZonesLoaded is returned when a query runs against an empty zone set.
	ErrNoZonesLoaded = errors.New("zone: no zones loaded")

	// ErrInvalidInput is returned for missing or non-finite coordinates.
	ErrInvalidInput = errors.New("zone: invalid input")

	// ErrDuplicateZone is returned when two zones in a set share an id.
	ErrDuplicateZone = errors.New("zone: duplicate zone id")
)

// Point is a WGS84 coordinate. Accuracy is the reported fix radius in
// metres and is carried for callers; resolution ignores it.
type Point struct {
	Lon      float64 `json:"lon"`
	Lat      float64 `json:"lat"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// NewPoint returns a point, rejecting NaN and infinite coordinates.
func NewPoint(lon, lat float64) (Point, error) {
	if !finite(lon) || !finite(lat) {
		return Point{}, eris.Wrapf(ErrInvalidInput, "coordinates must be finite (lon=%v, lat=%v)", lon, lat)
	}
	return Point{Lon: lon, Lat: lat}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Zone is a named campus area. The boundary's first ring is the outer
// ring; any further rings are holes.
type Zone struct {
	ID       string
	Name     string
	Boundary *geom.Polygon
	Centroid Point
}

// New builds a zone and derives its centroid from the outer ring.
func New(id, name string, boundary *geom.Polygon) (*Zone, error) {
	if boundary == nil || boundary.NumLinearRings() == 0 {
		return nil, eris.Errorf("zone %q: boundary has no outer ring", id)
	}
	outer := boundary.LinearRing(0).Coords()
	if len(outer) < 3 {
		return nil, eris.Errorf("zone %q: outer ring has %d vertices, need at least 3", id, len(outer))
	}
	return &Zone{
		ID:       id,
		Name:     name,
		Boundary: boundary,
		Centroid: vertexMean(outer),
	}, nil
}

// vertexMean averages the ring vertices, skipping the closing vertex of
// a closed ring so it is not counted twice.
func vertexMean(ring []geom.Coord) Point {
	n := len(ring)
	if n > 1 && ring[0].Equal(geom.XY, ring[n-1]) {
		n--
	}
	var lon, lat float64
	for _, c := range ring[:n] {
		lon += c.X()
		lat += c.Y()
	}
	return Point{Lon: lon / float64(n), Lat: lat / float64(n)}
}

// MarshalJSON encodes the zone with its boundary as a GeoJSON geometry.
func (z *Zone) MarshalJSON() ([]byte, error) {
	g, err := geojson.Encode(z.Boundary)
	if err != nil {
		return nil, eris.Wrapf(err, "zone %q: encode boundary", z.ID)
	}
	return json.Marshal(struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		Centroid [2]float64        `json:"centroid"`
		Geometry *geojson.Geometry `json:"geometry"`
	}{
		ID:       z.ID,
		Name:     z.Name,
		Centroid: [2]float64{z.Centroid.Lon, z.Centroid.Lat},
		Geometry: g,
	})
}

// Set is an immutable, ordered collection of zones with unique ids.
type Set struct {
	zones []*Zone
	byID  map[string]*Zone
}

// NewSet returns a set holding zones in the given order.
func NewSet(zones ...*Zone) (*Set, error) {
	s := &Set{
		zones: make([]*Zone, 0, len(zones)),
		byID:  make(map[string]*Zone, len(zones)),
	}
	for _, z := range zones {
		if _, ok := s.byID[z.ID]; ok {
			return nil, eris.Wrapf(ErrDuplicateZone, "id %q", z.ID)
		}
		s.byID[z.ID] = z
		s.zones = append(s.zones, z)
	}
	return s, nil
}

// Len returns the number of zones. A nil set is empty.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.zones)
}

// Get returns the zone with the given id, or nil.
func (s *Set) Get(id string) *Zone {
	if s == nil {
		return nil
	}
	return s.byID[id]
}

// Zones returns the zones in load order.
func (s *Set) Zones() []*Zone {
	if s == nil {
		return nil
	}
	out := make([]*Zone, len(s.zones))
	copy(out, s.zones)
	return out
}

// IDs returns the zone ids in load order.
func (s *Set) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.zones))
	for i, z := range s.zones {
		ids[i] = z.ID
	}
	return ids
}
