package zone

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
)

var (
	nameKeys  = []string{"name", "Name", "title", "Title"}
	shortKeys = []string{"short", "Short", "SHORT"}
	idKeys    = []string{"id", "Id", "ID"}
)

// Load reads a GeoJSON FeatureCollection from path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "zone: read %s", path)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "zone: load %s", path)
	}
	return set, nil
}

// Parse decodes a GeoJSON FeatureCollection into a zone set. Polygon
// features become one zone each; a MultiPolygon feature becomes one zone
// per member polygon with a "-<index>" id suffix. Other geometry types
// are skipped.
func Parse(data []byte) (*Set, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "zone: decode feature collection")
	}

	var zones []*Zone
	for i, f := range fc.Features {
		if f == nil {
			continue
		}
		id, name := identify(f, i)

		switch g := f.Geometry.(type) {
		case *geom.Polygon:
			z, err := New(id, name, g)
			if err != nil {
				return nil, err
			}
			zones = append(zones, z)
		case *geom.MultiPolygon:
			for j := 0; j < g.NumPolygons(); j++ {
				z, err := New(fmt.Sprintf("%s-%d", id, j), name, g.Polygon(j))
				if err != nil {
					return nil, err
				}
				zones = append(zones, z)
			}
		default:
			zap.L().Warn("zone: skipping feature without polygon geometry",
				zap.Int("feature", i),
				zap.String("id", id),
			)
		}
	}
	return NewSet(zones...)
}

// identify derives a zone id and display name from a feature. The id
// prefers the short code, then the keyified name, then the feature id,
// then a positional fallback.
func identify(f *geojson.Feature, index int) (id, name string) {
	short := stringProp(f.Properties, shortKeys)
	title := stringProp(f.Properties, nameKeys)

	switch {
	case short != "":
		id = short
	case keyify(title) != "":
		id = keyify(title)
	case featureID(f) != "":
		id = featureID(f)
	default:
		if v, ok := firstDefined(f.Properties, idKeys); ok {
			id = fmt.Sprint(v)
		} else {
			id = fmt.Sprintf("ZONE_%d", index)
		}
	}

	switch {
	case title != "":
		name = title
	case short != "":
		name = short
	default:
		name = id
	}
	return id, name
}

// keyify turns "Dining  Commons " into "DINING_COMMONS".
func keyify(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), "_"))
}

func featureID(f *geojson.Feature) string {
	s := fmt.Sprint(f.ID)
	if s == "<nil>" {
		return ""
	}
	return s
}

func firstDefined(props map[string]interface{}, keys []string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := props[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// stringProp returns the first defined property among keys if it is a
// non-empty string.
func stringProp(props map[string]interface{}, keys []string) string {
	v, ok := firstDefined(props, keys)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
