// Package campus embeds the default SFU Burnaby zone set.
package campus

import (
	_ "embed"

	"github.com/christopherjohns/zonechat/internal/zone"
)

//go:embed sfu.geojson
var sfuGeoJSON []byte

// Zones returns the embedded campus zones in file order.
func Zones() (*zone.Set, error) {
	return zone.Parse(sfuGeoJSON)
}

// Topics are the non-geographic rooms every deployment offers.
var Topics = []string{"coffee", "help", "study", "lost", "rideshare", "food"}
