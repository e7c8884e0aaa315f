package domain

import "strings"

const TypeUnknown = "unknown"

var platformTypes = map[string]string{
	"run":               "run",
	"trailrun":          "trail_run",
	"virtualrun":        "virtual_run",
	"walk":              "walk",
	"hike":              "hike",
	"ride":              "ride",
	"virtualride":       "virtual_ride",
	"mountainbikeride":  "mountain_bike_ride",
	"gravelride":        "ride",
	"ebikeride":         "ebike_ride",
	"emountainbikeride": "ebike_ride",
	"swim":              "swim",
}

// MapActivityType normalizes a platform sport type ("TrailRun", "EBikeRide")
// to the scoring vocabulary. Anything unrecognized maps to "unknown".
func MapActivityType(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
	if t, ok := platformTypes[key]; ok {
		return t
	}
	return TypeUnknown
}
