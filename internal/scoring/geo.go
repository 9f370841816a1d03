package scoring

import (
	"math"
	"time"

	"github.com/enterprise/fraud-engine/internal/models"
)

const (
	earthRadiusKm = 6371.0

	// recognizedRadiusKm is how close a location must be to a known one
	// to count as already seen.
	recognizedRadiusKm = 50.0

	impossibleTravelKmh = 1000.0
	fastTravelKmh       = 500.0
	travelWindowHours   = 24.0
)

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(a, b models.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// TravelVelocity returns km/h. Zero elapsed time is infinitely fast.
func TravelVelocity(distanceKm, hours float64) float64 {
	if hours == 0 {
		return math.Inf(1)
	}
	return distanceKm / hours
}

// GeoRiskCalculator scores how plausible a transaction location is given
// the locations the user has been seen at.
type GeoRiskCalculator struct {
	RadiusKm float64
}

// NewGeoRiskCalculator returns a calculator normalizing distances by radiusKm.
func NewGeoRiskCalculator(radiusKm float64) GeoRiskCalculator {
	return GeoRiskCalculator{RadiusKm: radiusKm}
}

// LocationRisk returns a value in [0,1]. at is the transaction time.
func (g GeoRiskCalculator) LocationRisk(current *models.Location, profile *models.UserProfile, at time.Time) float64 {
	if current == nil {
		return 0.0
	}
	if profile == nil || len(profile.Locations) == 0 {
		return 0.1
	}

	minDist := math.Inf(1)
	for _, known := range profile.Locations {
		if d := DistanceKm(*current, known); d < minDist {
			minDist = d
		}
	}
	if minDist < recognizedRadiusKm {
		return 0.0
	}

	if profile.LastTransaction != nil {
		hours := at.Sub(*profile.LastTransaction).Hours()
		if hours > 0 && hours < travelWindowHours {
			last := profile.Locations[len(profile.Locations)-1]
			velocity := TravelVelocity(DistanceKm(*current, last), hours)
			switch {
			case velocity > impossibleTravelKmh:
				return 1.0
			case velocity > fastTravelKmh:
				return 0.8
			}
		}
	}

	if g.RadiusKm <= 0 {
		return 1.0
	}
	return math.Min(minDist/g.RadiusKm, 1.0)
}
