package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	newYork     = models.Location{Latitude: 40.7128, Longitude: -74.0060, City: "New York"}
	losAngeles  = models.Location{Latitude: 34.0522, Longitude: -118.2437, City: "Los Angeles"}
	boston      = models.Location{Latitude: 42.3601, Longitude: -71.0589, City: "Boston"}
	chicago     = models.Location{Latitude: 41.8781, Longitude: -87.6298, City: "Chicago"}
	brooklynish = models.Location{Latitude: 40.6782, Longitude: -73.9442}
)

func TestDistanceKm(t *testing.T) {
	d := DistanceKm(newYork, losAngeles)
	assert.Greater(t, d, 3930.0)
	assert.Less(t, d, 3945.0)

	assert.Equal(t, 0.0, DistanceKm(newYork, newYork))
	assert.InDelta(t, d, DistanceKm(losAngeles, newYork), 1e-9)
}

func TestTravelVelocity(t *testing.T) {
	assert.True(t, math.IsInf(TravelVelocity(100, 0), 1))
	assert.Equal(t, 50.0, TravelVelocity(100, 2))
}

func TestLocationRisk(t *testing.T) {
	geo := NewGeoRiskCalculator(500)
	at := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	hoursAgo := func(h float64) *time.Time {
		ts := at.Add(-time.Duration(h * float64(time.Hour)))
		return &ts
	}

	tests := []struct {
		name    string
		current *models.Location
		profile *models.UserProfile
		want    float64
	}{
		{
			name:    "no location",
			current: nil,
			profile: &models.UserProfile{Locations: []models.Location{newYork}},
			want:    0,
		},
		{
			name:    "no history",
			current: &newYork,
			profile: models.NewUserProfile("u"),
			want:    0.1,
		},
		{
			name:    "known area",
			current: &brooklynish,
			profile: &models.UserProfile{Locations: []models.Location{newYork}, LastTransaction: hoursAgo(1)},
			want:    0,
		},
		{
			name:    "impossible travel",
			current: &losAngeles,
			profile: &models.UserProfile{Locations: []models.Location{newYork}, LastTransaction: hoursAgo(1)},
			want:    1.0,
		},
		{
			name:    "fast travel",
			current: &chicago,
			profile: &models.UserProfile{Locations: []models.Location{newYork}, LastTransaction: hoursAgo(2)},
			want:    0.8,
		},
		{
			name:    "outside travel window",
			current: &losAngeles,
			profile: &models.UserProfile{Locations: []models.Location{newYork}, LastTransaction: hoursAgo(48)},
			want:    1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, geo.LocationRisk(tt.current, tt.profile, at), 1e-9)
		})
	}
}

func TestLocationRisk_ScalesByRadius(t *testing.T) {
	geo := NewGeoRiskCalculator(500)
	at := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	last := at.Add(-48 * time.Hour)
	profile := &models.UserProfile{Locations: []models.Location{newYork}, LastTransaction: &last}

	want := DistanceKm(boston, newYork) / 500
	assert.InDelta(t, want, geo.LocationRisk(&boston, profile, at), 1e-9)
	assert.Equal(t, 1.0, NewGeoRiskCalculator(0).LocationRisk(&boston, profile, at))
}
