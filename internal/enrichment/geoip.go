package enrichment

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

type cityLookup interface {
	City(ip net.IP) (*geoip2.City, error)
}

// GeoIPResolver fills a missing transaction location from its IP address
// using a MaxMind city database.
type GeoIPResolver struct {
	db     cityLookup
	closer func() error
}

// OpenGeoIP opens the GeoLite2/GeoIP2 city database at path.
func OpenGeoIP(path string) (*GeoIPResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("GeoIP city database loaded")
	return &GeoIPResolver{db: reader, closer: reader.Close}, nil
}

// Lookup resolves ip to a location. ok is false for unparseable or
// unknown addresses.
func (g *GeoIPResolver) Lookup(ip string) (models.Location, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return models.Location{}, false
	}

	city, err := g.db.City(parsed)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("GeoIP lookup failed")
		return models.Location{}, false
	}
	if city.Location.Latitude == 0 && city.Location.Longitude == 0 {
		return models.Location{}, false
	}

	return models.Location{
		Latitude:  city.Location.Latitude,
		Longitude: city.Location.Longitude,
		Country:   city.Country.IsoCode,
		City:      city.City.Names["en"],
	}, true
}

// Enrich sets tx.Location when the caller sent an IP but no coordinates.
func (g *GeoIPResolver) Enrich(tx *models.Transaction) {
	if tx.Location != nil || tx.IPAddress == "" {
		return
	}
	if loc, ok := g.Lookup(tx.IPAddress); ok {
		tx.Location = &loc
	}
}

func (g *GeoIPResolver) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}
