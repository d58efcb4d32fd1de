package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Locator resolves a source IP to a country and continent for per-zone metrics.
type Locator interface {
	// LookupIP returns the ISO country code and continent code for ip. Either
	// may be empty when the database has no data for the address.
	LookupIP(ip net.IP) (country, continent string, err error)
}

// MaxMindLocator is a Locator backed by a read-only MaxMind country database.
type MaxMindLocator struct {
	reader *geoip2.Reader
}

// Open maps the database at path.
func Open(path string) (*MaxMindLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindLocator{reader: reader}, nil
}

func (l *MaxMindLocator) LookupIP(ip net.IP) (string, string, error) {
	record, err := l.reader.Country(ip)
	if err != nil {
		return "", "", err
	}
	return record.Country.IsoCode, record.Continent.Code, nil
}

// Close unmaps the database.
func (l *MaxMindLocator) Close() error {
	return l.reader.Close()
}
