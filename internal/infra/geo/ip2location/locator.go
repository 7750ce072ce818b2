// Package ip2location resolves IP addresses against an IP2Location BIN
// database.
package ip2location

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/ip2location/ip2location-go/v9"

	"github.com/ahrav/event-enricher/internal/app/geo"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

// recordReader is the subset of *ip2location.DB used here.
type recordReader interface {
	Get_all(ipaddress string) (ip2location.IP2Locationrecord, error)
}

var _ geo.Locator = (*Locator)(nil)

// Locator is safe for concurrent use; reads of the BIN file are serialized.
type Locator struct {
	mu     sync.Mutex
	db     recordReader
	closer func()
}

// Open opens the BIN database at path.
func Open(path string) (*Locator, error) {
	db, err := ip2location.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ip2location database %s: %w", path, err)
	}
	return &Locator{db: db, closer: db.Close}, nil
}

// Lookup validates ip and returns its location fields. Database placeholders
// for unknown or unsupported values become nil.
func (l *Locator) Lookup(ip string) (geo.Fields, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return geo.Fields{}, enrichment.NewPermanentError(enrichment.ReasonMalformedInput, err)
	}

	l.mu.Lock()
	rec, err := l.db.Get_all(addr.Unmap().String())
	l.mu.Unlock()
	if err != nil {
		return geo.Fields{}, fmt.Errorf("ip2location lookup of %s: %w", ip, err)
	}

	return geo.Fields{
		CountryCode: field(rec.Country_short),
		CountryName: field(rec.Country_long),
		RegionName:  field(rec.Region),
		CityName:    field(rec.City),
	}, nil
}

// Close releases the database file.
func (l *Locator) Close() error {
	if l.closer == nil {
		return errors.New("locator not opened from a file")
	}
	l.closer()
	return nil
}

func field(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" || v == "-" || strings.HasPrefix(v, "This parameter is unavailable") || strings.HasPrefix(v, "Invalid IP address") {
		return nil
	}
	return &v
}
