// Package geo wires the IP geolocation lookup into the enrichment engine.
package geo

import (
	"context"
	"time"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// Fields are the location attributes resolved for one address. A nil field
// means the database holds no value for it.
type Fields struct {
	CountryCode *string
	CountryName *string
	RegionName  *string
	CityName    *string
}

// Empty reports whether no field resolved.
func (f Fields) Empty() bool {
	return f.CountryCode == nil && f.CountryName == nil && f.RegionName == nil && f.CityName == nil
}

// Locator resolves an IP address. Implementations return a permanent
// *enrichment.LookupError with ReasonMalformedInput for addresses that do
// not parse.
type Locator interface {
	Lookup(ip string) (Fields, error)
}

// Operation returns the per-key operation of the geo pipeline. An address the
// database does not know is still a success; its record has Matched false.
func Operation(locator Locator, tp timeutil.Provider) enrichment.Operation {
	if tp == nil {
		tp = timeutil.Default()
	}
	return func(ctx context.Context, item enrichment.WorkItem) (enrichment.Record, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ip := item.Key.String()
		fields, err := locator.Lookup(ip)
		if err != nil {
			return nil, err
		}

		return &enrichment.Location{
			IPAddress:   ip,
			CountryCode: fields.CountryCode,
			CountryName: fields.CountryName,
			RegionName:  fields.RegionName,
			CityName:    fields.CityName,
			Matched:     !fields.Empty(),
			ProcessedAt: tp.Now().UTC().Truncate(time.Second),
		}, nil
	}
}
