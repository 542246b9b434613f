// Package geo resolves IP addresses to approximate geo/ASN metadata via
// local MaxMind-format databases, and keeps a small per-user history used by
// the risk engine's impossible-travel check.
package geo

import (
	"context"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"

	"github.com/kubilitics/authd/internal/models"
)

// Reader is the minimal MMDB surface the Resolver needs, satisfied by
// *geoip2.Reader for both the City and ASN database files.
type Reader interface {
	City(ip net.IP) (*geoip2.City, error)
	ASN(ip net.IP) (*geoip2.ASN, error)
}

// mmdbReader wraps two separate geoip2.Reader instances (city+country db and
// ASN db are typically shipped as separate MaxMind files).
type mmdbReader struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

func (r *mmdbReader) City(ip net.IP) (*geoip2.City, error) {
	if r.city == nil {
		return nil, maxminddb.InvalidDatabaseError("city database not loaded")
	}
	return r.city.City(ip)
}

func (r *mmdbReader) ASN(ip net.IP) (*geoip2.ASN, error) {
	if r.asn == nil {
		return nil, maxminddb.InvalidDatabaseError("asn database not loaded")
	}
	return r.asn.ASN(ip)
}

// Open loads the city and ASN MMDB files. Either path may be empty, in
// which case lookups for that dimension degrade to "unknown" rather than
// failing — matching the spec's "missing database" behavior, never a panic.
func Open(cityDBPath, asnDBPath string) (*mmdbReader, func(), error) {
	r := &mmdbReader{}
	var closers []func() error

	if cityDBPath != "" {
		db, err := geoip2.Open(cityDBPath)
		if err != nil {
			return nil, nil, err
		}
		r.city = db
		closers = append(closers, db.Close)
	}
	if asnDBPath != "" {
		db, err := geoip2.Open(asnDBPath)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		r.asn = db
		closers = append(closers, db.Close)
	}

	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return r, cleanup, nil
}

// Store persists resolved IP metadata and per-user geo history.
type Store interface {
	GetIPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error)
	UpsertIPMetadata(ctx context.Context, m *models.IPMetadata) error
	IsIPBlocked(ctx context.Context, ip string) (bool, error)
	AppendGeoHistory(ctx context.Context, entry models.GeoHistoryEntry) error
	RecentGeoHistory(ctx context.Context, userID string, limit int) ([]models.GeoHistoryEntry, error)
}

// metadataTTL bounds how long a resolved IPMetadata row is trusted before a
// fresh MMDB lookup is performed (IP-to-geo mappings drift over time).
const metadataTTL = 24 * time.Hour

// Resolver answers "where is this IP" queries, caching through Store so the
// MMDB reader is consulted at most once per IP per metadataTTL window.
type Resolver struct {
	reader Reader
	store  Store
}

// NewResolver builds a Resolver. reader may be nil (e.g. databases failed to
// open at startup); all lookups then resolve to "unknown" rather than erroring.
func NewResolver(reader Reader, store Store) *Resolver {
	return &Resolver{reader: reader, store: store}
}

// Resolve returns IP metadata for ip, consulting the store cache first and
// falling back to the MMDB reader on a stale or missing entry.
func (r *Resolver) Resolve(ctx context.Context, ip string) (*models.IPMetadata, error) {
	if cached, err := r.store.GetIPMetadata(ctx, ip); err == nil && cached != nil {
		if time.Since(cached.ResolvedAt) < metadataTTL {
			return cached, nil
		}
	}

	meta := &models.IPMetadata{IPAddress: ip, ResolvedAt: time.Now()}
	parsed := net.ParseIP(ip)
	if r.reader != nil && parsed != nil {
		if city, err := r.reader.City(parsed); err == nil && city != nil {
			meta.Country = city.Country.IsoCode
			if len(city.City.Names) > 0 {
				meta.City = city.City.Names["en"]
			}
			meta.Latitude = city.Location.Latitude
			meta.Longitude = city.Location.Longitude
		}
		if asn, err := r.reader.ASN(parsed); err == nil && asn != nil {
			meta.ASN = asn.AutonomousSystemNumber
			meta.ASNOrg = asn.AutonomousSystemOrganization
		}
	}

	if err := r.store.UpsertIPMetadata(ctx, meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// IsBlocked reports whether ip is on the operator/pipeline-managed blocklist.
func (r *Resolver) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return r.store.IsIPBlocked(ctx, ip)
}

// RecordLogin appends ip's resolved metadata to the user's bounded geo
// history, for later impossible-travel comparisons.
func (r *Resolver) RecordLogin(ctx context.Context, userID, ip string) error {
	meta, err := r.Resolve(ctx, ip)
	if err != nil {
		return err
	}
	return r.store.AppendGeoHistory(ctx, models.GeoHistoryEntry{
		UserID:    userID,
		IPAddress: ip,
		Country:   meta.Country,
		ASN:       meta.ASN,
		Latitude:  meta.Latitude,
		Longitude: meta.Longitude,
		LoggedAt:  time.Now(),
	})
}

// History returns the user's most recent logins, newest first, bounded by
// models.GeoHistoryLimit.
func (r *Resolver) History(ctx context.Context, userID string) ([]models.GeoHistoryEntry, error) {
	return r.store.RecentGeoHistory(ctx, userID, models.GeoHistoryLimit)
}
