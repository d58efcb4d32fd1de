package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

var (
	// ErrZoneExists is returned by AddZone when the zone marker is already present.
	ErrZoneExists = errors.New("zone already exists")
	// ErrZoneNotFound is returned by record operations against a zone that was never added.
	ErrZoneNotFound = errors.New("zone not found")
)

// CanonicalName returns the canonical form of a domain name: fully qualified
// and lowercased. All storage keys and comparisons use this form.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// Record wraps a single stored resource record. The wrapped RR is owned by
// whoever fetched it; the only supported in-place mutation is SetOwner, used to
// restore the original query casing before a record is written to the wire.
type Record struct {
	rr dns.RR
}

// NewRecord wraps rr for storage.
func NewRecord(rr dns.RR) Record {
	return Record{rr: rr}
}

// RR returns the wrapped resource record.
func (r Record) RR() dns.RR {
	return r.rr
}

// Type returns the RR type of the wrapped record.
func (r Record) Type() uint16 {
	return r.rr.Header().Rrtype
}

// SetOwner replaces the owner name of the wrapped record.
func (r *Record) SetOwner(name string) {
	r.rr.Header().Name = name
}

type recordDTO struct {
	RR string `json:"rr"`
}

// MarshalJSON encodes the record as its zone-file presentation string, so record
// sets written by any backend can be read back by any other.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordDTO{RR: r.rr.String()})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var dto recordDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	rr, err := dns.NewRR(dto.RR)
	if err != nil {
		return fmt.Errorf("parse stored record: %w", err)
	}
	r.rr = rr
	return nil
}

// EncodeRecordSet serializes a record set to the shared JSON blob format.
func EncodeRecordSet(records []Record) ([]byte, error) {
	return json.Marshal(records)
}

// DecodeRecordSet parses a record-set blob produced by EncodeRecordSet.
func DecodeRecordSet(data []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Storage is the contract between the query pipeline and a concrete record
// store. All names passed in must be canonical (see CanonicalName).
//
// LookupRecords is tri-state: found == false means the name does not exist in
// the zone at all (NXDOMAIN), found == true with an empty slice means the name
// exists but holds no records of the requested type (NoData), and a non-empty
// slice is the answer set. Returned records are owned by the caller.
type Storage interface {
	Zones(ctx context.Context) ([]string, error)
	LookupRecords(ctx context.Context, name, zone string, rtype uint16) (records []Record, found bool, err error)
	AddZone(ctx context.Context, zone string) error
	AddRecord(ctx context.Context, zone, name string, record Record) error
	ListRecords(ctx context.Context, zone, name string) ([]Record, error)
	ListDomains(ctx context.Context, zone string) ([]string, error)
}
