package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/miekg/dns"
)

// MemoryStorage keeps all zones and records in process memory; nothing is
// persisted. The tests use it; the server binary selects redis or the
// filesystem backend and never this one.
type MemoryStorage struct {
	mu sync.RWMutex
	// zone -> owner name -> rr type -> record set
	zones map[string]map[string]map[uint16][]Record
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		zones: make(map[string]map[string]map[uint16][]Record),
	}
}

func (m *MemoryStorage) Zones(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	zones := make([]string, 0, len(m.zones))
	for zone := range m.zones {
		zones = append(zones, zone)
	}
	sort.Strings(zones)
	return zones, nil
}

func (m *MemoryStorage) LookupRecords(ctx context.Context, name, zone string, rtype uint16) ([]Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	domains, ok := m.zones[zone]
	if !ok {
		return nil, false, nil
	}
	byType, ok := domains[name]
	if !ok {
		return nil, false, nil
	}

	// Copy so the caller owns the records it got; the handler mutates owner
	// names in place.
	records := make([]Record, 0, len(byType[rtype]))
	for _, r := range byType[rtype] {
		records = append(records, NewRecord(dns.Copy(r.RR())))
	}
	return records, true, nil
}

func (m *MemoryStorage) AddZone(ctx context.Context, zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.zones[zone]; ok {
		return ErrZoneExists
	}
	m.zones[zone] = make(map[string]map[uint16][]Record)
	return nil
}

func (m *MemoryStorage) AddRecord(ctx context.Context, zone, name string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	domains, ok := m.zones[zone]
	if !ok {
		return ErrZoneNotFound
	}
	byType, ok := domains[name]
	if !ok {
		byType = make(map[uint16][]Record)
		domains[name] = byType
	}
	byType[record.Type()] = append(byType[record.Type()], record)
	return nil
}

func (m *MemoryStorage) ListRecords(ctx context.Context, zone, name string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	domains, ok := m.zones[zone]
	if !ok {
		return nil, ErrZoneNotFound
	}

	var records []Record
	for _, set := range domains[name] {
		for _, r := range set {
			records = append(records, NewRecord(dns.Copy(r.RR())))
		}
	}
	return records, nil
}

func (m *MemoryStorage) ListDomains(ctx context.Context, zone string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	domains, ok := m.zones[zone]
	if !ok {
		return nil, ErrZoneNotFound
	}

	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
