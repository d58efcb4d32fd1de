package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/miekg/dns"
)

// FSStorage stores record sets on the filesystem, one JSON file per
// (zone, name, type) bucket:
//
//	<base>/<zone>/<name>/<TYPE>
//
// Directory existence encodes the lookup tri-state: a missing zone directory
// means the zone is unknown, a missing name directory means NXDOMAIN, and a
// missing type file means NoData.
type FSStorage struct {
	base string
	mu   sync.Mutex // serializes read-modify-write of record-set files
}

// NewFSStorage creates a filesystem store rooted at base, creating the base
// directory if needed.
func NewFSStorage(base string) (*FSStorage, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create storage base: %w", err)
	}
	return &FSStorage{base: base}, nil
}

func (f *FSStorage) Zones(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.base)
	if err != nil {
		return nil, fmt.Errorf("read storage base: %w", err)
	}

	var zones []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		zones = append(zones, entry.Name())
	}
	return zones, nil
}

func (f *FSStorage) LookupRecords(ctx context.Context, name, zone string, rtype uint16) ([]Record, bool, error) {
	nameDir := filepath.Join(f.base, zone, name)
	if _, err := os.Stat(nameDir); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	data, err := os.ReadFile(filepath.Join(nameDir, dns.TypeToString[rtype]))
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, true, nil
		}
		return nil, false, err
	}

	records, err := DecodeRecordSet(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode record set for %s %s: %w", name, dns.TypeToString[rtype], err)
	}
	return records, true, nil
}

func (f *FSStorage) AddZone(ctx context.Context, zone string) error {
	zoneDir := filepath.Join(f.base, zone)
	if _, err := os.Stat(zoneDir); err == nil {
		return ErrZoneExists
	}
	return os.Mkdir(zoneDir, 0o755)
}

func (f *FSStorage) AddRecord(ctx context.Context, zone, name string, record Record) error {
	zoneDir := filepath.Join(f.base, zone)
	if _, err := os.Stat(zoneDir); err != nil {
		if os.IsNotExist(err) {
			return ErrZoneNotFound
		}
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	nameDir := filepath.Join(zoneDir, name)
	if err := os.MkdirAll(nameDir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(nameDir, dns.TypeToString[record.Type()])
	var records []Record
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		records, err = DecodeRecordSet(data)
		if err != nil {
			return fmt.Errorf("decode record set %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return err
	}
	records = append(records, record)

	out, err := EncodeRecordSet(records)
	if err != nil {
		return err
	}

	// Write-then-rename so a concurrent reader never sees a partial set.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FSStorage) ListRecords(ctx context.Context, zone, name string) ([]Record, error) {
	if _, err := os.Stat(filepath.Join(f.base, zone)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrZoneNotFound
		}
		return nil, err
	}

	nameDir := filepath.Join(f.base, zone, name)
	entries, err := os.ReadDir(nameDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(nameDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		set, err := DecodeRecordSet(data)
		if err != nil {
			return nil, fmt.Errorf("decode record set %s: %w", entry.Name(), err)
		}
		records = append(records, set...)
	}
	return records, nil
}

func (f *FSStorage) ListDomains(ctx context.Context, zone string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.base, zone))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrZoneNotFound
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
