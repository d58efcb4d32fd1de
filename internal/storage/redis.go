package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
)

const (
	zoneKeyPrefix     = "zone:"
	resourceKeyPrefix = "resource:"
)

// RedisStorage stores record sets in a redis cluster. Layout:
//
//	zone:<zone>            -> "" (zone marker)
//	resource:<zone>:<name> -> hash, field = lowercase RR type, value = JSON record set
//
// The layout is shared between deployments pointing at the same cluster, so it
// must not change.
type RedisStorage struct {
	client redis.UniversalClient
}

// NewRedisStorage connects to the cluster formed by the given node addresses.
// A single address yields a plain client, which keeps local setups simple.
func NewRedisStorage(addrs []string, username, password string) *RedisStorage {
	return &RedisStorage{
		client: redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Username: username,
			Password: password,
		}),
	}
}

// Ping verifies connectivity. A client that fails the ping should be discarded.
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connections.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func zoneKey(zone string) string {
	return zoneKeyPrefix + zone
}

func resourceKey(zone, name string) string {
	return resourceKeyPrefix + zone + ":" + name
}

func typeField(rtype uint16) string {
	return strings.ToLower(dns.TypeToString[rtype])
}

func (r *RedisStorage) Zones(ctx context.Context) ([]string, error) {
	var zones []string
	iter := r.client.Scan(ctx, 0, zoneKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		zones = append(zones, strings.TrimPrefix(iter.Val(), zoneKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan zones: %w", err)
	}
	return zones, nil
}

func (r *RedisStorage) LookupRecords(ctx context.Context, name, zone string, rtype uint16) ([]Record, bool, error) {
	key := resourceKey(zone, name)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("check %s: %w", key, err)
	}
	if exists == 0 {
		return nil, false, nil
	}

	data, err := r.client.HGet(ctx, key, typeField(rtype)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []Record{}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s %s: %w", key, typeField(rtype), err)
	}

	records, err := DecodeRecordSet(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode record set %s %s: %w", key, typeField(rtype), err)
	}
	return records, true, nil
}

func (r *RedisStorage) AddZone(ctx context.Context, zone string) error {
	set, err := r.client.SetNX(ctx, zoneKey(zone), "", 0).Result()
	if err != nil {
		return fmt.Errorf("set zone marker: %w", err)
	}
	if !set {
		return ErrZoneExists
	}
	return nil
}

func (r *RedisStorage) AddRecord(ctx context.Context, zone, name string, record Record) error {
	exists, err := r.client.Exists(ctx, zoneKey(zone)).Result()
	if err != nil {
		return fmt.Errorf("check zone marker: %w", err)
	}
	if exists == 0 {
		return ErrZoneNotFound
	}

	key := resourceKey(zone, name)
	field := typeField(record.Type())

	// Optimistic read-modify-write of the record-set blob. The whole set is
	// swapped in one HSET, so readers always see a complete set; if another
	// writer touches the key between the read and the EXEC, the transaction
	// aborts and we retry.
	txn := func(tx *redis.Tx) error {
		var records []Record
		data, err := tx.HGet(ctx, key, field).Bytes()
		switch {
		case err == nil:
			records, err = DecodeRecordSet(data)
			if err != nil {
				return fmt.Errorf("decode record set %s %s: %w", key, field, err)
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		records = append(records, record)

		out, err := EncodeRecordSet(records)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, out)
			return nil
		})
		return err
	}

	for {
		err := r.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
}

func (r *RedisStorage) ListRecords(ctx context.Context, zone, name string) ([]Record, error) {
	exists, err := r.client.Exists(ctx, zoneKey(zone)).Result()
	if err != nil {
		return nil, fmt.Errorf("check zone marker: %w", err)
	}
	if exists == 0 {
		return nil, ErrZoneNotFound
	}

	sets, err := r.client.HGetAll(ctx, resourceKey(zone, name)).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	var records []Record
	for field, data := range sets {
		set, err := DecodeRecordSet([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode record set %s: %w", field, err)
		}
		records = append(records, set...)
	}
	return records, nil
}

func (r *RedisStorage) ListDomains(ctx context.Context, zone string) ([]string, error) {
	exists, err := r.client.Exists(ctx, zoneKey(zone)).Result()
	if err != nil {
		return nil, fmt.Errorf("check zone marker: %w", err)
	}
	if exists == 0 {
		return nil, ErrZoneNotFound
	}

	prefix := resourceKeyPrefix + zone + ":"

	var names []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan domains: %w", err)
	}
	return names, nil
}
