package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// UpsertEntityProfile inserts or refreshes a tenant company profile.
func (s *Store) UpsertEntityProfile(ctx context.Context, p contracts.EntityProfile) error {
	aliases, err := marshalNullable(p.Aliases)
	if err != nil {
		return err
	}
	dims, err := marshalNullable(p.DefaultDimensions)
	if err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO entity_profiles (entity_id, entity_code, name, aliases, default_dimensions, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			entity_code = excluded.entity_code,
			name = excluded.name,
			aliases = excluded.aliases,
			default_dimensions = excluded.default_dimensions,
			is_active = excluded.is_active`)
	_, err = s.db.ExecContext(ctx, query, p.EntityID, p.EntityCode, p.Name, aliases, dims, p.IsActive)
	if err != nil {
		return s.wrap("store.upsert_entity", err, "entity", p.EntityID)
	}
	return nil
}

// GetEntityProfile loads one profile.
func (s *Store) GetEntityProfile(ctx context.Context, entityID string) (contracts.EntityProfile, error) {
	query := s.rebind(`
		SELECT entity_id, entity_code, name, aliases, default_dimensions, is_active
		FROM entity_profiles WHERE entity_id = ?`)
	return s.scanEntity(s.db.QueryRowContext(ctx, query, entityID), entityID)
}

// ListEntityProfiles returns profiles ordered by entity code; activeOnly
// filters out inactive tenants.
func (s *Store) ListEntityProfiles(ctx context.Context, activeOnly bool) ([]contracts.EntityProfile, error) {
	query := `SELECT entity_id, entity_code, name, aliases, default_dimensions, is_active FROM entity_profiles`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY entity_code`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.wrap("store.list_entities", err, "entity_profiles", "")
	}
	defer func() { _ = rows.Close() }()

	profiles := make([]contracts.EntityProfile, 0)
	for rows.Next() {
		p, err := s.scanEntity(rows, "")
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.list_entities", err, "entity_profiles", "")
	}
	return profiles, nil
}

func (s *Store) scanEntity(row rowScanner, key string) (contracts.EntityProfile, error) {
	var p contracts.EntityProfile
	var aliases, dims sql.NullString
	if err := row.Scan(&p.EntityID, &p.EntityCode, &p.Name, &aliases, &dims, &p.IsActive); err != nil {
		return contracts.EntityProfile{}, s.wrap("store.scan_entity", err, "entity", key)
	}
	if aliases.Valid && aliases.String != "" {
		if err := json.Unmarshal([]byte(aliases.String), &p.Aliases); err != nil {
			return contracts.EntityProfile{}, fmt.Errorf("store: decoding aliases for %s: %w", p.EntityID, err)
		}
	}
	if dims.Valid && dims.String != "" {
		if err := json.Unmarshal([]byte(dims.String), &p.DefaultDimensions); err != nil {
			return contracts.EntityProfile{}, fmt.Errorf("store: decoding default_dimensions for %s: %w", p.EntityID, err)
		}
	}
	return p, nil
}

// UpsertRoutingKey inserts or refreshes a routing key. A HARD
// (key_type, key_value) may map to exactly one entity; conflicting HARD
// inserts are a validation error.
func (s *Store) UpsertRoutingKey(ctx context.Context, k contracts.RoutingKey) error {
	if k.Confidence == contracts.ConfidenceHard {
		check := s.rebind(`
			SELECT entity_id FROM routing_keys
			WHERE key_type = ? AND key_value = ? AND confidence = ? AND entity_id <> ?`)
		var other string
		err := s.db.QueryRowContext(ctx, check, string(k.KeyType), k.KeyValue, string(contracts.ConfidenceHard), k.EntityID).Scan(&other)
		switch {
		case err == nil:
			return &fault.ValidationError{
				Field:  "routing_key",
				Reason: fmt.Sprintf("hard key %s=%s already routes to entity %s", k.KeyType, k.KeyValue, other),
			}
		case !errors.Is(err, sql.ErrNoRows):
			return s.wrap("store.check_routing_key", err, "routing_key", k.KeyValue)
		}
	}
	query := s.rebind(`
		INSERT INTO routing_keys (key_type, key_value, entity_id, confidence, priority)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key_type, key_value, entity_id) DO UPDATE SET
			confidence = excluded.confidence,
			priority = excluded.priority`)
	_, err := s.db.ExecContext(ctx, query, string(k.KeyType), k.KeyValue, k.EntityID, string(k.Confidence), k.Priority)
	if err != nil {
		// The partial unique index catches hard-key conflicts the pre-check
		// raced past; same outcome either way.
		if k.Confidence == contracts.ConfidenceHard && isUniqueViolation(err) {
			return &fault.ValidationError{
				Field:  "routing_key",
				Reason: fmt.Sprintf("hard key %s=%s already routes to another entity", k.KeyType, k.KeyValue),
			}
		}
		return s.wrap("store.upsert_routing_key", err, "routing_key", k.KeyValue)
	}
	return nil
}

// ListRoutingKeys returns all keys of one type ordered by priority
// descending, for deterministic scoring.
func (s *Store) ListRoutingKeys(ctx context.Context, keyType contracts.RoutingKeyType) ([]contracts.RoutingKey, error) {
	query := s.rebind(`
		SELECT key_type, key_value, entity_id, confidence, priority
		FROM routing_keys WHERE key_type = ?
		ORDER BY priority DESC, key_value, entity_id`)
	rows, err := s.db.QueryContext(ctx, query, string(keyType))
	if err != nil {
		return nil, s.wrap("store.list_routing_keys", err, "routing_keys", string(keyType))
	}
	defer func() { _ = rows.Close() }()

	keys := make([]contracts.RoutingKey, 0)
	for rows.Next() {
		var k contracts.RoutingKey
		var kt, conf string
		if err := rows.Scan(&kt, &k.KeyValue, &k.EntityID, &conf, &k.Priority); err != nil {
			return nil, s.wrap("store.list_routing_keys", err, "routing_keys", string(keyType))
		}
		k.KeyType = contracts.RoutingKeyType(kt)
		k.Confidence = contracts.KeyConfidence(conf)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.list_routing_keys", err, "routing_keys", string(keyType))
	}
	return keys, nil
}

// UpsertVendorAlias persists a confirmed alias. Re-confirming the same
// normalized name is idempotent on the unique key.
func (s *Store) UpsertVendorAlias(ctx context.Context, a contracts.VendorAlias) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	query := s.rebind(`
		INSERT INTO vendor_aliases (customer_id, entity_id, alias_normalized, vendor_id, vendor_number, vendor_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id, entity_id, alias_normalized) DO UPDATE SET
			vendor_id = excluded.vendor_id,
			vendor_number = excluded.vendor_number,
			vendor_name = excluded.vendor_name`)
	_, err := s.db.ExecContext(ctx, query,
		a.CustomerID, a.EntityID, a.AliasNormalized, a.VendorID,
		nullable(a.VendorNumber), nullable(a.VendorName), createdAt,
	)
	if err != nil {
		return s.wrap("store.upsert_vendor_alias", err, "vendor_alias", a.AliasNormalized)
	}
	return nil
}

// GetVendorAlias looks up a confirmed alias by its unique key.
func (s *Store) GetVendorAlias(ctx context.Context, customerID, entityID, aliasNormalized string) (contracts.VendorAlias, error) {
	query := s.rebind(`
		SELECT customer_id, entity_id, alias_normalized, vendor_id, vendor_number, vendor_name, created_at
		FROM vendor_aliases WHERE customer_id = ? AND entity_id = ? AND alias_normalized = ?`)
	row := s.db.QueryRowContext(ctx, query, customerID, entityID, aliasNormalized)

	var a contracts.VendorAlias
	var number, name sql.NullString
	if err := row.Scan(&a.CustomerID, &a.EntityID, &a.AliasNormalized, &a.VendorID, &number, &name, &a.CreatedAt); err != nil {
		return contracts.VendorAlias{}, s.wrap("store.get_vendor_alias", err, "vendor_alias", aliasNormalized)
	}
	a.VendorNumber = number.String
	a.VendorName = name.String
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
