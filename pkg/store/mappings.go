package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/corralhq/corral/pkg/contracts"
)

// UpsertGLMapping inserts or refreshes one GL mapping row. Empty entity and
// vendor ids stand for the unscoped levels.
func (s *Store) UpsertGLMapping(ctx context.Context, m contracts.GLMapping) error {
	query := s.rebind(`
		INSERT INTO gl_mappings (level, entity_id, vendor_id, category, gl_account_ref)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (level, entity_id, vendor_id, category) DO UPDATE SET
			gl_account_ref = excluded.gl_account_ref`)
	_, err := s.db.ExecContext(ctx, query, string(m.Level), m.EntityID, m.VendorID, string(m.Category), m.GLAccountRef)
	if err != nil {
		return s.wrap("store.upsert_gl_mapping", err, "gl_mapping", string(m.Category))
	}
	return nil
}

// LookupGLMapping reads one mapping level; ok is false when the level has no
// row for the category.
func (s *Store) LookupGLMapping(ctx context.Context, level contracts.MappingLevel, entityID, vendorID string, category contracts.LineCategory) (string, bool, error) {
	query := s.rebind(`
		SELECT gl_account_ref FROM gl_mappings
		WHERE level = ? AND entity_id = ? AND vendor_id = ? AND category = ?`)
	var ref string
	err := s.db.QueryRowContext(ctx, query, string(level), entityID, vendorID, string(category)).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap("store.lookup_gl_mapping", err, "gl_mapping", string(category))
	}
	return ref, true, nil
}

// UpsertDimensionRule inserts or refreshes one dimension rule. An empty
// entity id makes the rule global.
func (s *Store) UpsertDimensionRule(ctx context.Context, r contracts.DimensionRule) error {
	params, err := marshalNullable(r.TransformParams)
	if err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO dimension_rules (entity_id, dimension_code, source, source_field, transform, transform_params, default_value, is_required)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, dimension_code) DO UPDATE SET
			source = excluded.source,
			source_field = excluded.source_field,
			transform = excluded.transform,
			transform_params = excluded.transform_params,
			default_value = excluded.default_value,
			is_required = excluded.is_required`)
	_, err = s.db.ExecContext(ctx, query,
		r.EntityID, r.DimensionCode, string(r.Source), r.SourceField,
		string(r.Transform), params, nullable(r.DefaultValue), r.IsRequired,
	)
	if err != nil {
		return s.wrap("store.upsert_dimension_rule", err, "dimension_rule", r.DimensionCode)
	}
	return nil
}

// ListDimensionRules returns the rules scoped to an entity plus the global
// rules, entity-scoped first so they shadow globals of the same code.
func (s *Store) ListDimensionRules(ctx context.Context, entityID string) ([]contracts.DimensionRule, error) {
	query := s.rebind(`
		SELECT entity_id, dimension_code, source, source_field, transform, transform_params, default_value, is_required
		FROM dimension_rules
		WHERE entity_id = ? OR entity_id = ''
		ORDER BY CASE WHEN entity_id = '' THEN 1 ELSE 0 END, dimension_code`)
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, s.wrap("store.list_dimension_rules", err, "dimension_rules", entityID)
	}
	defer func() { _ = rows.Close() }()

	rules := make([]contracts.DimensionRule, 0)
	for rows.Next() {
		var r contracts.DimensionRule
		var source, transform string
		var params, def sql.NullString
		if err := rows.Scan(&r.EntityID, &r.DimensionCode, &source, &r.SourceField, &transform, &params, &def, &r.IsRequired); err != nil {
			return nil, s.wrap("store.list_dimension_rules", err, "dimension_rules", entityID)
		}
		r.Source = contracts.DimensionSource(source)
		r.Transform = contracts.DimensionTransform(transform)
		r.DefaultValue = def.String
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &r.TransformParams); err != nil {
				return nil, fmt.Errorf("store: decoding transform_params for %s: %w", r.DimensionCode, err)
			}
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.list_dimension_rules", err, "dimension_rules", entityID)
	}
	return rules, nil
}
