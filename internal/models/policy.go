// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package models

import (
	"sort"
	"strings"
)

// ColumnPolicy resolves, once at pipeline construction, which stream feature
// columns are materialized into dataset rows and how.
//
// Two rules apply:
//
//   - Columns carrying the adjusted suffix (e.g. contributionAmtAdj) are
//     retroactively corrected variants of a raw counterpart. They are
//     excluded from the output entirely.
//   - Columns whose names start with a rollback prefix (contribution,
//     ticket) are "rollback columns": the materialized value must be the
//     value observed at the row's own timestamp, i.e. the raw column, never
//     the adjusted variant. Because the stream is append-only, the raw
//     column of each row already holds the as-of value.
//
// The policy is an explicit structure rather than per-run string pattern
// matching: the raw→adjusted mapping and the rollback set are computed once
// from a concrete column list and consulted everywhere else.
type ColumnPolicy struct {
	rollback map[string]struct{}
	adjusted map[string]string   // raw column -> its adjusted variant
	excluded map[string]struct{} // adjusted variant names
}

// NewColumnPolicy builds a policy from the stream's feature column names.
// rollbackPrefixes marks column families pinned to as-of values;
// adjustedSuffix marks retroactively corrected variants.
func NewColumnPolicy(columns, rollbackPrefixes []string, adjustedSuffix string) ColumnPolicy {
	p := ColumnPolicy{
		rollback: make(map[string]struct{}),
		adjusted: make(map[string]string),
		excluded: make(map[string]struct{}),
	}

	for _, col := range columns {
		if adjustedSuffix != "" && strings.HasSuffix(col, adjustedSuffix) {
			raw := strings.TrimSuffix(col, adjustedSuffix)
			p.adjusted[raw] = col
			p.excluded[col] = struct{}{}
			continue
		}
		for _, prefix := range rollbackPrefixes {
			if strings.HasPrefix(col, prefix) {
				p.rollback[col] = struct{}{}
				break
			}
		}
	}

	return p
}

// IsRollback reports whether col must materialize its as-of value.
func (p ColumnPolicy) IsRollback(col string) bool {
	_, ok := p.rollback[col]
	return ok
}

// IsExcluded reports whether col is an adjusted variant dropped from output.
func (p ColumnPolicy) IsExcluded(col string) bool {
	_, ok := p.excluded[col]
	return ok
}

// AdjustedVariant returns the adjusted column name paired with a raw column,
// if one exists in the stream schema.
func (p ColumnPolicy) AdjustedVariant(raw string) (string, bool) {
	adj, ok := p.adjusted[raw]
	return adj, ok
}

// RollbackColumns returns the rollback column names in sorted order.
func (p ColumnPolicy) RollbackColumns() []string {
	cols := make([]string, 0, len(p.rollback))
	for col := range p.rollback {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Materialize applies the policy to one row's feature map: adjusted variants
// are dropped and rollback columns keep the row's own raw value. The input
// map is not modified.
func (p ColumnPolicy) Materialize(features map[string]any) map[string]any {
	if features == nil {
		return nil
	}
	out := make(map[string]any, len(features))
	for col, val := range features {
		if p.IsExcluded(col) {
			continue
		}
		out[col] = val
	}
	return out
}
