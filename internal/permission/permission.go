// Package permission implements the `permissions` tree of spec §6.1: a
// record of which caller ("node") may touch which schema at all, checked
// ahead of the per-field trust-distance gate in C7/C6.
//
// Grounded on original_source/fold_node/src/datafold_node/db.rs's
// grant_schema_permission/check_schema_permission pair, which runs this
// check before ensure_schema_loaded in both query and write_schema paths.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/datafold/internal/kv"
)

// Grant is the persisted record behind one `node_id:schema` key.
type Grant struct {
	NodeID    string    `json:"node_id"`
	Schema    string    `json:"schema"`
	GrantedAt time.Time `json:"granted_at"`
}

// Store owns the permissions tree.
type Store struct {
	tree *kv.Tree
}

// NewStore opens the permissions tree.
func NewStore(s *kv.Store) (*Store, error) {
	tree, err := s.Tree("permissions")
	if err != nil {
		return nil, fmt.Errorf("permission: opening permissions tree: %w", err)
	}
	return &Store{tree: tree}, nil
}

func grantKey(nodeID, schemaName string) string {
	return nodeID + ":" + schemaName
}

// Grant records that nodeID may access schemaName (spec §6.2 "grant caller
// permission" on load_schema). Granting twice is a no-op overwrite.
func (s *Store) Grant(ctx context.Context, nodeID, schemaName string) error {
	g := Grant{NodeID: nodeID, Schema: schemaName, GrantedAt: time.Now().UTC()}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("permission: encoding grant: %w", err)
	}
	if err := s.tree.Put(ctx, grantKey(nodeID, schemaName), data); err != nil {
		return fmt.Errorf("permission: persisting grant: %w", err)
	}
	return nil
}

// Check reports whether nodeID has been granted access to schemaName. An
// empty nodeID (no caller identity supplied) is always denied, matching
// the original's "pub_key required" behavior at the operation surface.
func (s *Store) Check(ctx context.Context, nodeID, schemaName string) (bool, error) {
	if nodeID == "" {
		return false, nil
	}
	_, ok, err := s.tree.Get(ctx, grantKey(nodeID, schemaName))
	if err != nil {
		return false, fmt.Errorf("permission: checking grant: %w", err)
	}
	return ok, nil
}
