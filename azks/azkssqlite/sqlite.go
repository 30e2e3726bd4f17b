// Package azkssqlite is a SQLite-backed azks.Storage, for directories that
// need their trie to outlive the process instead of living in memory.
package azkssqlite

import (
	"context"
	"encoding/binary"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/novifinancial/akd/azks"
)

const schema = `
CREATE TABLE IF NOT EXISTS azks (
	azks_id      BLOB PRIMARY KEY,
	root_location INTEGER NOT NULL,
	num_nodes    INTEGER NOT NULL,
	latest_epoch INTEGER NOT NULL
) STRICT;

CREATE TABLE IF NOT EXISTS node (
	azks_id         BLOB NOT NULL,
	location        INTEGER NOT NULL,
	label_value     BLOB NOT NULL,
	label_length    INTEGER NOT NULL,
	epochs          BLOB NOT NULL,
	parent_location INTEGER NOT NULL,
	node_type       INTEGER NOT NULL,
	PRIMARY KEY (azks_id, location)
) STRICT;

CREATE TABLE IF NOT EXISTS node_state (
	azks_id              BLOB NOT NULL,
	label_value          BLOB NOT NULL,
	label_length         INTEGER NOT NULL,
	epoch                INTEGER NOT NULL,
	value                BLOB NOT NULL,
	child0_dummy         INTEGER NOT NULL,
	child0_location      INTEGER NOT NULL,
	child0_label_value   BLOB NOT NULL,
	child0_label_length  INTEGER NOT NULL,
	child0_hash          BLOB NOT NULL,
	child0_epoch_version INTEGER NOT NULL,
	child1_dummy         INTEGER NOT NULL,
	child1_location      INTEGER NOT NULL,
	child1_label_value   BLOB NOT NULL,
	child1_label_length  INTEGER NOT NULL,
	child1_hash          BLOB NOT NULL,
	child1_epoch_version INTEGER NOT NULL,
	PRIMARY KEY (azks_id, label_value, label_length, epoch)
) STRICT;
`

// Storage is a SQLite-backed azks.Storage, following the pooled-connection
// shape of the teacher's mpt/mptsqlite.Storage.
type Storage struct {
	pool *sqlitex.Pool
}

// NewSQLiteStorage opens (creating if needed) a SQLite-backed Storage at
// dbPath.
func NewSQLiteStorage(ctx context.Context, dbPath string) (*Storage, error) {
	pool, err := sqlitex.NewPool(dbPath, sqlitex.PoolOptions{
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecScript(conn, `
				PRAGMA strict_types = ON;
				PRAGMA foreign_keys = ON;
			`)
		},
	})
	if err != nil {
		return nil, err
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecScript(conn, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() error {
	return s.pool.Close()
}

var _ azks.Storage = (*Storage)(nil)

func encodeEpochs(epochs []uint64) []byte {
	b := make([]byte, 8*len(epochs))
	for i, e := range epochs {
		binary.BigEndian.PutUint64(b[i*8:], e)
	}
	return b
}

func decodeEpochs(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("azkssqlite: malformed epochs column")
	}
	epochs := make([]uint64, len(b)/8)
	for i := range epochs {
		epochs[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return epochs, nil
}

func (s *Storage) GetAzks(ctx context.Context, key azks.AzksKey) (*azks.Azks, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var a *azks.Azks
	err = sqlitex.Execute(conn, `
		SELECT root_location, num_nodes, latest_epoch FROM azks WHERE azks_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.AzksID[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				a = &azks.Azks{
					AzksID:       key.AzksID,
					RootLocation: uint64(stmt.ColumnInt64(0)),
					NumNodes:     uint64(stmt.ColumnInt64(1)),
					LatestEpoch:  uint64(stmt.ColumnInt64(2)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, azks.ErrNotFound
	}
	return a, nil
}

func (s *Storage) putAzks(conn *sqlite.Conn, a *azks.Azks) error {
	return sqlitex.Execute(conn, `
		INSERT INTO azks (azks_id, root_location, num_nodes, latest_epoch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (azks_id) DO UPDATE SET
			root_location = excluded.root_location,
			num_nodes = excluded.num_nodes,
			latest_epoch = excluded.latest_epoch`,
		&sqlitex.ExecOptions{
			Args: []any{a.AzksID[:], int64(a.RootLocation), int64(a.NumNodes), int64(a.LatestEpoch)},
		})
}

func (s *Storage) GetNode(ctx context.Context, key azks.NodeKey) (*azks.HistoryTreeNode, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var n *azks.HistoryTreeNode
	var rowErr error
	err = sqlitex.Execute(conn, `
		SELECT label_value, label_length, epochs, parent_location, node_type
		FROM node WHERE azks_id = ? AND location = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.AzksID[:], int64(key.Location)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n, rowErr = nodeFromRow(stmt, key.AzksID, key.Location)
				return rowErr
			},
		})
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, azks.ErrNotFound
	}
	return n, nil
}

func nodeFromRow(stmt *sqlite.Stmt, azksID [32]byte, location uint64) (*azks.HistoryTreeNode, error) {
	labelValue := make([]byte, 32)
	stmt.ColumnBytes(0, labelValue)
	labelLength := uint32(stmt.ColumnInt64(1))
	label, err := azks.NewNodeLabel(labelLength, [32]byte(labelValue))
	if err != nil {
		return nil, err
	}

	epochsBlob := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, epochsBlob)
	epochs, err := decodeEpochs(epochsBlob)
	if err != nil {
		return nil, err
	}

	return &azks.HistoryTreeNode{
		AzksID:         azksID,
		Label:          label,
		Location:       location,
		Epochs:         epochs,
		ParentLocation: uint64(stmt.ColumnInt64(3)),
		NodeType:       azks.NodeType(stmt.ColumnInt64(4)),
	}, nil
}

func (s *Storage) GetNodeState(ctx context.Context, key azks.NodeStateKey) (*azks.HistoryNodeState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var st *azks.HistoryNodeState
	var rowErr error
	err = sqlitex.Execute(conn, `
		SELECT value,
			child0_dummy, child0_location, child0_label_value, child0_label_length, child0_hash, child0_epoch_version,
			child1_dummy, child1_location, child1_label_value, child1_label_length, child1_hash, child1_epoch_version
		FROM node_state WHERE azks_id = ? AND label_value = ? AND label_length = ? AND epoch = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.AzksID[:], key.Label.Bytes()[4:], int64(key.Label.Length()), int64(key.Epoch)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				st, rowErr = stateFromRow(stmt)
				return rowErr
			},
		})
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, azks.ErrNotFound
	}
	return st, nil
}

func stateFromRow(stmt *sqlite.Stmt) (*azks.HistoryNodeState, error) {
	var value azks.Digest
	stmt.ColumnBytes(0, value[:])

	st := &azks.HistoryNodeState{Value: value}
	for i := 0; i < azks.Arity; i++ {
		col := i * 6
		labelValue := make([]byte, 32)
		stmt.ColumnBytes(3+col, labelValue)
		labelLength := uint32(stmt.ColumnInt64(4 + col))
		label, err := azks.NewNodeLabel(labelLength, [32]byte(labelValue))
		if err != nil {
			return nil, err
		}
		var hash azks.Digest
		stmt.ColumnBytes(5+col, hash[:])

		st.ChildStates[i] = azks.HistoryChildState{
			DummyMarker:  azks.DummyMarker(stmt.ColumnInt64(1 + col)),
			Location:     uint64(stmt.ColumnInt64(2 + col)),
			Label:        label,
			HashVal:      hash,
			EpochVersion: uint64(stmt.ColumnInt64(6 + col)),
		}
	}
	return st, nil
}

func (s *Storage) putNode(conn *sqlite.Conn, n *azks.HistoryTreeNode) error {
	labelBytes := n.Label.Bytes()
	return sqlitex.Execute(conn, `
		INSERT INTO node (azks_id, location, label_value, label_length, epochs, parent_location, node_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (azks_id, location) DO UPDATE SET
			label_value = excluded.label_value,
			label_length = excluded.label_length,
			epochs = excluded.epochs,
			parent_location = excluded.parent_location,
			node_type = excluded.node_type`,
		&sqlitex.ExecOptions{
			Args: []any{
				n.AzksID[:], int64(n.Location),
				labelBytes[4:], int64(n.Label.Length()),
				encodeEpochs(n.Epochs), int64(n.ParentLocation), int64(n.NodeType),
			},
		})
}

func (s *Storage) putNodeState(conn *sqlite.Conn, key azks.NodeStateKey, st *azks.HistoryNodeState) error {
	labelBytes := key.Label.Bytes()
	c0, c1 := st.ChildStates[0], st.ChildStates[1]
	c0Label, c1Label := c0.Label.Bytes(), c1.Label.Bytes()
	return sqlitex.Execute(conn, `
		INSERT INTO node_state (
			azks_id, label_value, label_length, epoch, value,
			child0_dummy, child0_location, child0_label_value, child0_label_length, child0_hash, child0_epoch_version,
			child1_dummy, child1_location, child1_label_value, child1_label_length, child1_hash, child1_epoch_version
		) VALUES (?, ?, ?, ?, ?,  ?, ?, ?, ?, ?, ?,  ?, ?, ?, ?, ?, ?)
		ON CONFLICT (azks_id, label_value, label_length, epoch) DO UPDATE SET
			value = excluded.value,
			child0_dummy = excluded.child0_dummy, child0_location = excluded.child0_location,
			child0_label_value = excluded.child0_label_value, child0_label_length = excluded.child0_label_length,
			child0_hash = excluded.child0_hash, child0_epoch_version = excluded.child0_epoch_version,
			child1_dummy = excluded.child1_dummy, child1_location = excluded.child1_location,
			child1_label_value = excluded.child1_label_value, child1_label_length = excluded.child1_label_length,
			child1_hash = excluded.child1_hash, child1_epoch_version = excluded.child1_epoch_version`,
		&sqlitex.ExecOptions{
			Args: []any{
				key.AzksID[:], labelBytes[4:], int64(key.Label.Length()), int64(key.Epoch), st.Value[:],
				int64(c0.DummyMarker), int64(c0.Location), c0Label[4:], int64(c0.Label.Length()), c0.HashVal[:], int64(c0.EpochVersion),
				int64(c1.DummyMarker), int64(c1.Location), c1Label[4:], int64(c1.Label.Length()), c1.HashVal[:], int64(c1.EpochVersion),
			},
		})
}

// CommitBatch writes nodes, states, and a's new Azks record inside a single
// SAVEPOINT: release(&err) rolls every statement back together if any one
// of them (or the caller's deferred checks) fails, so the three record
// families that make up one epoch commit never land partially.
func (s *Storage) CommitBatch(ctx context.Context, nodes map[uint64]*azks.HistoryTreeNode, states map[azks.NodeStateKey]*azks.HistoryNodeState, a *azks.Azks) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	release, err := sqlitex.Save(conn)
	if err != nil {
		return err
	}
	defer release(&err)

	for _, n := range nodes {
		if err = s.putNode(conn, n); err != nil {
			return err
		}
	}
	for key, st := range states {
		if err = s.putNodeState(conn, key, st); err != nil {
			return err
		}
	}
	if err = s.putAzks(conn, a); err != nil {
		return err
	}
	return nil
}
