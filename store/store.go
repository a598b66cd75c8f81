// Package store implements the persistent, path-keyed, versioned key/value
// store: one relational schema backing contract images, per-contract
// dotted-path state with latest-wins versioning, and gapless,
// cascade-rollbackable block history.
//
// This schema is naturally relational (primary/foreign keys, UNIQUE
// constraints, cascade delete), so it is built on a real SQL engine —
// modernc.org/sqlite, a pure-Go (no cgo) driver — rather than hand-rolling
// the same guarantees on top of a key/value engine. See DESIGN.md.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var log = logrus.WithField("component", "store")

// Sentinel errors surfaced by Store operations.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS blocks (
	height    INTEGER PRIMARY KEY,
	hash      BLOB NOT NULL UNIQUE,
	prev_hash BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	height   INTEGER NOT NULL REFERENCES blocks(height) ON DELETE CASCADE,
	tx_index INTEGER NOT NULL,
	txid     BLOB NOT NULL UNIQUE,
	PRIMARY KEY (height, tx_index)
);

CREATE TABLE IF NOT EXISTS contracts (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL,
	height   INTEGER NOT NULL REFERENCES blocks(height) ON DELETE CASCADE,
	tx_index INTEGER NOT NULL,
	bytes    BLOB NOT NULL,
	UNIQUE(name, height, tx_index)
);

CREATE TABLE IF NOT EXISTS contract_state (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_id     INTEGER NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
	path            TEXT NOT NULL,
	value_bytes     BLOB,
	deleted         INTEGER NOT NULL DEFAULT 0,
	height          INTEGER NOT NULL REFERENCES blocks(height) ON DELETE CASCADE,
	tx_index        INTEGER NOT NULL,
	insertion_order INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contract_state_lookup
	ON contract_state(contract_id, path, id);

CREATE TABLE IF NOT EXISTS contract_results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_id  INTEGER NOT NULL,
	height       INTEGER NOT NULL REFERENCES blocks(height) ON DELETE CASCADE,
	tx_index     INTEGER NOT NULL,
	input_index  INTEGER NOT NULL,
	op_index     INTEGER NOT NULL,
	result_index INTEGER NOT NULL,
	func_name    TEXT NOT NULL,
	gas          INTEGER NOT NULL,
	value        TEXT
);
`

// Store is a single-connection, single-writer handle onto the relational
// schema above. All savepoint/commit/rollback operations happen on the same
// underlying connection, since SQLite savepoints are connection-scoped.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	conn *sql.Conn

	spMu    sync.Mutex
	spNames []string
	spSeq   int
}

// Open creates or opens a Store backed by the given data source name (a
// file path, or ":memory:" for an ephemeral store used in tests).
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	// A single physical connection matches this store's single-writer,
	// cooperative concurrency model, and is required for SAVEPOINT state to
	// stay coherent across calls.
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	log.WithField("dsn", dsn).Info("store opened")
	return &Store{db: db, conn: conn}, nil
}

// Close releases the underlying connection and database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.conn.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// --------------------------------------------------------------------
// Blocks / transactions
// --------------------------------------------------------------------

// LastHeight returns the highest stored block height, and false if the
// store is empty (genesis not yet ingested).
func (s *Store) LastHeight(ctx context.Context) (height uint64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.conn.QueryRowContext(ctx, `SELECT height FROM blocks ORDER BY height DESC LIMIT 1`)
	var h int64
	if err := row.Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(h), true, nil
}

// InsertBlock appends a new block. height must equal lastHeight+1 (or 0 for
// the very first block), preserving the store's gapless height invariant.
func (s *Store) InsertBlock(ctx context.Context, height uint64, hash, prevHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok, err := s.lastHeightLocked(ctx)
	if err != nil {
		return err
	}
	if ok && height != last+1 {
		return fmt.Errorf("store: non-gapless block insert: have height %d, want %d", height, last+1)
	}
	if !ok && height != 0 {
		return fmt.Errorf("store: genesis block must be height 0, got %d", height)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO blocks(height, hash, prev_hash) VALUES (?, ?, ?)`, int64(height), hash, prevHash)
	return err
}

// BlockHash returns the stored hash for height, or found=false if no block
// at that height is stored (e.g. it was pruned by a prior rollback).
func (s *Store) BlockHash(ctx context.Context, height uint64) (hash []byte, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.conn.QueryRowContext(ctx, `SELECT hash FROM blocks WHERE height = ?`, int64(height))
	var h []byte
	if err := row.Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return h, true, nil
}

func (s *Store) lastHeightLocked(ctx context.Context) (uint64, bool, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT height FROM blocks ORDER BY height DESC LIMIT 1`)
	var h int64
	if err := row.Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(h), true, nil
}

// InsertTransaction records a transaction at (height, txIndex).
func (s *Store) InsertTransaction(ctx context.Context, height uint64, txIndex uint64, txid []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO transactions(height, tx_index, txid) VALUES (?, ?, ?)`,
		int64(height), int64(txIndex), txid)
	return err
}

// RollbackToHeight deletes every block with height > h, cascading through
// transactions, contracts, contract_state, and contract_results, and
// restoring the gapless invariant for the remaining prefix.
func (s *Store) RollbackToHeight(ctx context.Context, h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx, `DELETE FROM blocks WHERE height > ?`, int64(h))
	if err != nil {
		return fmt.Errorf("store: rollback to height %d: %w", h, err)
	}
	log.WithField("height", h).Info("rolled back to height")
	return nil
}

// --------------------------------------------------------------------
// Contracts
// --------------------------------------------------------------------

// InsertContract publishes name@(height,tx_index) with the given component
// bytes. Returns ErrDuplicate if that address already has a row — resolved
// conservatively, with no silent no-op on conflicting bytes; callers
// distinguish an idempotent republish by first checking ContractID.
func (s *Store) InsertContract(ctx context.Context, name string, height, txIndex uint64, bytes []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM contracts WHERE name = ? AND height = ? AND tx_index = ?`,
		name, int64(height), int64(txIndex)).Scan(&existing)
	if err == nil {
		return 0, ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO contracts(name, height, tx_index, bytes) VALUES (?, ?, ?, ?)`,
		name, int64(height), int64(txIndex), bytes)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ContractID resolves a (name, height, tx_index) address to its integer id.
func (s *Store) ContractID(ctx context.Context, name string, height, txIndex uint64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM contracts WHERE name = ? AND height = ? AND tx_index = ?`,
		name, int64(height), int64(txIndex)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ComponentBytes returns the immutable compiled bytes for a contract id.
func (s *Store) ComponentBytes(ctx context.Context, contractID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b []byte
	err := s.conn.QueryRowContext(ctx, `SELECT bytes FROM contracts WHERE id = ?`, contractID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// --------------------------------------------------------------------
// Contract state: latest-wins path/value store
// --------------------------------------------------------------------

// Get returns the current value at (contractID, path), or found=false if
// the path has never been set or its latest entry is a delete marker.
func (s *Store) Get(ctx context.Context, contractID int64, path string) (value []byte, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, contractID, path)
}

func (s *Store) getLocked(ctx context.Context, contractID int64, path string) ([]byte, bool, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT value_bytes, deleted FROM contract_state
		 WHERE contract_id = ? AND path = ?
		 ORDER BY id DESC LIMIT 1`, contractID, path)
	var value []byte
	var deleted int
	if err := row.Scan(&value, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if deleted != 0 {
		return nil, false, nil
	}
	return value, true, nil
}

// Set appends a new current value at (contractID, path), recorded at
// (height, txIndex). insertion_order is the row's own autoincrement id,
// which is already strictly increasing in application (block, tx) order —
// the simplest faithful realization of the latest-wins, tie-broken-by-
// insertion-order rule for contract state.
func (s *Store) Set(ctx context.Context, contractID int64, path string, value []byte, height, txIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO contract_state(contract_id, path, value_bytes, deleted, height, tx_index, insertion_order)
		 VALUES (?, ?, ?, 0, ?, ?, 0)`,
		contractID, path, value, int64(height), int64(txIndex))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `UPDATE contract_state SET insertion_order = ? WHERE id = ?`, id, id)
	return err
}

// Exists reports whether prefix itself holds a current value, or any
// current (non-deleted) path is a descendant of prefix.
func (s *Store) Exists(ctx context.Context, contractID int64, prefix string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := s.currentPathsLocked(ctx, contractID)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			return true, nil
		}
	}
	return false, nil
}

// currentPathsLocked returns every path whose latest entry is not a delete
// marker. Must be called with s.mu held.
func (s *Store) currentPathsLocked(ctx context.Context, contractID int64) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT cs.path, cs.deleted FROM contract_state cs
		 JOIN (
			SELECT path, MAX(id) AS max_id FROM contract_state
			WHERE contract_id = ? GROUP BY path
		 ) latest ON cs.path = latest.path AND cs.id = latest.max_id
		 WHERE cs.contract_id = ?`, contractID, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		var deleted int
		if err := rows.Scan(&path, &deleted); err != nil {
			return nil, err
		}
		if deleted == 0 {
			out = append(out, path)
		}
	}
	return out, rows.Err()
}

// childSegment returns the immediate next path segment below prefix for a
// path known to be prefix itself or a strict descendant of it, and whether
// path qualifies at all.
func childSegment(prefix, path string) (segment string, ok bool) {
	if prefix == "" {
		if path == "" {
			return "", false
		}
		if idx := strings.IndexByte(path, '.'); idx >= 0 {
			return path[:idx], true
		}
		return path, true
	}
	rest, found := strings.CutPrefix(path, prefix+".")
	if !found {
		return "", false
	}
	if idx := strings.IndexByte(rest, '.'); idx >= 0 {
		return rest[:idx], true
	}
	return rest, true
}

// Keys returns the distinct, ascending-sorted immediate child segment names
// under prefix, materialized at call time. The snapshot is a plain Go slice,
// so later mutations to the same contract never retroactively change an
// iterator already handed out.
func (s *Store) Keys(ctx context.Context, contractID int64, prefix string) (*KeysIter, error) {
	s.mu.Lock()
	paths, err := s.currentPathsLocked(ctx, contractID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var segs []string
	for _, p := range paths {
		seg, ok := childSegment(prefix, p)
		if !ok {
			continue
		}
		if _, dup := seen[seg]; dup {
			continue
		}
		seen[seg] = struct{}{}
		segs = append(segs, seg)
	}
	sort.Strings(segs)
	return &KeysIter{segments: segs}, nil
}

// KeysIter is a forward-only, already-materialized iterator of path
// segments (resource.Kind KindKeys in the engine layer).
type KeysIter struct {
	segments []string
	pos      int
	closed   bool
}

// Next returns the next segment, or ok=false when exhausted or closed.
func (k *KeysIter) Next() (string, bool) {
	if k.closed || k.pos >= len(k.segments) {
		return "", false
	}
	s := k.segments[k.pos]
	k.pos++
	return s, true
}

// Close cancels the iteration; it is safe to call multiple times.
func (k *KeysIter) Close() { k.closed = true }

// ExtendPathWithMatch returns the lexicographically smallest immediate
// child segment of basePath whose full path (basePath + "." + segment)
// matches re, or found=false if none does.
func (s *Store) ExtendPathWithMatch(ctx context.Context, contractID int64, basePath string, re *regexp.Regexp) (segment string, found bool, err error) {
	s.mu.Lock()
	paths, err := s.currentPathsLocked(ctx, contractID)
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}

	seen := make(map[string]struct{})
	var candidates []string
	for _, p := range paths {
		seg, ok := childSegment(basePath, p)
		if !ok {
			continue
		}
		if _, dup := seen[seg]; dup {
			continue
		}
		seen[seg] = struct{}{}
		full := seg
		if basePath != "" {
			full = basePath + "." + seg
		}
		if fullMatch(re, full) {
			candidates = append(candidates, seg)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Strings(candidates)
	return candidates[0], true, nil
}

// fullMatch reports whether re matches the entirety of s (not merely a
// substring), without relying on caller-supplied anchors (POSIX ERE does not
// support Go's non-POSIX "(?:...)" grouping used to synthesize anchors
// automatically).
func fullMatch(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// DeleteMatchingPaths appends delete rows for every currently-non-deleted
// path whose full path matches re, returning how many were newly deleted.
func (s *Store) DeleteMatchingPaths(ctx context.Context, contractID int64, re *regexp.Regexp, height, txIndex uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.currentPathsLocked(ctx, contractID)
	if err != nil {
		return 0, err
	}
	var toDelete []string
	for _, p := range paths {
		if fullMatch(re, p) {
			toDelete = append(toDelete, p)
		}
	}
	for _, p := range toDelete {
		res, err := s.conn.ExecContext(ctx,
			`INSERT INTO contract_state(contract_id, path, value_bytes, deleted, height, tx_index, insertion_order)
			 VALUES (?, ?, NULL, 1, ?, ?, 0)`,
			contractID, p, int64(height), int64(txIndex))
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		if _, err := s.conn.ExecContext(ctx, `UPDATE contract_state SET insertion_order = ? WHERE id = ?`, id, id); err != nil {
			return 0, err
		}
	}
	return uint64(len(toDelete)), nil
}

// --------------------------------------------------------------------
// Contract results
// --------------------------------------------------------------------

// ResultRow is one persisted procedure invocation outcome.
type ResultRow struct {
	ContractID  int64
	Height      uint64
	TxIndex     uint64
	InputIndex  uint64
	OpIndex     uint64
	ResultIndex uint64
	FuncName    string
	Gas         uint64
	Value       *string // nil on host-level failure (no textual result)
}

// InsertResult persists a single contract_results row.
func (s *Store) InsertResult(ctx context.Context, r ResultRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO contract_results(contract_id, height, tx_index, input_index, op_index, result_index, func_name, gas, value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ContractID, int64(r.Height), int64(r.TxIndex), int64(r.InputIndex), int64(r.OpIndex), int64(r.ResultIndex), r.FuncName, int64(r.Gas), r.Value)
	return err
}

// ResultsForContract returns every persisted contract_results row for
// contractID, ordered the same way the reactor dispatches operations
// within a block: (height, tx_index, input_index, op_index, result_index).
func (s *Store) ResultsForContract(ctx context.Context, contractID int64) ([]ResultRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.QueryContext(ctx,
		`SELECT height, tx_index, input_index, op_index, result_index, func_name, gas, value
		 FROM contract_results WHERE contract_id = ?
		 ORDER BY height, tx_index, input_index, op_index, result_index`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var height, txIndex, inputIndex, opIndex, resultIndex, gas int64
		var value sql.NullString
		r := ResultRow{ContractID: contractID}
		if err := rows.Scan(&height, &txIndex, &inputIndex, &opIndex, &resultIndex, &r.FuncName, &gas, &value); err != nil {
			return nil, err
		}
		r.Height, r.TxIndex, r.InputIndex, r.OpIndex, r.ResultIndex = uint64(height), uint64(txIndex), uint64(inputIndex), uint64(opIndex), uint64(resultIndex)
		r.Gas = uint64(gas)
		if value.Valid {
			v := value.String
			r.Value = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --------------------------------------------------------------------
// Transactional semantics: savepoint / commit / rollback
// --------------------------------------------------------------------

// Savepoint opens a new nested transactional checkpoint and returns a
// handle used to Commit or Rollback exactly it.
// SQLite's SAVEPOINT requires a stable connection, which is why Store pins
// a single *sql.Conn for its entire lifetime.
func (s *Store) Savepoint(ctx context.Context) (*Savepoint, error) {
	s.spMu.Lock()
	defer s.spMu.Unlock()
	s.spSeq++
	name := fmt.Sprintf("sp_%d", s.spSeq)

	s.mu.Lock()
	_, err := s.conn.ExecContext(ctx, "SAVEPOINT "+name)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("store: open savepoint: %w", err)
	}
	s.spNames = append(s.spNames, name)
	return &Savepoint{store: s, name: name}, nil
}

// Savepoint is a handle to one open nested transactional checkpoint.
type Savepoint struct {
	store *Store
	name  string
	done  bool
}

// Commit releases this savepoint, folding its writes into the parent frame.
func (sp *Savepoint) Commit(ctx context.Context) error {
	if sp.done {
		return nil
	}
	sp.done = true
	sp.store.mu.Lock()
	_, err := sp.store.conn.ExecContext(ctx, "RELEASE "+sp.name)
	sp.store.mu.Unlock()
	sp.store.popSavepoint(sp.name)
	return err
}

// Rollback discards every write made since this savepoint was opened.
func (sp *Savepoint) Rollback(ctx context.Context) error {
	if sp.done {
		return nil
	}
	sp.done = true
	sp.store.mu.Lock()
	_, err := sp.store.conn.ExecContext(ctx, "ROLLBACK TO "+sp.name)
	if err == nil {
		_, err = sp.store.conn.ExecContext(ctx, "RELEASE "+sp.name)
	}
	sp.store.mu.Unlock()
	sp.store.popSavepoint(sp.name)
	return err
}

func (s *Store) popSavepoint(name string) {
	s.spMu.Lock()
	defer s.spMu.Unlock()
	for i := len(s.spNames) - 1; i >= 0; i-- {
		if s.spNames[i] == name {
			s.spNames = append(s.spNames[:i], s.spNames[i+1:]...)
			return
		}
	}
}
