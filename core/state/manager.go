package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"synthmargin/storage"
)

// Manager layers a journaled write set over a storage.Database. Writes stay in
// memory until Commit; Revert rolls them back to a snapshot. Atomic runs a
// closure as a single all-or-nothing transaction.
//
// Individual reads and writes are safe for concurrent use. Multi-step
// read-modify-write sequences must run inside Atomic or View.
type Manager struct {
	tx sync.Mutex

	mu      sync.RWMutex
	db      storage.Database
	dirty   map[string][]byte
	journal []journalEntry
}

type journalEntry struct {
	key    string
	prev   []byte
	wasSet bool
}

// NewManager creates a state manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, dirty: make(map[string][]byte)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) readLocked(hashed []byte) ([]byte, error) {
	if value, ok := m.dirty[string(hashed)]; ok {
		return value, nil
	}
	value, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) writeLocked(hashed []byte, value []byte) {
	k := string(hashed)
	prev, wasSet := m.dirty[k]
	m.journal = append(m.journal, journalEntry{key: k, prev: prev, wasSet: wasSet})
	m.dirty[k] = value
}

// Snapshot returns an identifier for the current journal position.
func (m *Manager) Snapshot() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.journal)
}

// Revert undoes every write made after the snapshot was taken.
func (m *Manager) Revert(snapshot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot < 0 {
		snapshot = 0
	}
	for i := len(m.journal) - 1; i >= snapshot; i-- {
		entry := m.journal[i]
		if entry.wasSet {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	if snapshot < len(m.journal) {
		m.journal = m.journal[:snapshot]
	}
}

// Commit flushes the pending write set to the database in one batch. On
// failure the pending writes are discarded.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dirty) == 0 {
		m.journal = m.journal[:0]
		return nil
	}
	err := m.db.Write(m.dirty)
	m.dirty = make(map[string][]byte)
	m.journal = m.journal[:0]
	if err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Pending reports the number of uncommitted keys.
func (m *Manager) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dirty)
}

// Atomic executes fn as one transaction. Transactions are serialised. When fn
// returns an error every write it made is reverted; otherwise the write set is
// committed.
func (m *Manager) Atomic(fn func() error) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	snapshot := m.Snapshot()
	if err := fn(); err != nil {
		m.Revert(snapshot)
		return err
	}
	return m.Commit()
}

// View executes fn while holding the transaction lock so it observes a
// consistent view of committed state.
func (m *Manager) View(fn func() error) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return fn()
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.writeLocked(kvKey(key), encoded)
	m.mu.Unlock()
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	m.mu.RLock()
	data, err := m.readLocked(kvKey(key))
	m.mu.RUnlock()
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key from state.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	m.writeLocked(kvKey(key), nil)
	m.mu.Unlock()
	return nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := m.readLocked(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	m.writeLocked(hashed, encoded)
	return nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.mu.RLock()
	data, err := m.readLocked(kvKey(key))
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// ParamStoreSet records a raw parameter payload.
func (m *Manager) ParamStoreSet(name string, value []byte) error {
	if name == "" {
		return fmt.Errorf("params: name must not be empty")
	}
	return m.KVPut(paramKey(name), append([]byte(nil), value...))
}

// ParamStoreGet loads a raw parameter payload.
func (m *Manager) ParamStoreGet(name string) ([]byte, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("params: name must not be empty")
	}
	var value []byte
	ok, err := m.KVGet(paramKey(name), &value)
	if err != nil || !ok {
		return nil, ok, err
	}
	return value, true, nil
}
