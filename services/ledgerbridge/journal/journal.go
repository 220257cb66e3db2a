package journal

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSubmissions = []byte("submissions")

	// ErrNotFound is returned when no entry exists for a transaction hash.
	ErrNotFound = errors.New("submission not found")
)

// State tracks a broadcast transaction through reconciliation.
type State string

const (
	StatePending    State = "pending"
	StateReconciled State = "reconciled"
	StateReverted   State = "reverted"
	StateAbandoned  State = "abandoned"
)

// Entry records one broadcast transaction.
type Entry struct {
	TxHash      string    `json:"txHash"`
	Function    string    `json:"function"`
	Account     string    `json:"account,omitempty"`
	From        string    `json:"from"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	InventoryID uint      `json:"inventoryId,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Terminal reports whether the entry needs no further replay.
func (e Entry) Terminal() bool {
	return e.State == StateReconciled || e.State == StateReverted || e.State == StateAbandoned
}

// Journal persists submissions so receipts that arrive after the caller gave
// up can still be reconciled.
type Journal struct {
	db *bolt.DB
}

// Open initialises (and migrates) the BoltDB-backed journal.
func Open(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubmissions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores a new pending submission. Existing entries are left intact.
func (j *Journal) Record(entry Entry) error {
	key := normalize(entry.TxHash)
	if key == "" {
		return errors.New("journal: tx hash required")
	}
	entry.TxHash = key
	if entry.State == "" {
		entry.State = StatePending
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.SubmittedAt
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		if bucket.Get([]byte(key)) != nil {
			return nil
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), encoded)
	})
}

// Get fetches the entry for hash.
func (j *Journal) Get(hash string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSubmissions).Get([]byte(normalize(hash)))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	return entry, found, err
}

// Mutate applies fn to the stored entry and persists the result.
func (j *Journal) Mutate(hash string, fn func(*Entry) error) (Entry, error) {
	key := normalize(hash)
	var result Entry
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if err := fn(&entry); err != nil {
			return err
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), encoded); err != nil {
			return err
		}
		result = entry
		return nil
	})
	return result, err
}

// Mark moves the entry to state, recording the error message if any.
func (j *Journal) Mark(hash string, state State, cause error, at time.Time) (Entry, error) {
	return j.Mutate(hash, func(e *Entry) error {
		e.State = state
		e.Attempts++
		e.UpdatedAt = at
		e.LastError = ""
		if cause != nil {
			e.LastError = cause.Error()
		}
		return nil
	})
}

// Pending lists non-terminal entries, oldest first.
func (j *Journal) Pending() ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubmissions).ForEach(func(_, raw []byte) error {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if !entry.Terminal() {
				out = append(out, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].SubmittedAt.Before(out[b].SubmittedAt)
	})
	return out, nil
}

func normalize(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
