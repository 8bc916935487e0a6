// Package profstore persists profiler snapshots in a Pebble database so
// per-function timings can be compared across runs.
package profstore

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("profile run not found")

const (
	runPrefix    = 'r'
	samplePrefix = 's'
)

// Run describes one saved snapshot.
type Run struct {
	ID        uuid.UUID
	Label     string
	SavedAt   time.Time
	Functions int
}

// Store is a profile database.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open profile store at %s", dir)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(id uuid.UUID) []byte {
	return append([]byte{runPrefix}, id[:]...)
}

func sampleKey(id uuid.UUID, guest uint32) []byte {
	key := make([]byte, 1+16+4)
	key[0] = samplePrefix
	copy(key[1:], id[:])
	binary.BigEndian.PutUint32(key[17:], guest)
	return key
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// SaveRun writes a snapshot atomically and returns its id.
func (s *Store) SaveRun(label string, samples map[uint32]uint64) (uuid.UUID, error) {
	id := uuid.New()

	batch := s.db.NewBatch()
	defer batch.Close()

	header := make([]byte, 12+len(label))
	binary.BigEndian.PutUint64(header[0:], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(header[8:], uint32(len(samples)))
	copy(header[12:], label)
	if err := batch.Set(runKey(id), header, nil); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to stage run header")
	}

	var value [8]byte
	for guest, ns := range samples {
		binary.BigEndian.PutUint64(value[:], ns)
		if err := batch.Set(sampleKey(id, guest), value[:], nil); err != nil {
			return uuid.Nil, errors.Wrap(err, "failed to stage sample")
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to commit profile run")
	}
	return id, nil
}

// LoadRun reads a snapshot back.
func (s *Store) LoadRun(id uuid.UUID) (map[uint32]uint64, error) {
	_, closer, err := s.db.Get(runKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrapf(ErrRunNotFound, "run %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read run header")
	}
	closer.Close()

	prefix := append([]byte{samplePrefix}, id[:]...)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to iterate samples")
	}
	defer iter.Close()

	samples := make(map[uint32]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		samples[binary.BigEndian.Uint32(key[17:])] = binary.BigEndian.Uint64(iter.Value())
	}
	return samples, iter.Error()
}

// Runs lists the saved runs, oldest first.
func (s *Store) Runs() ([]Run, error) {
	prefix := []byte{runPrefix}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	defer iter.Close()

	var runs []Run
	for iter.First(); iter.Valid(); iter.Next() {
		var id uuid.UUID
		copy(id[:], iter.Key()[1:])
		header := iter.Value()
		runs = append(runs, Run{
			ID:        id,
			SavedAt:   time.Unix(0, int64(binary.BigEndian.Uint64(header[0:]))),
			Functions: int(binary.BigEndian.Uint32(header[8:])),
			Label:     string(header[12:]),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool { return runs[i].SavedAt.Before(runs[j].SavedAt) })
	return runs, nil
}

// DeleteRun removes a run and its samples.
func (s *Store) DeleteRun(id uuid.UUID) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	prefix := append([]byte{samplePrefix}, id[:]...)
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return errors.Wrap(err, "failed to stage sample deletion")
	}
	if err := batch.Delete(runKey(id), nil); err != nil {
		return errors.Wrap(err, "failed to stage run deletion")
	}
	return batch.Commit(pebble.Sync)
}

// Aggregate sums every saved run per function.
func (s *Store) Aggregate() (map[uint32]uint64, error) {
	prefix := []byte{samplePrefix}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to iterate samples")
	}
	defer iter.Close()

	total := make(map[uint32]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		total[binary.BigEndian.Uint32(key[17:])] += binary.BigEndian.Uint64(iter.Value())
	}
	return total, iter.Error()
}
