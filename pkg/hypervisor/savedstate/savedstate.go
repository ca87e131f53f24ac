// Package savedstate stores versioned saved-state units in a single file.
//
// The file is a bbolt database with one bucket of units keyed by
// "<name>/<instance>". Each value is a big-endian uint32 version followed by
// the unit payload.
package savedstate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrUnitNotFound is returned by Seek when the file has no such unit.
	ErrUnitNotFound = errors.New("savedstate: unit not found")

	// ErrCorrupt is returned when a unit record is malformed.
	ErrCorrupt = errors.New("savedstate: corrupt unit record")
)

var (
	unitsBucket = []byte("units")
	metaBucket  = []byte("meta")
	createdKey  = []byte("created")
)

const openTimeout = time.Second

// Unit is a saved-state unit record.
type Unit struct {
	Name     string
	Instance uint32
	Version  uint32
	Data     []byte
}

func unitKey(name string, instance uint32) []byte {
	return []byte(fmt.Sprintf("%s/%d", name, instance))
}

// Write stores units at path, replacing any existing file.
// Uses temp file + rename so an interrupted save never leaves a partial file.
func Write(path string, units []Unit) error {
	tmpPath := path + ".tmp"
	os.Remove(tmpPath)

	db, err := bolt.Open(tmpPath, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("open saved state: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if err := meta.Put(createdKey, []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}

		b, err := tx.CreateBucketIfNotExists(unitsBucket)
		if err != nil {
			return err
		}
		for _, u := range units {
			val := make([]byte, 4+len(u.Data))
			binary.BigEndian.PutUint32(val, u.Version)
			copy(val[4:], u.Data)
			if err := b.Put(unitKey(u.Name, u.Instance), val); err != nil {
				return fmt.Errorf("put unit %s: %w", u.Name, err)
			}
		}
		return nil
	})
	if closeErr := db.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write saved state: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename saved state: %w", err)
	}
	return nil
}

// File is an open saved-state file.
type File struct {
	db *bolt.DB
}

// Open opens an existing saved-state file for reading.
func Open(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat saved state: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open saved state: %w", err)
	}
	return &File{db: db}, nil
}

// Seek returns the version and payload of a unit.
func (f *File) Seek(name string, instance uint32) (uint32, []byte, error) {
	var (
		version uint32
		data    []byte
	)
	err := f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(unitsBucket)
		if b == nil {
			return ErrUnitNotFound
		}
		val := b.Get(unitKey(name, instance))
		if val == nil {
			return ErrUnitNotFound
		}
		if len(val) < 4 {
			return ErrCorrupt
		}
		version = binary.BigEndian.Uint32(val)
		data = append([]byte(nil), val[4:]...)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return version, data, nil
}

// Close releases the file.
func (f *File) Close() error {
	return f.db.Close()
}

// Exists reports whether a saved-state file is present at path.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the saved-state file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove saved state: %w", err)
	}
	return nil
}
