package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSamples = []byte("samples")
	bucketDevice  = []byte("device")
	keyDeviceInfo = []byte("info")
)

// BoltStore implements Store using BoltDB. Sample keys are fixed-width UTC
// timestamps, so a cursor walk returns them in time order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSamples, bucketDevice} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// sampleKeyFormat keeps all nine fractional digits. RFC3339Nano trims
// trailing zeros, which breaks the byte-order-equals-time-order invariant
// the cursor walks rely on.
const sampleKeyFormat = "2006-01-02T15:04:05.000000000Z"

func sampleKey(t time.Time) []byte {
	return []byte(t.UTC().Format(sampleKeyFormat))
}

func (s *BoltStore) AddSample(sample *Sample) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSamples)
		}
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		return b.Put(sampleKey(sample.Time), data)
	})
}

func (s *BoltStore) Samples(since time.Time) ([]*Sample, error) {
	var samples []*Sample
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		if b == nil {
			return nil // no bucket = no samples
		}
		c := b.Cursor()
		for k, v := c.Seek(sampleKey(since)); k != nil; k, v = c.Next() {
			var sample Sample
			if err := json.Unmarshal(v, &sample); err != nil {
				return err
			}
			samples = append(samples, &sample)
		}
		return nil
	})
	return samples, err
}

func (s *BoltStore) Prune(before time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		if b == nil {
			return nil
		}
		cutoff := sampleKey(before)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && string(k) < string(cutoff); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *BoltStore) SaveDeviceInfo(info *DeviceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(keyDeviceInfo, data)
	})
}

func (s *BoltStore) GetDeviceInfo() (*DeviceInfo, error) {
	var info DeviceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		data := b.Get(keyDeviceInfo)
		if data == nil {
			return fmt.Errorf("device info: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
