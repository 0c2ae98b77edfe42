package sensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var calBucket = []byte("imu_cal")

// ErrNoCalibration is returned by Load when nothing has been saved under a key.
var ErrNoCalibration = errors.New("sensors: no stored calibration")

// CalStore persists IMU calibrations across runs.
type CalStore struct {
	db *bolt.DB
}

// OpenCalStore opens (creating if needed) the calibration database at path.
func OpenCalStore(path string) (*CalStore, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening calibration store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(calBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error preparing calibration store %s: %w", path, err)
	}
	return &CalStore{db: db}, nil
}

// Save stores d under key, replacing any earlier calibration.
func (s *CalStore) Save(key string, d *IMUCalData) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("error marshaling imu calibration data: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(calBucket).Put([]byte(key), buf)
	})
}

// Load returns the calibration stored under key.
func (s *CalStore) Load(key string) (*IMUCalData, error) {
	d := new(IMUCalData)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(calBucket).Get([]byte(key))
		if v == nil {
			return ErrNoCalibration
		}
		return json.Unmarshal(v, d)
	})
	if err != nil {
		return nil, fmt.Errorf("error reading imu calibration %q: %w", key, err)
	}
	return d, nil
}

func (s *CalStore) Close() error {
	return s.db.Close()
}
