// Package store persists the little state that must survive a reboot:
// the daily runtime accumulator, the last session end, the emergency
// lock latch and per-probe calibration. Values are kept in bbolt; every
// write is a committed transaction, so a power cut leaves either the old
// or the new value, never garbage.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tbertani/soilguard/internal/model"
)

const (
	bucketRuntime     = "runtime"
	bucketSettings    = "settings"
	bucketCalibration = "calibration"

	keyDailyDay       = "daily_day"
	keyDailyRuntime   = "daily_runtime_sec"
	keyLastSessionEnd = "last_session_end"
	keyEmergencyLock  = "emergency_lock"
)

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path and ensures the buckets
// exist. The one-second timeout keeps a stale lock from hanging boot.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{bucketRuntime, bucketSettings, bucketCalibration} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) put(bucket, key, val string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), []byte(val))
	})
}

func (s *Store) get(bucket, key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucket)).Get([]byte(key)); v != nil {
			val, ok = string(v), true
		}
		return nil
	})
	return val, ok, err
}

// PutString stores an operator setting.
func (s *Store) PutString(key, v string) error { return s.put(bucketSettings, key, v) }

// GetString reads an operator setting; ok is false when absent.
func (s *Store) GetString(key string) (string, bool, error) { return s.get(bucketSettings, key) }

// PutInt stores an integer setting.
func (s *Store) PutInt(key string, v int64) error {
	return s.put(bucketSettings, key, strconv.FormatInt(v, 10))
}

// GetInt reads an integer setting.
func (s *Store) GetInt(key string) (int64, bool, error) {
	raw, ok, err := s.get(bucketSettings, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, true, nil
}

// PutFloat stores a float setting.
func (s *Store) PutFloat(key string, v float64) error {
	return s.put(bucketSettings, key, strconv.FormatFloat(v, 'g', -1, 64))
}

// GetFloat reads a float setting.
func (s *Store) GetFloat(key string) (float64, bool, error) {
	raw, ok, err := s.get(bucketSettings, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, true, nil
}

// DailyRuntime returns the persisted accumulator and the local date
// (2006-01-02) it belongs to. An empty day means nothing persisted yet.
func (s *Store) DailyRuntime() (day string, used time.Duration, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuntime))
		if v := b.Get([]byte(keyDailyDay)); v != nil {
			day = string(v)
		}
		if v := b.Get([]byte(keyDailyRuntime)); v != nil {
			sec, perr := strconv.ParseInt(string(v), 10, 64)
			if perr != nil {
				return fmt.Errorf("daily runtime: %w", perr)
			}
			used = time.Duration(sec) * time.Second
		}
		return nil
	})
	return day, used, err
}

// SetDailyRuntime persists the accumulator together with its day, in one
// transaction so the pair can never disagree.
func (s *Store) SetDailyRuntime(day string, used time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuntime))
		if err := b.Put([]byte(keyDailyDay), []byte(day)); err != nil {
			return err
		}
		sec := strconv.FormatInt(int64(used/time.Second), 10)
		return b.Put([]byte(keyDailyRuntime), []byte(sec))
	})
}

// LastSessionEnd returns when the previous session ended, if known.
func (s *Store) LastSessionEnd() (time.Time, bool, error) {
	raw, ok, err := s.get(bucketRuntime, keyLastSessionEnd)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last session end: %w", err)
	}
	return t, true, nil
}

// SetLastSessionEnd persists the session end timestamp.
func (s *Store) SetLastSessionEnd(t time.Time) error {
	return s.put(bucketRuntime, keyLastSessionEnd, t.Format(time.RFC3339))
}

// EmergencyLock reads the latch. Absent means unlocked.
func (s *Store) EmergencyLock() (bool, error) {
	raw, ok, err := s.get(bucketRuntime, keyEmergencyLock)
	if err != nil || !ok {
		return false, err
	}
	return raw == "1", nil
}

// SetEmergencyLock persists the latch.
func (s *Store) SetEmergencyLock(locked bool) error {
	v := "0"
	if locked {
		v = "1"
	}
	return s.put(bucketRuntime, keyEmergencyLock, v)
}

// Calibration reads the persisted calibration for one probe.
func (s *Store) Calibration(probe int) (model.Calibration, bool, error) {
	raw, ok, err := s.get(bucketCalibration, probeKey(probe))
	if err != nil || !ok {
		return model.Calibration{}, ok, err
	}
	var c model.Calibration
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return model.Calibration{}, false, fmt.Errorf("calibration probe %d: %w", probe, err)
	}
	return c, true, nil
}

// SetCalibration persists the calibration for one probe.
func (s *Store) SetCalibration(probe int, c model.Calibration) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("calibration probe %d: %w", probe, err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.put(bucketCalibration, probeKey(probe), string(raw))
}

func probeKey(probe int) string { return "probe" + strconv.Itoa(probe) }
