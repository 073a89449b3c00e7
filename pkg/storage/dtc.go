package storage

import (
	"errors"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dtcBucket      = "active_dtcs"
	snapshotBucket = "snapshots"
)

// OpenDB открывает (или создаёт) bbolt-базу и гарантирует наличие bucket’ов.
func OpenDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{dtcBucket, snapshotBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dtcKey(code string) []byte {
	return []byte(strings.ToUpper(strings.TrimSpace(code)))
}

// IsNew проверяет, встречался ли ранее код неисправности.
// Возвращает true и запоминает код, если он новый.
func IsNew(db *bolt.DB, code string) (bool, error) {
	key := dtcKey(code)
	var isNew bool

	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dtcBucket))
		if b.Get(key) == nil {
			isNew = true
			return b.Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
		}
		isNew = false
		return nil
	})
	return isNew, err
}

// Remove забывает код, чтобы при повторном появлении он снова считался новым.
func Remove(db *bolt.DB, code string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dtcBucket)).Delete(dtcKey(code))
	})
}

// Known возвращает все запомненные коды в лексикографическом порядке.
func Known(db *bolt.DB) ([]string, error) {
	var codes []string
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dtcBucket)).ForEach(func(k, _ []byte) error {
			codes = append(codes, string(k))
			return nil
		})
	})
	return codes, err
}

// Prune забывает коды, которых нет среди present, и возвращает их.
func Prune(db *bolt.DB, present []string) ([]string, error) {
	keep := make(map[string]struct{}, len(present))
	for _, c := range present {
		keep[string(dtcKey(c))] = struct{}{}
	}

	var removed []string
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dtcBucket))
		err := b.ForEach(func(k, _ []byte) error {
			if _, ok := keep[string(k)]; !ok {
				removed = append(removed, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, code := range removed {
			if err := b.Delete([]byte(code)); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

// ClearAll сбрасывает все записи (например, после сброса кодов режимом 04).
func ClearAll(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(dtcBucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(dtcBucket))
		return err
	})
}
