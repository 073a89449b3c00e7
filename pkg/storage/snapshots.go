package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/obd-stats/common"
)

// MaxSnapshots - сколько последних снимков хранится локально.
const MaxSnapshots = 500

func snapshotKey(lastScan int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(lastScan))
	return key
}

// SaveSnapshot сохраняет снимок по времени сканирования и удаляет самые
// старые сверх MaxSnapshots.
func SaveSnapshot(db *bolt.DB, snapshot common.VehicleDiagnostics) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("ошибка сериализации снимка: %w", err)
	}

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		if err := b.Put(snapshotKey(snapshot.LastScan), data); err != nil {
			return err
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= MaxSnapshots {
			return nil
		}
		old := keys[:len(keys)-MaxSnapshots]
		for _, k := range old {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSnapshot возвращает самый свежий снимок; false, если снимков нет.
func LastSnapshot(db *bolt.DB) (common.VehicleDiagnostics, bool, error) {
	list, err := Snapshots(db, 1)
	if err != nil || len(list) == 0 {
		return common.VehicleDiagnostics{}, false, err
	}
	return list[0], true, nil
}

// Snapshots возвращает до limit снимков, начиная с самого свежего.
// limit <= 0 означает все.
func Snapshots(db *bolt.DB, limit int) ([]common.VehicleDiagnostics, error) {
	var out []common.VehicleDiagnostics
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(snapshotBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var s common.VehicleDiagnostics
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("повреждённый снимок %x: %w", k, err)
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}
