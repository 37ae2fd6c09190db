package metadata

import (
	"errors"

	"github.com/tidwall/buntdb"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
)

// KVStore is the client-side contract the external metadata service
// (an HA KV such as etcd, per spec.md §1) must satisfy: string get/set/
// delete. It is intentionally minimal — everything about replication,
// consensus and availability of the backing store is out of scope.
type KVStore interface {
	Put(key, value string) error
	Get(key string) (string, error) // errs.ErrNotFound if absent
	Delete(key string) error
}

// buntKV is an embedded, in-process stand-in for the external KV. buntdb
// gives us a real indexed key/value store with the same get/set/delete
// contract the production metadata service would expose, so the rest of
// this package exercises a real client library instead of a bare map.
type buntKV struct {
	db *buntdb.DB
}

// NewMemKVStore opens an in-memory (":memory:") buntdb-backed KVStore;
// nothing it holds survives a process restart.
func NewMemKVStore() (KVStore, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errs.NewMetadata("open kv store: %v", err)
	}
	return &buntKV{db: db}, nil
}

func (b *buntKV) Put(key, value string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
	if err != nil {
		return errs.NewMetadata("put %s: %v", key, err)
	}
	return nil
}

func (b *buntKV) Get(key string) (string, error) {
	var val string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", errs.NewNotFound("key %s", key)
	}
	if err != nil {
		return "", errs.NewMetadata("get %s: %v", key, err)
	}
	return val, nil
}

func (b *buntKV) Delete(key string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errs.NewMetadata("delete %s: %v", key, err)
	}
	return nil
}
