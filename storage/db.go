// Package storage
//
// @author: xwc1125
package storage

import (
	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"
)

var _ Repository = new(DBRepository)

// DBRepository is the persistence layer backed by a tm-db database.
type DBRepository struct {
	db dbm.DB
}

func NewDBRepository(db dbm.DB) *DBRepository {
	return &DBRepository{db: db}
}

// OpenDB opens a tm-db backend ("memdb", "goleveldb", ...) under dir.
func OpenDB(backend, name, dir string) (*DBRepository, error) {
	if backend == string(dbm.MemDBBackend) {
		return NewDBRepository(dbm.NewMemDB()), nil
	}
	db, err := dbm.NewDB(name, dbm.BackendType(backend), dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s db %s", backend, name)
	}
	return NewDBRepository(db), nil
}

func (r *DBRepository) Get(key []byte) ([]byte, error) {
	return r.db.Get(key)
}

func (r *DBRepository) Put(key []byte, value []byte) error {
	return r.db.Set(key, value)
}

func (r *DBRepository) Contains(key []byte) (bool, error) {
	return r.db.Has(key)
}

func (r *DBRepository) Remove(key []byte) error {
	return r.db.Delete(key)
}

func (r *DBRepository) Len() (uint64, error) {
	var n uint64
	err := r.iterate(func(_ []byte) { n++ })
	return n, err
}

func (r *DBRepository) Keys() ([][]byte, error) {
	var keys [][]byte
	err := r.iterate(func(key []byte) {
		keys = append(keys, append([]byte(nil), key...))
	})
	return keys, err
}

func (r *DBRepository) iterate(fn func(key []byte)) error {
	it, err := r.db.Iterator(nil, nil)
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		fn(it.Key())
	}
	return it.Error()
}

func (r *DBRepository) Close() error {
	return r.db.Close()
}
