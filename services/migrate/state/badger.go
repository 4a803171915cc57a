// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/livemigrate/services/migrate/storage/badger"
)

var historyPrefix = []byte("migrate/history/")

// BadgerHistory is a HistorySink backed by BadgerDB.
//
// # Description
//
// Records are stored as JSON under keys ordered by end time, so the newest
// record is found by a reverse prefix scan. When maxRecords is positive,
// Append deletes the oldest records beyond it.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerHistory struct {
	db         *storage.DB
	maxRecords int
}

// NewBadgerHistory creates a sink over db. maxRecords <= 0 keeps everything.
func NewBadgerHistory(db *storage.DB, maxRecords int) (*BadgerHistory, error) {
	if db == nil {
		return nil, storage.ErrNilDB
	}
	return &BadgerHistory{db: db, maxRecords: maxRecords}, nil
}

func historyKey(rec Record) []byte {
	key := make([]byte, 0, len(historyPrefix)+16)
	key = append(key, historyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(rec.Ended.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, rec.ID)
	return key
}

// Append implements HistorySink.
func (h *BadgerHistory) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	return h.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(historyKey(rec), data); err != nil {
			return err
		}
		if h.maxRecords > 0 {
			return h.prune(txn)
		}
		return nil
	})
}

// prune deletes records older than the newest maxRecords, including the
// one being written in txn.
func (h *BadgerHistory) prune(txn *badger.Txn) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	it := txn.NewIterator(opts)

	var stale [][]byte
	seen := 0
	for it.Seek(seekLast()); it.ValidForPrefix(historyPrefix); it.Next() {
		seen++
		if seen > h.maxRecords {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
	}
	it.Close()

	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Load implements HistorySink. Records come newest first; limit <= 0
// returns all of them.
func (h *BadgerHistory) Load(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := h.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekLast()); it.ValidForPrefix(historyPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %x: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored records.
func (h *BadgerHistory) Count(ctx context.Context) (int, error) {
	n := 0
	err := h.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(historyPrefix); it.ValidForPrefix(historyPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// seekLast returns a key that sorts after every history key.
func seekLast() []byte {
	k := make([]byte, 0, len(historyPrefix)+17)
	k = append(k, historyPrefix...)
	for i := 0; i < 17; i++ {
		k = append(k, 0xff)
	}
	return k
}
