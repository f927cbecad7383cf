// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package badger

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// LoadManifest retrieves the manifest for a corpus.
// Returns nil, nil if no manifest exists.
func (b *Backend) LoadManifest(ctx context.Context, corpus string) (*core.Manifest, error) {
	var manifest *core.Manifest
	err := b.WithTx(func(tx *badger.Txn) error {
		var err error
		manifest, err = readManifest(tx, corpus)
		return err
	}, false)
	return manifest, err
}

// ListManifests returns the manifest of every corpus in the database, ordered by name.
func (b *Backend) ListManifests(ctx context.Context) ([]*core.Manifest, error) {
	var manifests []*core.Manifest
	err := b.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(manifestPrefix + ":")
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := iter.Item().Value(func(val []byte) error {
				manifest, err := storage.UnmarshalManifest(val)
				if err != nil {
					return err
				}
				manifests = append(manifests, manifest)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(manifests, func(a, b *core.Manifest) int {
		return strings.Compare(a.Name, b.Name)
	})
	return manifests, nil
}

// readManifest reads a manifest inside an open transaction.
// Returns nil, nil if no manifest exists.
func readManifest(tx *badger.Txn, corpus string) (*core.Manifest, error) {
	item, err := tx.Get(makeManifestKey(corpus))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var manifest *core.Manifest
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		manifest, unmarshalErr = storage.UnmarshalManifest(val)
		return unmarshalErr
	})
	return manifest, err
}

// writeManifest stores a manifest inside an open write transaction.
func writeManifest(tx *badger.Txn, manifest *core.Manifest) error {
	value, err := storage.MarshalManifest(manifest)
	if err != nil {
		return err
	}
	return tx.Set(makeManifestKey(manifest.Name), value)
}
