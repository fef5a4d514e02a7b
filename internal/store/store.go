/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package store persists the last known record of every volume in a bolt
// database. A Store is a volume.Listener: attach it to a volume and each
// lifecycle notification updates that volume's record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"

	"github.com/spin-stack/privatevol/internal/volume"
)

var bucketVolumes = []byte("volumes")

// Record is the persisted view of one volume.
type Record struct {
	ID          string      `json:"id"`
	Type        volume.Type `json:"type"`
	State       string      `json:"state"`
	MountUserID int         `json:"mount_user_id"`
	FsType      string      `json:"fs_type,omitempty"`
	FsUUID      string      `json:"fs_uuid,omitempty"`
	FsLabel     string      `json:"fs_label,omitempty"`
	Path        string      `json:"path,omitempty"`
	Destroyed   bool        `json:"destroyed,omitempty"`
	Updated     time.Time   `json:"updated"`
}

// Store keeps volume records in a bolt database.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVolumes)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record of volume id.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketVolumes).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("volume %q: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// List returns every record ordered by id.
func (s *Store) List() ([]Record, error) {
	var recs []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %q: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// Remove deletes the record of volume id. A missing record is not an error.
func (s *Store) Remove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(id))
	})
}

// update applies fn to the record of id, creating it when absent.
func (s *Store) update(id string, fn func(*Record)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketVolumes)
		rec := Record{ID: id}
		if v := bkt.Get([]byte(id)); v != nil {
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %q: %w", id, err)
			}
		}
		fn(&rec)
		rec.Updated = s.now().UTC()
		v, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), v)
	})
}

func (s *Store) record(id, event string, fn func(*Record)) {
	if err := s.update(id, fn); err != nil {
		log.L.WithError(err).WithFields(log.Fields{
			"id":    id,
			"event": event,
		}).Warn("failed to persist volume record")
	}
}

func (s *Store) OnVolumeCreated(id string, typ volume.Type, mountUserID int) {
	s.record(id, "created", func(r *Record) {
		r.Type = typ
		r.MountUserID = mountUserID
		r.Destroyed = false
	})
}

func (s *Store) OnVolumeStateChanged(id string, state volume.State) {
	s.record(id, "state", func(r *Record) {
		r.State = state.String()
	})
}

func (s *Store) OnVolumeMetadataChanged(id, fsType, fsUUID, fsLabel string) {
	s.record(id, "metadata", func(r *Record) {
		r.FsType = fsType
		r.FsUUID = fsUUID
		r.FsLabel = fsLabel
	})
}

func (s *Store) OnVolumePathChanged(id, path string) {
	s.record(id, "path", func(r *Record) {
		r.Path = path
	})
}

func (s *Store) OnVolumeDestroyed(id string) {
	s.record(id, "destroyed", func(r *Record) {
		r.Destroyed = true
		r.Path = ""
	})
}

var _ volume.Listener = (*Store)(nil)

// Tee fans notifications out to several listeners in order.
type Tee []volume.Listener

func (t Tee) OnVolumeCreated(id string, typ volume.Type, mountUserID int) {
	for _, l := range t {
		l.OnVolumeCreated(id, typ, mountUserID)
	}
}

func (t Tee) OnVolumeStateChanged(id string, state volume.State) {
	for _, l := range t {
		l.OnVolumeStateChanged(id, state)
	}
}

func (t Tee) OnVolumeMetadataChanged(id, fsType, fsUUID, fsLabel string) {
	for _, l := range t {
		l.OnVolumeMetadataChanged(id, fsType, fsUUID, fsLabel)
	}
}

func (t Tee) OnVolumePathChanged(id, path string) {
	for _, l := range t {
		l.OnVolumePathChanged(id, path)
	}
}

func (t Tee) OnVolumeDestroyed(id string) {
	for _, l := range t {
		l.OnVolumeDestroyed(id)
	}
}

// LogListener reports notifications through the logger in ctx.
type LogListener struct {
	Ctx context.Context
}

func (l LogListener) entry(id string) *log.Entry {
	ctx := l.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return log.G(ctx).WithField("id", id)
}

func (l LogListener) OnVolumeCreated(id string, typ volume.Type, mountUserID int) {
	l.entry(id).WithField("type", typ).Info("volume created")
}

func (l LogListener) OnVolumeStateChanged(id string, state volume.State) {
	l.entry(id).WithField("state", state).Info("volume state changed")
}

func (l LogListener) OnVolumeMetadataChanged(id, fsType, fsUUID, fsLabel string) {
	l.entry(id).WithFields(log.Fields{
		"fs_type":  fsType,
		"fs_uuid":  fsUUID,
		"fs_label": fsLabel,
	}).Info("volume metadata read")
}

func (l LogListener) OnVolumePathChanged(id, path string) {
	l.entry(id).WithField("path", path).Info("volume path changed")
}

func (l LogListener) OnVolumeDestroyed(id string) {
	l.entry(id).Info("volume destroyed")
}
