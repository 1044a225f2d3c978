// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/model"
)

var (
	conversationsBucket = []byte("conversations")
	filesBucket         = []byte("files")
)

// conversationRecord is one persisted conversation with its history.
type conversationRecord struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
}

// boltStore writes server state through to a BoltDB file, one JSON value per
// conversation and per file.
type boltStore struct {
	db *bolt.DB
}

func openBoltStore(path string) (*boltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, filesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

// load reads everything back. Malformed entries are skipped.
func (b *boltStore) load() ([]conversationRecord, []api.RemoteFile, error) {
	var (
		convs []conversationRecord
		files []api.RemoteFile
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var rec conversationRecord
			if json.Unmarshal(v, &rec) != nil || rec.Conversation.ID == "" {
				return nil
			}
			if rec.Messages == nil {
				rec.Messages = []model.Message{}
			}
			convs = append(convs, rec)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(filesBucket).ForEach(func(_, v []byte) error {
			var f api.RemoteFile
			if json.Unmarshal(v, &f) != nil || f.ID == "" {
				return nil
			}
			files = append(files, f)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return convs, files, nil
}

func (b *boltStore) putConversation(rec conversationRecord) error {
	return b.put(conversationsBucket, rec.Conversation.ID, rec)
}

func (b *boltStore) deleteConversation(id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(id))
	})
}

func (b *boltStore) putFile(f api.RemoteFile) error {
	return b.put(filesBucket, f.ID, f)
}

func (b *boltStore) put(bucket []byte, key string, v interface{}) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), enc)
	})
}

// Close closes the database file.
func (b *boltStore) Close() error {
	return b.db.Close()
}
