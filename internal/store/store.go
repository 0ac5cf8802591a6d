// Package store 持久化各连接器的订单跟踪状态，用于重启后恢复。
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"order-tracker-go/order"
)

const keyPrefix = "tracking_states/"

// Options 打开存储的参数；InMemory 用于测试与 paper 模式。
type Options struct {
	Path     string
	InMemory bool
}

// Store badger 上的一层薄封装，每个连接器一条记录。
type Store struct {
	mu sync.RWMutex
	db *badger.DB
}

func Open(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" && !opts.InMemory {
		return nil, errors.New("store: path is required")
	}
	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func key(connectorName string) []byte {
	return []byte(keyPrefix + connectorName)
}

// SaveTrackingStates 整体覆盖该连接器的快照。
func (s *Store) SaveTrackingStates(connectorName string, states map[string]order.TrackingState) error {
	if connectorName == "" {
		return errors.New("store: connector name is empty")
	}
	raw, err := order.MarshalTrackingStates(states)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", connectorName, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return errors.New("store: closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(connectorName), raw)
	})
}

// LoadTrackingStates 读取快照；从未保存过时返回空 map。
func (s *Store) LoadTrackingStates(connectorName string) (map[string]order.TrackingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("store: closed")
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(connectorName))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", connectorName, err)
	}
	states, err := order.UnmarshalTrackingStates(raw)
	if err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", connectorName, err)
	}
	return states, nil
}

// Connectors 列出已保存快照的连接器名。
func (s *Store) Connectors() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("store: closed")
	}
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return names, err
}
