// Package ldbstore keeps orders and download tokens in an embedded LevelDB.
// Records are JSON values under prefixed keys with secondary index keys beside
// them. Every write runs inside a LevelDB transaction; LevelDB admits one open
// transaction at a time, which makes each conditional write a test-and-set.
package ldbstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/store"
)

const sep = "\x00"

func orderKey(id string) []byte     { return []byte("order" + sep + id) }
func orderRefKey(ref string) []byte { return []byte("order_ref" + sep + ref) }

func pendingKey(requester, item string) []byte {
	return []byte("order_pending" + sep + requester + sep + item)
}
func pairPrefix(requester, item string) []byte {
	return []byte("order_pair" + sep + requester + sep + item + sep)
}
func tokenKey(secret string) []byte { return []byte("token" + sep + secret) }
func tokenOrderPrefix(orderID string) []byte {
	return []byte("token_order" + sep + orderID + sep)
}

// Store is a LevelDB-backed store.Store
type Store struct {
	db *leveldb.DB
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path, or an in-memory database when path is empty
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	slog.Default().Info("leveldb store opened", "module", "ldbstore", "path", path, "in_memory", path == "")
	return &Store{db: db}, nil
}

func (s *Store) Ping(_ context.Context) error {
	_, err := s.db.GetProperty("leveldb.stats")
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn inside a transaction and commits it when fn succeeds
func (s *Store) update(fn func(tx *leveldb.Transaction) error) error {
	tx, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("open transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func getJSON(get func([]byte) ([]byte, error), key []byte, out any) error {
	raw, err := get(key)
	if errors.Is(err, leveldb.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func putJSON(tx *leveldb.Transaction, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(key, raw, nil)
}

func (s *Store) dbGet(key []byte) ([]byte, error) { return s.db.Get(key, nil) }

func txGet(tx *leveldb.Transaction) func([]byte) ([]byte, error) {
	return func(key []byte) ([]byte, error) { return tx.Get(key, nil) }
}

func (s *Store) CreateOrder(_ context.Context, order models.Order) error {
	return s.update(func(tx *leveldb.Transaction) error {
		if ok, err := tx.Has(orderKey(order.ID), nil); err != nil {
			return err
		} else if ok {
			return store.ErrDuplicate
		}
		if order.Status == models.OrderPending {
			if ok, err := tx.Has(pendingKey(order.RequesterID, order.ContentItemID), nil); err != nil {
				return err
			} else if ok {
				return store.ErrDuplicate
			}
			if err := tx.Put(pendingKey(order.RequesterID, order.ContentItemID), []byte(order.ID), nil); err != nil {
				return err
			}
		}
		if order.ProviderOrderRef != "" {
			if ok, err := tx.Has(orderRefKey(order.ProviderOrderRef), nil); err != nil {
				return err
			} else if ok {
				return store.ErrDuplicate
			}
			if err := tx.Put(orderRefKey(order.ProviderOrderRef), []byte(order.ID), nil); err != nil {
				return err
			}
		}
		if err := tx.Put(append(pairPrefix(order.RequesterID, order.ContentItemID), order.ID...), nil, nil); err != nil {
			return err
		}
		return putJSON(tx, orderKey(order.ID), order)
	})
}

func (s *Store) AssignProviderRef(_ context.Context, orderID, providerRef string, at time.Time) (models.Order, error) {
	var out models.Order
	err := s.update(func(tx *leveldb.Transaction) error {
		var order models.Order
		if err := getJSON(txGet(tx), orderKey(orderID), &order); err != nil {
			return err
		}
		if order.Status != models.OrderPending || order.ProviderOrderRef != "" {
			return store.ErrStale
		}
		if ok, err := tx.Has(orderRefKey(providerRef), nil); err != nil {
			return err
		} else if ok {
			return store.ErrDuplicate
		}
		order.ProviderOrderRef = providerRef
		order.UpdatedAt = at
		if err := tx.Put(orderRefKey(providerRef), []byte(orderID), nil); err != nil {
			return err
		}
		out = order
		return putJSON(tx, orderKey(orderID), order)
	})
	return out, err
}

func (s *Store) GetOrder(_ context.Context, orderID string) (models.Order, error) {
	var order models.Order
	err := getJSON(s.dbGet, orderKey(orderID), &order)
	return order, err
}

func (s *Store) GetOrderByProviderRef(ctx context.Context, providerRef string) (models.Order, error) {
	id, err := s.db.Get(orderRefKey(providerRef), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return models.Order{}, store.ErrNotFound
	}
	if err != nil {
		return models.Order{}, err
	}
	return s.GetOrder(ctx, string(id))
}

func (s *Store) FindOrder(ctx context.Context, requesterID, contentItemID string, status models.OrderStatus) (models.Order, error) {
	prefix := pairPrefix(requesterID, contentItemID)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var matches []models.Order
	for iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), string(prefix))
		order, err := s.GetOrder(ctx, id)
		if err != nil {
			return models.Order{}, err
		}
		if order.Status == status {
			matches = append(matches, order)
		}
	}
	if err := iter.Error(); err != nil {
		return models.Order{}, err
	}
	if len(matches) == 0 {
		return models.Order{}, store.ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return matches[0], nil
}

func (s *Store) TransitionOrder(_ context.Context, orderID string, from, to models.OrderStatus, change models.OrderChange) (models.Order, error) {
	var out models.Order
	err := s.update(func(tx *leveldb.Transaction) error {
		var order models.Order
		if err := getJSON(txGet(tx), orderKey(orderID), &order); err != nil {
			return err
		}
		if order.Status != from {
			return store.ErrStale
		}
		if from == models.OrderPending {
			if err := tx.Delete(pendingKey(order.RequesterID, order.ContentItemID), nil); err != nil {
				return err
			}
		}
		out = order.Apply(to, change)
		return putJSON(tx, orderKey(orderID), out)
	})
	return out, err
}

func (s *Store) CreateToken(_ context.Context, token models.DownloadToken) error {
	return s.update(func(tx *leveldb.Transaction) error {
		if ok, err := tx.Has(tokenKey(token.Secret), nil); err != nil {
			return err
		} else if ok {
			return store.ErrDuplicate
		}
		if token.OrderID != "" {
			if err := tx.Put(append(tokenOrderPrefix(token.OrderID), token.Secret...), nil, nil); err != nil {
				return err
			}
		}
		return putJSON(tx, tokenKey(token.Secret), token)
	})
}

func (s *Store) GetToken(_ context.Context, secret string) (models.DownloadToken, error) {
	var token models.DownloadToken
	err := getJSON(s.dbGet, tokenKey(secret), &token)
	return token, err
}

func (s *Store) FindActiveToken(ctx context.Context, orderID string, now time.Time) (models.DownloadToken, error) {
	prefix := tokenOrderPrefix(orderID)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var best *models.DownloadToken
	for iter.Next() {
		secret := strings.TrimPrefix(string(iter.Key()), string(prefix))
		token, err := s.GetToken(ctx, secret)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.DownloadToken{}, err
		}
		if !token.Redeemable(now) {
			continue
		}
		if best == nil || token.ExpiresAt.After(best.ExpiresAt) {
			t := token
			best = &t
		}
	}
	if err := iter.Error(); err != nil {
		return models.DownloadToken{}, err
	}
	if best == nil {
		return models.DownloadToken{}, store.ErrNotFound
	}
	return *best, nil
}

func (s *Store) ConsumeToken(_ context.Context, secret string, now time.Time, client models.ClientInfo) (models.DownloadToken, error) {
	var out models.DownloadToken
	err := s.update(func(tx *leveldb.Transaction) error {
		var token models.DownloadToken
		if err := getJSON(txGet(tx), tokenKey(secret), &token); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrStale
			}
			return err
		}
		if !token.Redeemable(now) {
			return store.ErrStale
		}
		usedAt := now
		token.Used = true
		token.UsedAt = &usedAt
		token.RedeemedIP = client.IP
		token.RedeemedUserAgent = client.UserAgent
		out = token
		return putJSON(tx, tokenKey(secret), token)
	})
	return out, err
}

func (s *Store) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.update(func(tx *leveldb.Transaction) error {
		iter := tx.NewIterator(util.BytesPrefix([]byte("token"+sep)), nil)
		defer iter.Release()
		batch := new(leveldb.Batch)
		for iter.Next() {
			var token models.DownloadToken
			if err := json.Unmarshal(iter.Value(), &token); err != nil {
				return fmt.Errorf("decode token: %w", err)
			}
			if !token.ExpiresAt.Before(cutoff) {
				continue
			}
			batch.Delete(append([]byte(nil), iter.Key()...))
			if token.OrderID != "" {
				batch.Delete(append(tokenOrderPrefix(token.OrderID), token.Secret...))
			}
			removed++
		}
		if err := iter.Error(); err != nil {
			return err
		}
		return tx.Write(batch, nil)
	})
	return removed, err
}
