// Package pgstore is the Postgres implementation of store.Store built on GORM.
// Conditional writes are single UPDATE ... WHERE <precondition> RETURNING *
// statements, so the database decides every race.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/store"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateOrder(ctx context.Context, order models.Order) error {
	row := toOrderModel(order)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *Store) AssignProviderRef(ctx context.Context, orderID, providerRef string, at time.Time) (models.Order, error) {
	var rows []orderModel
	res := s.db.WithContext(ctx).
		Model(&rows).
		Clauses(clause.Returning{}).
		Where("order_id = ?", orderID).
		Where("status = ?", string(models.OrderPending)).
		Where("provider_order_ref IS NULL").
		Updates(map[string]any{
			"provider_order_ref": providerRef,
			"updated_at":         at,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return models.Order{}, store.ErrDuplicate
		}
		return models.Order{}, fmt.Errorf("assign provider ref: %w", res.Error)
	}
	if res.RowsAffected == 0 || len(rows) == 0 {
		return models.Order{}, s.missOrStale(ctx, orderID)
	}
	return fromOrderModel(rows[0])
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	return s.firstOrder(s.db.WithContext(ctx).Where("order_id = ?", orderID))
}

func (s *Store) GetOrderByProviderRef(ctx context.Context, providerRef string) (models.Order, error) {
	return s.firstOrder(s.db.WithContext(ctx).Where("provider_order_ref = ?", providerRef))
}

func (s *Store) FindOrder(ctx context.Context, requesterID, contentItemID string, status models.OrderStatus) (models.Order, error) {
	return s.firstOrder(s.db.WithContext(ctx).
		Where("requester_id = ? AND content_item_id = ?", requesterID, contentItemID).
		Where("status = ?", string(status)).
		Order("created_at DESC"))
}

func (s *Store) firstOrder(q *gorm.DB) (models.Order, error) {
	var row orderModel
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Order{}, store.ErrNotFound
		}
		return models.Order{}, fmt.Errorf("load order: %w", err)
	}
	return fromOrderModel(row)
}

// TransitionOrder locks the row, merges metadata and writes the new status
// guarded by the expected one.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus, change models.OrderChange) (models.Order, error) {
	var out models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row orderModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ?", orderID).
			Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		current, err := fromOrderModel(row)
		if err != nil {
			return err
		}
		if current.Status != from {
			return store.ErrStale
		}
		next := current.Apply(to, change)

		res := tx.Model(&orderModel{}).
			Where("order_id = ? AND status = ?", orderID, string(from)).
			Updates(map[string]any{
				"status":               string(next.Status),
				"provider_payment_ref": next.ProviderPaymentRef,
				"provider_signature":   next.ProviderSignature,
				"metadata":             toJSONMap(next.Metadata),
				"updated_at":           next.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrStale
		}
		out = next
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrStale) && !errors.Is(err, store.ErrNotFound) {
		return models.Order{}, fmt.Errorf("transition order: %w", err)
	}
	return out, err
}

func (s *Store) missOrStale(ctx context.Context, orderID string) error {
	var exists int64
	if err := s.db.WithContext(ctx).Model(&orderModel{}).Where("order_id = ?", orderID).Count(&exists).Error; err != nil {
		return err
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	return store.ErrStale
}

func (s *Store) CreateToken(ctx context.Context, token models.DownloadToken) error {
	row := toTokenModel(token)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, secret string) (models.DownloadToken, error) {
	var row tokenModel
	if err := s.db.WithContext(ctx).Where("secret = ?", secret).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.DownloadToken{}, store.ErrNotFound
		}
		return models.DownloadToken{}, fmt.Errorf("load token: %w", err)
	}
	return fromTokenModel(row), nil
}

func (s *Store) FindActiveToken(ctx context.Context, orderID string, now time.Time) (models.DownloadToken, error) {
	var row tokenModel
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Where("used = ? AND expires_at > ?", false, now).
		Order("expires_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DownloadToken{}, store.ErrNotFound
	}
	if err != nil {
		return models.DownloadToken{}, fmt.Errorf("find active token: %w", err)
	}
	return fromTokenModel(row), nil
}

// ConsumeToken is the redemption test-and-set: one UPDATE guarded by
// used = false and expires_at > now, returning the updated row.
func (s *Store) ConsumeToken(ctx context.Context, secret string, now time.Time, client models.ClientInfo) (models.DownloadToken, error) {
	var rows []tokenModel
	res := s.db.WithContext(ctx).
		Model(&rows).
		Clauses(clause.Returning{}).
		Where("secret = ?", secret).
		Where("used = ? AND expires_at > ?", false, now).
		Updates(map[string]any{
			"used":                true,
			"used_at":             now,
			"redeemed_ip":         client.IP,
			"redeemed_user_agent": client.UserAgent,
		})
	if res.Error != nil {
		return models.DownloadToken{}, fmt.Errorf("consume token: %w", res.Error)
	}
	if res.RowsAffected == 0 || len(rows) == 0 {
		return models.DownloadToken{}, store.ErrStale
	}
	return fromTokenModel(rows[0]), nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&tokenModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
