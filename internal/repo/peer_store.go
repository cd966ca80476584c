package repo

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"gorm.io/gorm"

	"visco/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAddressTaken — проиграли гонку на uniq_wg_addr: адрес уже занят другим тенантом.
	ErrAddressTaken = errors.New("allocated address already taken")
	// ErrTenantTaken — у тенанта уже есть активная запись (uniq_wg_tenant).
	ErrTenantTaken = errors.New("tenant already has an active peer")
)

// PeerStore — единственная точка записи таблицы wireguard_configs.
type PeerStore struct{ db *gorm.DB }

func NewPeerStore(db *gorm.DB) *PeerStore { return &PeerStore{db: db} }

func (s *PeerStore) active(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Where("status = ?", models.PeerStatusActive)
}

// GetActive — активная запись тенанта или nil, nil.
func (s *PeerStore) GetActive(ctx context.Context, tenantID string) (*models.WireGuardPeer, error) {
	var p models.WireGuardPeer
	err := s.active(ctx).Where("tenant_id = ?", tenantID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PeerStore) GetByPublicKey(ctx context.Context, publicKey string) (*models.WireGuardPeer, error) {
	var p models.WireGuardPeer
	err := s.active(ctx).Where("public_key = ?", publicKey).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AllocatedAddresses — снимок адресов активных записей. Не кешируется.
func (s *PeerStore) AllocatedAddresses(ctx context.Context) ([]netip.Addr, error) {
	var raw []string
	if err := s.active(ctx).Model(&models.WireGuardPeer{}).Pluck("allocated_ip", &raw).Error; err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, r := range raw {
		ip, err := parseStoredAddr(r)
		if err != nil {
			return nil, fmt.Errorf("stored address %q: %w", r, err)
		}
		out = append(out, ip)
	}
	return out, nil
}

// старые строки могли хранить адрес с маской ("10.0.0.2/24")
func parseStoredAddr(s string) (netip.Addr, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr(), nil
	}
	return netip.ParseAddr(s)
}

// Create вставляет запись. Нарушение уникальности превращается в
// ErrTenantTaken или ErrAddressTaken, чтобы вызывающий мог повторить выделение.
func (s *PeerStore) Create(ctx context.Context, p *models.WireGuardPeer) error {
	if p.Status == "" {
		p.Status = models.PeerStatusActive
	}
	err := s.db.WithContext(ctx).Create(p).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	// какой из двух индексов сработал, выясняем перечитыванием
	existing, gerr := s.GetActive(ctx, p.TenantID)
	if gerr != nil {
		return fmt.Errorf("%w (recheck failed: %v)", ErrAddressTaken, gerr)
	}
	if existing != nil {
		return ErrTenantTaken
	}
	return ErrAddressTaken
}

// Delete — жёсткое удаление; адрес сразу становится свободным.
func (s *PeerStore) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Unscoped().Delete(&models.WireGuardPeer{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PeerStore) ListActive(ctx context.Context) ([]models.WireGuardPeer, error) {
	var rows []models.WireGuardPeer
	if err := s.active(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListExpired — активные записи с expires_at < now.
func (s *PeerStore) ListExpired(ctx context.Context, now time.Time) ([]models.WireGuardPeer, error) {
	var rows []models.WireGuardPeer
	err := s.active(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now.UTC()).
		Order("expires_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *PeerStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.active(ctx).Model(&models.WireGuardPeer{}).Count(&n).Error
	return n, err
}
