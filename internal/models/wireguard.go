package models

import "time"

type PeerStatus string

const (
	PeerStatusActive  PeerStatus = "active"
	PeerStatusRevoked PeerStatus = "revoked"
)

// WireGuardPeer — туннельная идентичность тенанта (одна активная запись на тенанта).
// Адрес после создания не меняется; отзыв удаляет строку, поэтому обычные
// уникальные индексы гарантируют уникальность среди активных записей.
type WireGuardPeer struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"uniqueIndex:uniq_wg_tenant;size:64;not null" json:"tenant_id"`
	PrivateKey  string     `gorm:"size:64;not null" json:"-"`
	PublicKey   string     `gorm:"index;size:64;not null" json:"public_key"`
	AllocatedIP string     `gorm:"uniqueIndex:uniq_wg_addr;size:45;not null" json:"allocated_ip"` // "10.0.0.2", без маски
	Status      PeerStatus `gorm:"size:16;not null;default:active" json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

func (WireGuardPeer) TableName() string { return "wireguard_configs" }

// Expired — истёк ли срок на момент now; запись без срока не истекает.
func (p *WireGuardPeer) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}
