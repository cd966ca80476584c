package wgapi

import "time"

// ClientConfigResponse — ответ POST .../config.
type ClientConfigResponse struct {
	ConfigContent string     `json:"config_content"`
	AllocatedIP   string     `json:"allocated_ip"`
	PublicKey     string     `json:"public_key"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// PeerResponse — метаданные записи, без приватного ключа.
type PeerResponse struct {
	ID          uint       `json:"id"`
	TenantID    string     `json:"tenant_id"`
	PublicKey   string     `json:"public_key"`
	AllocatedIP string     `json:"allocated_ip"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type RevokeResponse struct {
	Message string            `json:"message"`
	Data    map[string]string `json:"data"`
}

type ServerStatusResponse struct {
	InterfaceUp  bool  `json:"interface_up"`
	ActivePeers  int64 `json:"active_peers"`
	AvailableIPs int   `json:"available_ips"`
	TotalConfigs int64 `json:"total_configs"`
}
