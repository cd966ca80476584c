package wgapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"

	"visco/internal/models"
	"visco/internal/tunnels"
	"visco/internal/vpn/wgsync"
)

// ErrUnknownTenant — TenantDirectory не знает такого тенанта.
var ErrUnknownTenant = errors.New("unknown tenant")

// TenantDirectory сопоставляет идентификатор из пути с тенантом.
// Возвращает каноничный tenant ID или ErrUnknownTenant.
type TenantDirectory interface {
	Resolve(ctx context.Context, tenant string) (string, error)
}

// Service — то, что нужно хендлерам от tunnels.Manager.
type Service interface {
	Provision(ctx context.Context, tenantID string) (*tunnels.Provisioned, error)
	GetActive(ctx context.Context, tenantID string) (*models.WireGuardPeer, error)
	Revoke(ctx context.Context, tenantID string) (netip.Addr, error)
	ClientConfig(rec *models.WireGuardPeer) (string, error)
	Capacity(ctx context.Context) (int, error)
	ActiveCount(ctx context.Context) (int64, error)
	DaemonStatus(ctx context.Context) (wgsync.Status, error)
}

const tenantPath = "/tenants/{tenant:[A-Za-z0-9._@-]{1,64}}"

func RegisterRoutes(r *mux.Router, token string, svc Service, dir TenantDirectory) {
	sub := r.PathPrefix("/api/v1/wireguard").Subrouter()
	sub.Use(BearerAuth(token))

	h := NewHandler(svc, dir)
	sub.HandleFunc(tenantPath+"/config", h.Provision).Methods(http.MethodPost)
	sub.HandleFunc(tenantPath+"/config", h.GetConfig).Methods(http.MethodGet)
	sub.HandleFunc(tenantPath+"/config", h.Revoke).Methods(http.MethodDelete)
	sub.HandleFunc(tenantPath+"/bundle", h.Bundle).Methods(http.MethodGet)
	sub.HandleFunc("/status", h.Status).Methods(http.MethodGet)
}
