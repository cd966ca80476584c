package wgapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"visco/internal/logs"
	"visco/internal/models"
	"visco/internal/tarball"
	"visco/internal/tunnels"
	"visco/internal/vpn/wireguard"
)

type Handler struct {
	svc Service
	dir TenantDirectory
}

func NewHandler(svc Service, dir TenantDirectory) *Handler { return &Handler{svc: svc, dir: dir} }

// tenant резолвит {tenant}; при ошибке ответ уже записан.
func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := mux.Vars(r)["tenant"]
	id, err := h.dir.Resolve(r.Context(), raw)
	switch {
	case errors.Is(err, ErrUnknownTenant):
		models.WriteRequestProblem(w, r, http.StatusNotFound, fmt.Sprintf("tenant %q not found", raw))
		return "", false
	case err != nil:
		logs.Logger.WithError(err).WithField("tenant", raw).Error("wgapi: tenant lookup failed")
		models.WriteRequestProblem(w, r, http.StatusInternalServerError, "tenant lookup failed")
		return "", false
	}
	return id, true
}

// writeError переводит ошибки tunnels в HTTP-коды.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	detail := "internal error"
	switch {
	case errors.Is(err, tunnels.ErrNoCapacity):
		status, detail = http.StatusConflict, "No available IP addresses in the subnet"
	case errors.Is(err, tunnels.ErrNotFound):
		status, detail = http.StatusNotFound, "No active WireGuard configuration found"
	case errors.Is(err, tunnels.ErrSyncFailed):
		status, detail = http.StatusBadGateway, "Failed to update server WireGuard configuration"
	case errors.Is(err, tunnels.ErrPersistFailed):
		detail = "Failed to store WireGuard configuration"
	}
	if status >= http.StatusInternalServerError {
		logs.Logger.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "status": status}).Error("wgapi: request failed")
	}
	models.WriteRequestProblem(w, r, status, detail)
}

func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Provision(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if p.Created {
		code = http.StatusCreated
	}
	models.WriteJSON(w, code, ClientConfigResponse{
		ConfigContent: p.ClientConfig,
		AllocatedIP:   p.Address.String(),
		PublicKey:     p.PublicKey,
		ExpiresAt:     p.ExpiresAt,
	})
}

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.GetActive(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, tunnels.ErrNotFound)
		return
	}
	models.WriteJSON(w, http.StatusOK, PeerResponse{
		ID:          rec.ID,
		TenantID:    rec.TenantID,
		PublicKey:   rec.PublicKey,
		AllocatedIP: rec.AllocatedIP,
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	})
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	freed, err := h.svc.Revoke(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, RevokeResponse{
		Message: fmt.Sprintf("WireGuard configuration revoked for tenant '%s'", tenant),
		Data:    map[string]string{"freed_ip": freed.String()},
	})
}

// Bundle — tar.gz с <tenant>.conf и QR-кодом <tenant>.png.
func (h *Handler) Bundle(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.GetActive(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, tunnels.ErrNotFound)
		return
	}
	cfg, err := h.svc.ClientConfig(rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	png, err := wireguard.RenderClientQR(cfg, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tgz, sum, err := tarball.ClientBundle(tenant, cfg, png)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.Header.Get("If-None-Match") == `"`+sum+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-wireguard.tar.gz"`, tenant))
	w.Header().Set("ETag", `"`+sum+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tgz)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.svc.DaemonStatus(ctx)
	if err != nil {
		// статус только для отчёта: интерфейс считаем опущенным
		logs.Logger.WithError(err).Warn("wgapi: daemon status unavailable")
	}
	active, err := h.svc.ActiveCount(ctx)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", tunnels.ErrPersistFailed, err))
		return
	}
	avail, err := h.svc.Capacity(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, ServerStatusResponse{
		InterfaceUp:  st.InterfaceUp,
		ActivePeers:  active,
		AvailableIPs: avail,
		TotalConfigs: active,
	})
}
