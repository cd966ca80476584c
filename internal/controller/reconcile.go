// Package controller сверяет записи wireguard_configs с живой таблицей пиров
// демона. Демон читается только на чтение; добавлять пиров (repair) можно лишь
// через синхронизатор, чужих пиров не удаляем никогда.
package controller

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl"

	"visco/internal/logs"
	"visco/internal/metrics"
	"visco/internal/models"
	"visco/internal/vpn/wireguard"
)

// Records — активные записи (реализует repo.PeerStore).
type Records interface {
	ListActive(ctx context.Context) ([]models.WireGuardPeer, error)
}

// PeerLister — публичные ключи пиров, которые демон реально держит.
type PeerLister interface {
	Peers(ctx context.Context) ([]string, error)
}

// Adder — синхронизатор (wgsync.Helper), через который чиним пропущенных.
type Adder interface {
	AddPeer(ctx context.Context, publicKey string, allowed netip.Prefix) error
}

// WGCtrlLister читает интерфейс через netlink/uapi.
type WGCtrlLister struct {
	Interface string
}

func (l WGCtrlLister) Peers(_ context.Context) ([]string, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctrl: %w", err)
	}
	defer c.Close()

	dev, err := c.Device(l.Interface)
	if err != nil {
		return nil, fmt.Errorf("wgctrl: device %s: %w", l.Interface, err)
	}
	keys := make([]string, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		keys = append(keys, p.PublicKey.String())
	}
	return keys, nil
}

// Drift — расхождения между БД и демоном.
type Drift struct {
	Missing  []models.WireGuardPeer // есть запись, нет пира
	Unknown  []string               // есть пир, нет записи
	Repaired int
}

type Reconciler struct {
	Records Records
	Live    PeerLister
	Daemon  Adder
	Repair  bool
}

func NewReconciler(records Records, live PeerLister, daemon Adder, repair bool) *Reconciler {
	return &Reconciler{Records: records, Live: live, Daemon: daemon, Repair: repair}
}

func (r *Reconciler) Reconcile(ctx context.Context) (Drift, error) {
	var d Drift

	recs, err := r.Records.ListActive(ctx)
	if err != nil {
		return d, err
	}
	live, err := r.Live.Peers(ctx)
	if err != nil {
		return d, err
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, k := range live {
		liveSet[k] = struct{}{}
	}
	owned := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		owned[rec.PublicKey] = struct{}{}
		if _, ok := liveSet[rec.PublicKey]; !ok {
			d.Missing = append(d.Missing, rec)
		}
	}
	for _, k := range live {
		if _, ok := owned[k]; !ok {
			d.Unknown = append(d.Unknown, k)
		}
	}
	sort.Strings(d.Unknown)

	metrics.DriftPeers.WithLabelValues("missing").Set(float64(len(d.Missing)))
	metrics.DriftPeers.WithLabelValues("unknown").Set(float64(len(d.Unknown)))

	for _, k := range d.Unknown {
		logs.With(logrus.Fields{"public_key": k}).Warn("controller: daemon peer has no record")
	}
	for _, rec := range d.Missing {
		log := logs.With(logrus.Fields{"tenant": rec.TenantID, "address": rec.AllocatedIP, "public_key": rec.PublicKey})
		if !r.Repair {
			log.Warn("controller: active record missing from daemon")
			continue
		}
		addr, err := storedAddr(rec.AllocatedIP)
		if err != nil {
			log.WithError(err).Error("controller: cannot repair record")
			continue
		}
		if err := r.Daemon.AddPeer(ctx, rec.PublicKey, wireguard.HostPrefix(addr)); err != nil {
			log.WithError(err).Warn("controller: repair failed")
			continue
		}
		d.Repaired++
		log.Info("controller: missing peer re-added")
	}
	return d, nil
}

// Run — периодическая сверка до отмены ctx.
func (r *Reconciler) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d, err := r.Reconcile(ctx)
			if err != nil {
				logs.Logger.WithError(err).Warn("controller: reconcile failed")
				continue
			}
			logs.With(logrus.Fields{"missing": len(d.Missing), "unknown": len(d.Unknown), "repaired": d.Repaired}).
				Debug("controller: reconcile pass")
		}
	}
}

func storedAddr(s string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(s); err == nil {
		return a, nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return p.Addr(), nil
}
