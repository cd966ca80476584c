// Package tunnels — жизненный цикл туннельных идентичностей тенантов:
// единственное место, где создаются и удаляются записи wireguard_configs.
//
// Порядок шагов асимметричен. Provision сначала сохраняет запись,
// потом добавляет пира в демон (неудачу синка можно откатить удалением).
// Revoke сначала убирает пира из демона и только потом удаляет запись
// (адрес не освобождается, пока демон его маршрутизирует).
package tunnels

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"visco/internal/logs"
	"visco/internal/metrics"
	"visco/internal/models"
	"visco/internal/repo"
	"visco/internal/vpn/wgsync"
	"visco/internal/vpn/wireguard"
)

var (
	ErrNoCapacity         = errors.New("no available addresses in the subnet")
	ErrAllocationConflict = errors.New("address allocation conflict")
	ErrSyncFailed         = errors.New("failed to update the wireguard daemon")
	ErrPersistFailed      = errors.New("failed to persist the peer record")
	ErrNotFound           = errors.New("no active wireguard configuration")
)

// maxAllocationAttempts — сколько раз перечитываем снимок после проигранной гонки.
const maxAllocationAttempts = 3

// Store — контракт хранилища (реализует repo.PeerStore).
type Store interface {
	GetActive(ctx context.Context, tenantID string) (*models.WireGuardPeer, error)
	AllocatedAddresses(ctx context.Context) ([]netip.Addr, error)
	Create(ctx context.Context, p *models.WireGuardPeer) error
	Delete(ctx context.Context, id uint) error
	ListExpired(ctx context.Context, now time.Time) ([]models.WireGuardPeer, error)
	CountActive(ctx context.Context) (int64, error)
}

// Daemon — живая конфигурация демона (реализует wgsync.Helper).
type Daemon interface {
	AddPeer(ctx context.Context, publicKey string, allowed netip.Prefix) error
	RemovePeer(ctx context.Context, publicKey string) error
	Status(ctx context.Context) (wgsync.Status, error)
}

type Options struct {
	Server  wireguard.ServerParams
	PeerTTL time.Duration // 0: без срока

	// для тестов
	Now  func() time.Time
	Keys func() (wireguard.KeyPair, error)
}

type Manager struct {
	store  Store
	daemon Daemon
	alloc  *wireguard.Allocator
	opts   Options
	group  singleflight.Group

	// allocMu сериализует снимок+вставку внутри процесса; между процессами
	// гонку разрешает уникальный индекс.
	allocMu sync.Mutex
}

func NewManager(store Store, daemon Daemon, alloc *wireguard.Allocator, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Keys == nil {
		opts.Keys = wireguard.GenerateKeyPair
	}
	return &Manager{store: store, daemon: daemon, alloc: alloc, opts: opts}
}

// Provisioned — то, что получает вызывающий после Provision.
type Provisioned struct {
	Record       *models.WireGuardPeer
	ClientConfig string
	Address      netip.Addr
	PublicKey    string
	ExpiresAt    *time.Time
	Created      bool // false: вернули уже существующую запись
}

// Provision выдаёт тенанту адрес и ключи либо возвращает существующую активную
// запись без изменений. Одновременные вызовы для одного тенанта сливаются.
func (m *Manager) Provision(ctx context.Context, tenantID string) (*Provisioned, error) {
	v, err := m.shared(ctx, "provision:"+tenantID, func(ctx context.Context) (any, error) {
		return m.provision(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Provisioned), nil
}

// shared сливает одновременные вызовы с одним ключом. Общая работа идёт на
// контексте без отмены (helper ограничен своим таймаутом), поэтому отмена
// одного из вызывающих не откатывает результат для остальных; сам он
// перестаёт ждать сразу.
func (m *Manager) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) { return fn(detached) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (m *Manager) provision(ctx context.Context, tenantID string) (*Provisioned, error) {
	log := logs.With(logrus.Fields{"tenant": tenantID})

	for attempt := 1; attempt <= maxAllocationAttempts; attempt++ {
		rec, existing, err := m.reserve(ctx, tenantID)
		switch {
		case errors.Is(err, repo.ErrAddressTaken):
			metrics.AllocationConflicts.Inc()
			log.WithField("attempt", attempt).Info("tunnels: address taken concurrently, retrying with fresh snapshot")
			continue
		case errors.Is(err, repo.ErrTenantTaken):
			// другой процесс успел первым, на следующей итерации вернём его запись
			continue
		case errors.Is(err, ErrNoCapacity):
			metrics.Provisions.WithLabelValues("no_capacity").Inc()
			log.Warn("tunnels: subnet exhausted")
			return nil, err
		case err != nil:
			metrics.Provisions.WithLabelValues("persist_failed").Inc()
			return nil, err
		case existing:
			metrics.Provisions.WithLabelValues("existing").Inc()
			return m.result(rec, false)
		}

		addr, _ := recordAddr(rec)
		// Запись уже в БД, адрес зарезервирован; синк без удержания каких-либо локов.
		if err := m.daemon.AddPeer(ctx, rec.PublicKey, wireguard.HostPrefix(addr)); err != nil {
			m.rollback(rec, err)
			metrics.Provisions.WithLabelValues("sync_failed").Inc()
			return nil, fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}

		metrics.Provisions.WithLabelValues("created").Inc()
		log.WithFields(logrus.Fields{"address": addr.String(), "public_key": rec.PublicKey}).
			Info("tunnels: peer provisioned")
		return m.result(rec, true)
	}

	// все попытки могли проиграть гонку за тенанта: тогда запись уже есть
	if rec, err := m.store.GetActive(ctx, tenantID); err == nil && rec != nil {
		metrics.Provisions.WithLabelValues("existing").Inc()
		return m.result(rec, false)
	}
	metrics.Provisions.WithLabelValues("no_capacity").Inc()
	return nil, fmt.Errorf("%w: %w after %d attempts", ErrNoCapacity, ErrAllocationConflict, maxAllocationAttempts)
}

// reserve возвращает активную запись тенанта (existing=true) либо вставляет
// новую на наименьший свободный адрес.
func (m *Manager) reserve(ctx context.Context, tenantID string) (rec *models.WireGuardPeer, existing bool, err error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	if rec, err = m.store.GetActive(ctx, tenantID); err != nil {
		return nil, false, fmt.Errorf("%w: lookup: %v", ErrPersistFailed, err)
	}
	if rec != nil {
		return rec, true, nil
	}

	taken, err := m.store.AllocatedAddresses(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: snapshot: %v", ErrPersistFailed, err)
	}
	addr, ok := m.alloc.Next(taken)
	if !ok {
		return nil, false, ErrNoCapacity
	}

	kp, err := m.opts.Keys()
	if err != nil {
		return nil, false, fmt.Errorf("%w: keys: %v", ErrPersistFailed, err)
	}

	now := m.opts.Now().UTC()
	rec = &models.WireGuardPeer{
		TenantID:    tenantID,
		PrivateKey:  kp.PrivateKey,
		PublicKey:   kp.PublicKey,
		AllocatedIP: addr.String(),
		Status:      models.PeerStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.opts.PeerTTL > 0 {
		exp := now.Add(m.opts.PeerTTL)
		rec.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, rec); err != nil {
		if errors.Is(err, repo.ErrAddressTaken) || errors.Is(err, repo.ErrTenantTaken) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return rec, false, nil
}

// rollback удаляет только что созданную запись. Контекст запроса может быть
// уже отменён (таймаут helper'а), поэтому удаляем на своём.
func (m *Manager) rollback(rec *models.WireGuardPeer, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := logs.With(logrus.Fields{"tenant": rec.TenantID, "address": rec.AllocatedIP, "public_key": rec.PublicKey})
	if err := m.store.Delete(ctx, rec.ID); err != nil {
		metrics.RollbackFailures.Inc()
		log.WithError(err).WithField("cause", cause.Error()).
			Error("tunnels: rollback after failed sync did not delete the record; manual cleanup required")
		return
	}
	log.WithError(cause).Warn("tunnels: daemon sync failed, record rolled back")
}

func (m *Manager) result(rec *models.WireGuardPeer, created bool) (*Provisioned, error) {
	addr, err := recordAddr(rec)
	if err != nil {
		return nil, err
	}
	return &Provisioned{
		Record:       rec,
		ClientConfig: wireguard.RenderClientConfig(rec.PrivateKey, m.alloc.Prefix(addr), m.opts.Server),
		Address:      addr,
		PublicKey:    rec.PublicKey,
		ExpiresAt:    rec.ExpiresAt,
		Created:      created,
	}, nil
}

// ClientConfig перерисовывает клиентский конфиг существующей записи.
func (m *Manager) ClientConfig(rec *models.WireGuardPeer) (string, error) {
	p, err := m.result(rec, false)
	if err != nil {
		return "", err
	}
	return p.ClientConfig, nil
}

// GetActive — активная запись тенанта или nil.
func (m *Manager) GetActive(ctx context.Context, tenantID string) (*models.WireGuardPeer, error) {
	rec, err := m.store.GetActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup: %v", ErrPersistFailed, err)
	}
	return rec, nil
}

// Revoke убирает пира из демона, затем удаляет запись и возвращает освобождённый адрес.
// Если демон не подтвердил удаление, запись остаётся активной.
func (m *Manager) Revoke(ctx context.Context, tenantID string) (netip.Addr, error) {
	v, err := m.shared(ctx, "revoke:"+tenantID, func(ctx context.Context) (any, error) {
		rec, err := m.store.GetActive(ctx, tenantID)
		if err != nil {
			metrics.Revocations.WithLabelValues("persist_failed").Inc()
			return netip.Addr{}, fmt.Errorf("%w: lookup: %v", ErrPersistFailed, err)
		}
		if rec == nil {
			metrics.Revocations.WithLabelValues("not_found").Inc()
			return netip.Addr{}, ErrNotFound
		}
		return m.revoke(ctx, rec)
	})
	if err != nil {
		return netip.Addr{}, err
	}
	return v.(netip.Addr), nil
}

func (m *Manager) revoke(ctx context.Context, rec *models.WireGuardPeer) (netip.Addr, error) {
	log := logs.With(logrus.Fields{"tenant": rec.TenantID, "address": rec.AllocatedIP, "public_key": rec.PublicKey})

	if err := m.daemon.RemovePeer(ctx, rec.PublicKey); err != nil {
		metrics.Revocations.WithLabelValues("sync_failed").Inc()
		log.WithError(err).Warn("tunnels: daemon removal failed, record kept active")
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if err := m.store.Delete(ctx, rec.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// параллельный revoke уже удалил строку
			metrics.Revocations.WithLabelValues("not_found").Inc()
			return netip.Addr{}, ErrNotFound
		}
		metrics.Revocations.WithLabelValues("persist_failed").Inc()
		log.WithError(err).Error("tunnels: peer removed from daemon but record delete failed")
		return netip.Addr{}, fmt.Errorf("%w: delete: %v", ErrPersistFailed, err)
	}
	rec.Status = models.PeerStatusRevoked

	metrics.Revocations.WithLabelValues("revoked").Inc()
	log.Info("tunnels: peer revoked")

	return recordAddr(rec)
}

// recordAddr — адрес записи; старые строки могли хранить его с маской.
func recordAddr(rec *models.WireGuardPeer) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(rec.AllocatedIP); err == nil {
		return addr, nil
	}
	p, err := netip.ParsePrefix(rec.AllocatedIP)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: stored address %q: %v", ErrPersistFailed, rec.AllocatedIP, err)
	}
	return p.Addr(), nil
}

// RevokeExpired отзывает все записи с истёкшим сроком. Ошибки отдельных
// отзывов логируются, запись остаётся до следующего прохода.
func (m *Manager) RevokeExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpired(ctx, m.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: list expired: %v", ErrPersistFailed, err)
	}
	revoked := 0
	for i := range expired {
		rec := &expired[i]
		_, err := m.shared(ctx, "revoke:"+rec.TenantID, func(ctx context.Context) (any, error) {
			return m.revoke(ctx, rec)
		})
		if err != nil {
			logs.With(logrus.Fields{"tenant": rec.TenantID}).WithError(err).Warn("tunnels: expired peer not revoked")
			continue
		}
		revoked++
	}
	return revoked, nil
}

// Capacity — сколько адресов ещё можно выдать.
func (m *Manager) Capacity(ctx context.Context) (int, error) {
	taken, err := m.store.AllocatedAddresses(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: snapshot: %v", ErrPersistFailed, err)
	}
	n := m.alloc.Available(taken)
	metrics.AvailableAddresses.Set(float64(n))
	metrics.ActivePeers.Set(float64(len(taken)))
	return n, nil
}

func (m *Manager) ActiveCount(ctx context.Context) (int64, error) {
	return m.store.CountActive(ctx)
}

// DaemonStatus — только для health-отчётов.
func (m *Manager) DaemonStatus(ctx context.Context) (wgsync.Status, error) {
	return m.daemon.Status(ctx)
}
