package repo

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visco/internal/db"
	"visco/internal/logs"
	"visco/internal/models"
)

func newTestStore(t *testing.T) *PeerStore {
	t.Helper()
	d, err := db.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))
	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewPeerStore(d)
}

func peer(tenant, ip string) *models.WireGuardPeer {
	return &models.WireGuardPeer{
		TenantID:    tenant,
		PrivateKey:  "priv-" + tenant,
		PublicKey:   "pub-" + tenant,
		AllocatedIP: ip,
	}
}

func TestPeerStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := peer("t1", "10.0.0.2")
	require.NoError(t, s.Create(ctx, p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, models.PeerStatusActive, p.Status)

	got, err := s.GetActive(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.0.0.2", got.AllocatedIP)
	assert.Equal(t, "priv-t1", got.PrivateKey)

	byKey, err := s.GetByPublicKey(ctx, "pub-t1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, p.ID, byKey.ID)

	missing, err := s.GetActive(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPeerStoreCreateConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, peer("t1", "10.0.0.2")))

	err := s.Create(ctx, peer("t2", "10.0.0.2"))
	assert.ErrorIs(t, err, ErrAddressTaken)

	err = s.Create(ctx, peer("t1", "10.0.0.3"))
	assert.ErrorIs(t, err, ErrTenantTaken)

	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPeerStoreDeleteFreesAddress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := peer("t1", "10.0.0.2")
	require.NoError(t, s.Create(ctx, p))
	require.NoError(t, s.Delete(ctx, p.ID))
	assert.ErrorIs(t, s.Delete(ctx, p.ID), ErrNotFound)

	// тот же адрес можно занять снова
	require.NoError(t, s.Create(ctx, peer("t2", "10.0.0.2")))
}

func TestPeerStoreAllocatedAddresses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, peer("t1", "10.0.0.2")))
	require.NoError(t, s.Create(ctx, peer("t2", "10.0.0.5/24")))

	got, err := s.AllocatedAddresses(ctx)
	require.NoError(t, err)
	var ss []string
	for _, a := range got {
		ss = append(ss, a.String())
	}
	assert.ElementsMatch(t, []string{"10.0.0.2", "10.0.0.5"}, ss)
}

func TestPeerStoreListExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	old := peer("old", "10.0.0.2")
	old.ExpiresAt = &past
	fresh := peer("fresh", "10.0.0.3")
	fresh.ExpiresAt = &future
	forever := peer("forever", "10.0.0.4")
	for _, p := range []*models.WireGuardPeer{old, fresh, forever} {
		require.NoError(t, s.Create(ctx, p))
	}

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].TenantID)

	all, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// captureLogs перенаправляет logs.Logger (и вывод gorm через него) в буфер.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevLevel := logs.Logger.Out, logs.Logger.GetLevel()
	logs.Logger.SetOutput(&buf)
	logs.Logger.SetLevel(logrus.TraceLevel)
	t.Cleanup(func() {
		logs.Logger.SetOutput(prevOut)
		logs.Logger.SetLevel(prevLevel)
	})
	return &buf
}

func TestPeerStoreDuplicateInsertDoesNotLogPrivateKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, peer("a", "10.0.0.2")))

	buf := captureLogs(t)
	dup := peer("b", "10.0.0.2")
	dup.PrivateKey = "SECRET_PRIVATE_KEY_OF_B"
	assert.ErrorIs(t, s.Create(ctx, dup), ErrAddressTaken)

	out := buf.String()
	assert.Contains(t, out, "INSERT", "gorm error output goes through logs.Logger")
	assert.NotContains(t, out, "SECRET_PRIVATE_KEY_OF_B")
}

func TestPeerStoreMissIsNotLogged(t *testing.T) {
	s := newTestStore(t)
	buf := captureLogs(t)

	rec, err := s.GetActive(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = s.GetByPublicKey(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.Empty(t, buf.String())
}
