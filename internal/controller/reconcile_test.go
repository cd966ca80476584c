package controller

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visco/internal/models"
)

type staticRecords []models.WireGuardPeer

func (s staticRecords) ListActive(context.Context) ([]models.WireGuardPeer, error) { return s, nil }

type staticLister struct {
	keys []string
	err  error
}

func (l staticLister) Peers(context.Context) ([]string, error) { return l.keys, l.err }

type recordingAdder struct {
	added map[string]netip.Prefix
	err   error
}

func (a *recordingAdder) AddPeer(_ context.Context, pub string, allowed netip.Prefix) error {
	if a.err != nil {
		return a.err
	}
	if a.added == nil {
		a.added = map[string]netip.Prefix{}
	}
	a.added[pub] = allowed
	return nil
}

var records = staticRecords{
	{TenantID: "t1", PublicKey: "PUB1", AllocatedIP: "10.0.0.2", Status: models.PeerStatusActive},
	{TenantID: "t2", PublicKey: "PUB2", AllocatedIP: "10.0.0.3", Status: models.PeerStatusActive},
}

func TestReconcileReportsDrift(t *testing.T) {
	adder := &recordingAdder{}
	r := NewReconciler(records, staticLister{keys: []string{"PUB1", "OPERATOR", "ADHOC"}}, adder, false)

	d, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, d.Missing, 1)
	assert.Equal(t, "t2", d.Missing[0].TenantID)
	assert.Equal(t, []string{"ADHOC", "OPERATOR"}, d.Unknown)
	assert.Zero(t, d.Repaired)
	assert.Empty(t, adder.added, "report-only mode must not touch the daemon")
}

func TestReconcileRepairsMissingOnly(t *testing.T) {
	adder := &recordingAdder{}
	r := NewReconciler(records, staticLister{keys: []string{"OPERATOR"}}, adder, true)

	d, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, d.Repaired)
	assert.Equal(t, map[string]netip.Prefix{
		"PUB1": netip.MustParsePrefix("10.0.0.2/32"),
		"PUB2": netip.MustParsePrefix("10.0.0.3/32"),
	}, adder.added)
	assert.Equal(t, []string{"OPERATOR"}, d.Unknown)
}

func TestReconcileRepairFailureIsReported(t *testing.T) {
	adder := &recordingAdder{err: errors.New("helper down")}
	r := NewReconciler(records, staticLister{}, adder, true)

	d, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, d.Missing, 2)
	assert.Zero(t, d.Repaired)
}

func TestReconcileListerError(t *testing.T) {
	r := NewReconciler(records, staticLister{err: errors.New("no such device")}, &recordingAdder{}, true)
	_, err := r.Reconcile(context.Background())
	assert.Error(t, err)
}
