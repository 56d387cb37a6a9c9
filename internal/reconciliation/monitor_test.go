package reconciliation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightbay/freightbay/internal/payouts"
	"github.com/freightbay/freightbay/internal/settlement"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.Gauge.GetValue()
}

func TestMonitor_ReportsUnresolvedTransfers(t *testing.T) {
	e := newEnv(t)
	e.link(t, "u1", true)
	credited := e.completed(t, "10") // processing credit

	stuck := e.completed(t, "20")
	err := e.store.WithTx(e.ctx, func(tx settlement.Tx) error {
		cur, err := tx.GetPayoutForUpdate(e.ctx, stuck.ID)
		if err != nil {
			return err
		}
		// Simulate a later retry that never recorded its outcome.
		if _, err := cur.MarkFailed("gateway_unavailable", e.clock); err != nil {
			return err
		}
		if err := tx.UpdatePayout(e.ctx, cur, payouts.StatusTransferred); err != nil {
			return err
		}
		from := cur.Status
		if err := cur.BeginTransfer(e.clock, 0); err != nil {
			return err
		}
		return tx.UpdatePayout(e.ctx, cur, from)
	})
	require.NoError(t, err)

	m := NewMonitor(e.store, time.Hour, slog.Default())

	m.now = func() time.Time { return e.clock.Add(time.Minute) }
	report, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.StuckPayouts)
	assert.Empty(t, report.UnconfirmedCredits)
	assert.Equal(t, 0.0, gaugeValue(t, stuckPayouts))

	m.now = func() time.Time { return e.clock.Add(2 * time.Hour) }
	report, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, report.StuckPayouts)
	assert.Len(t, report.UnconfirmedCredits, 2)
	assert.Equal(t, 1.0, gaugeValue(t, stuckPayouts))
	assert.Equal(t, 2.0, gaugeValue(t, staleCredits))

	// Confirming the first credit clears it from the report.
	_, err = e.rec.Handle(e.ctx, succeeded(credited.TransferRef, credited.ID))
	require.NoError(t, err)
	report, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.UnconfirmedCredits, 1)
}

func TestTimer_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	timer := NewTimer(NewMonitor(e.store, time.Hour, nil), 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_Stop(t *testing.T) {
	e := newEnv(t)
	timer := NewTimer(NewMonitor(e.store, time.Hour, nil), time.Hour, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestTimer_RunsImmediatelyAndKeepsReport(t *testing.T) {
	e := newEnv(t)
	e.link(t, "u1", true)
	e.completed(t, "10")

	m := NewMonitor(e.store, time.Hour, nil)
	m.now = func() time.Time { return e.clock.Add(2 * time.Hour) }
	timer := NewTimer(m, time.Hour, nil)
	assert.Nil(t, timer.LastReport())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return timer.LastReport() != nil }, time.Second, 5*time.Millisecond)
	assert.Len(t, timer.LastReport().UnconfirmedCredits, 1)

	timer.Stop()
	timer.Stop()
}
