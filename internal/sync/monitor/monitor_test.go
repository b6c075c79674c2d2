package monitor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/showtrack/internal/api"
	"github.com/kimhsiao/showtrack/internal/models"
	"github.com/kimhsiao/showtrack/internal/store"
	syncpkg "github.com/kimhsiao/showtrack/internal/sync"
)

// fakeProber reports a switchable reachability state.
type fakeProber struct {
	online atomic.Bool
}

func (p *fakeProber) Ping(ctx context.Context) bool {
	return p.online.Load()
}

// countingRemote acknowledges every dispatch and counts them.
type countingRemote struct {
	nextID atomic.Int64
	calls  atomic.Int32
}

func (r *countingRemote) CreateLocation(ctx context.Context, payload json.RawMessage) (*api.CreatedRecord, error) {
	r.calls.Add(1)
	return &api.CreatedRecord{ID: r.nextID.Add(1)}, nil
}

func (r *countingRemote) CreateBarcode(ctx context.Context, payload json.RawMessage) (*api.CreatedRecord, error) {
	r.calls.Add(1)
	return &api.CreatedRecord{ID: r.nextID.Add(1)}, nil
}

func newTestMonitor(t *testing.T, prober Prober, cfg *Config) (*Monitor, *store.Store, *countingRemote) {
	t.Helper()

	st := store.New(t.TempDir())
	require.True(t, st.Init())
	t.Cleanup(st.Destroy)

	remote := &countingRemote{}
	remote.nextID.Store(100)
	engine := syncpkg.NewEngine(st, remote, 5)
	mon := New(engine, st, prober, cfg)
	t.Cleanup(mon.Stop)
	return mon, st, remote
}

// TestStart_initialProbe verifies the startup probe sets connectivity.
func TestStart_initialProbe(t *testing.T) {
	prober := &fakeProber{}
	prober.online.Store(true)
	mon, _, _ := newTestMonitor(t, prober, nil)

	mon.Start(context.Background())
	assert.True(t, mon.engine.Online())
}

// TestSetOnline_edgeTriggersSync verifies regaining connectivity drains
// the queue without waiting for a tick.
func TestSetOnline_edgeTriggersSync(t *testing.T) {
	prober := &fakeProber{}
	cfg := &Config{ProbeInterval: time.Hour, RetryInterval: time.Hour}
	mon, st, remote := newTestMonitor(t, prober, cfg)

	mon.Start(context.Background())
	require.False(t, mon.engine.Online())

	_, err := st.SaveLocation(&models.PendingLocation{Name: "Aisle 3", ProjectID: 1})
	require.NoError(t, err)
	require.True(t, st.HasPendingChanges())

	mon.SetOnline(true)

	require.Eventually(t, func() bool { return !st.HasPendingChanges() },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), remote.calls.Load())
}

// TestSetOnline_noEdgeNoSync verifies repeating the same state is a no-op.
func TestSetOnline_noEdgeNoSync(t *testing.T) {
	prober := &fakeProber{}
	cfg := &Config{ProbeInterval: time.Hour, RetryInterval: time.Hour}
	mon, st, remote := newTestMonitor(t, prober, cfg)

	mon.Start(context.Background())

	_, err := st.SaveLocation(&models.PendingLocation{Name: "Aisle 3", ProjectID: 1})
	require.NoError(t, err)

	mon.SetOnline(false)
	mon.SetOnline(false)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, remote.calls.Load())
	assert.True(t, st.HasPendingChanges())
}

// TestSaveEvent_triggersSyncWhileOnline verifies a save flows out
// immediately when connectivity is up.
func TestSaveEvent_triggersSyncWhileOnline(t *testing.T) {
	prober := &fakeProber{}
	prober.online.Store(true)
	cfg := &Config{ProbeInterval: time.Hour, RetryInterval: time.Hour}
	mon, st, _ := newTestMonitor(t, prober, cfg)

	mon.Start(context.Background())

	_, err := st.SaveBarcode(&models.PendingBarcode{Value: "4006381333931", LocationID: 7})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !st.HasPendingChanges() },
		2*time.Second, 10*time.Millisecond)
}

// TestProbeLoop_detectsRecovery verifies the periodic probe notices the
// service coming back and drains the queue.
func TestProbeLoop_detectsRecovery(t *testing.T) {
	prober := &fakeProber{}
	cfg := &Config{ProbeInterval: 10 * time.Millisecond, RetryInterval: time.Hour}
	mon, st, _ := newTestMonitor(t, prober, cfg)

	mon.Start(context.Background())
	require.False(t, mon.engine.Online())

	_, err := st.SaveLocation(&models.PendingLocation{Name: "Back wall", ProjectID: 2})
	require.NoError(t, err)

	prober.online.Store(true)

	require.Eventually(t, func() bool { return !st.HasPendingChanges() },
		2*time.Second, 10*time.Millisecond)
}

// TestStop_idempotent verifies Stop can be called more than once.
func TestStop_idempotent(t *testing.T) {
	prober := &fakeProber{}
	mon, _, _ := newTestMonitor(t, prober, nil)

	mon.Start(context.Background())
	mon.Stop()
	mon.Stop()
}

// TestRestart_loopsStillRun verifies a stopped monitor comes back up
// with working loops.
func TestRestart_loopsStillRun(t *testing.T) {
	prober := &fakeProber{}
	cfg := &Config{ProbeInterval: 10 * time.Millisecond, RetryInterval: time.Hour}
	mon, st, _ := newTestMonitor(t, prober, cfg)

	mon.Start(context.Background())
	mon.Stop()

	mon.Start(context.Background())
	require.False(t, mon.engine.Online())

	_, err := st.SaveLocation(&models.PendingLocation{Name: "Back wall", ProjectID: 2})
	require.NoError(t, err)

	// The restarted probe loop must notice the service coming back
	prober.online.Store(true)
	require.Eventually(t, func() bool { return !st.HasPendingChanges() },
		2*time.Second, 10*time.Millisecond)

	mon.Stop()
	mon.Stop()
}

// TestBroadcast_connectivityEvents verifies online/offline transitions
// reach the attached sink.
func TestBroadcast_connectivityEvents(t *testing.T) {
	prober := &fakeProber{}
	cfg := &Config{ProbeInterval: time.Hour, RetryInterval: time.Hour}
	mon, _, _ := newTestMonitor(t, prober, cfg)

	var events []string
	mon.SetBroadcaster(broadcasterFunc(func(event string, data map[string]interface{}) {
		events = append(events, event)
	}))

	mon.Start(context.Background())
	mon.SetOnline(true)
	mon.SetOnline(false)

	assert.Equal(t, []string{EventWentOnline, EventWentOffline}, events)
}

type broadcasterFunc func(event string, data map[string]interface{})

func (f broadcasterFunc) Broadcast(event string, data map[string]interface{}) {
	f(event, data)
}
