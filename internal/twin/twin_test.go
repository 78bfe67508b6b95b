package twin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/thermo-controller/internal/conn"
	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/retry"
)

type harness struct {
	mgr    *conn.Manager
	client *hub.FakeClient
	sync   *Synchronizer
}

// newHarness connects a manager to a single FakeClient configured by setup.
func newHarness(t *testing.T, setup func(*hub.FakeClient)) *harness {
	t.Helper()
	cred, err := hub.NewCredential("hub.example.net", "thermo-1", base64.StdEncoding.EncodeToString([]byte("k")))
	require.NoError(t, err)

	h := &harness{}
	var mu sync.Mutex
	factory := hub.FakeFactory(func(c *hub.FakeClient) {
		c.ConnectOnOpen = true
		if setup != nil {
			setup(c)
		}
		mu.Lock()
		h.client = c
		mu.Unlock()
	})
	exec := retry.New(retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, zerolog.Nop())
	h.mgr, err = conn.New([]hub.Credential{cred}, factory, exec, zerolog.Nop())
	require.NoError(t, err)
	h.sync = New(h.mgr, zerolog.Nop())
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mgr.EnsureInitialized(context.Background()))
	require.True(t, h.mgr.IsConnected())
}

func TestReadInitial(t *testing.T) {
	tests := []struct {
		name    string
		desired map[string]json.RawMessage
		want    int
	}{
		{"number", map[string]json.RawMessage{"Thermostat": json.RawMessage(`19`)}, 19},
		{"string contents", map[string]json.RawMessage{"Thermostat": json.RawMessage(`"23"`)}, 23},
		{"absent", map[string]json.RawMessage{"Other": json.RawMessage(`1`)}, 21},
		{"unparseable", map[string]json.RawMessage{"Thermostat": json.RawMessage(`"warm"`)}, 21},
		{"wrong type", map[string]json.RawMessage{"Thermostat": json.RawMessage(`{"v":1}`)}, 21},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *hub.FakeClient) { c.Desired = tt.desired })
			h.connect(t)

			got := ReadInitial(context.Background(), h.sync, "Thermostat", 21)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadInitialFetchesSnapshotOnce(t *testing.T) {
	h := newHarness(t, func(c *hub.FakeClient) {
		c.Desired = map[string]json.RawMessage{"Thermostat": json.RawMessage(`18`), "Mode": json.RawMessage(`"eco"`)}
	})
	h.connect(t)
	ctx := context.Background()

	assert.Equal(t, 18, ReadInitial(ctx, h.sync, "Thermostat", 21))
	assert.Equal(t, "eco", ReadInitial(ctx, h.sync, "Mode", "comfort"))
	assert.Equal(t, 1, h.client.Gets())
}

func TestReadInitialFailedFetchNotCached(t *testing.T) {
	h := newHarness(t, func(c *hub.FakeClient) {
		c.Desired = map[string]json.RawMessage{"Thermostat": json.RawMessage(`17`)}
		c.GetErrors = []error{errors.New("bad request")}
	})
	h.connect(t)
	ctx := context.Background()

	assert.Equal(t, 21, ReadInitial(ctx, h.sync, "Thermostat", 21))
	assert.Equal(t, 17, ReadInitial(ctx, h.sync, "Thermostat", 21))
	assert.Equal(t, 2, h.client.Gets())
}

func TestReadInitialRetriesTransientFetch(t *testing.T) {
	h := newHarness(t, func(c *hub.FakeClient) {
		c.Desired = map[string]json.RawMessage{"Thermostat": json.RawMessage(`20`)}
		c.GetErrors = []error{hub.ErrTimeout, &hub.StatusError{Op: "get twin", Code: 503}}
	})
	h.connect(t)

	assert.Equal(t, 20, ReadInitial(context.Background(), h.sync, "Thermostat", 21))
	assert.Equal(t, 3, h.client.Gets())
}

func TestReadInitialCancelledUsesDefault(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 21, ReadInitial(ctx, h.sync, "Thermostat", 21))
}

func TestDecode(t *testing.T) {
	v, err := Decode[float64](json.RawMessage(`"21.5"`))
	require.NoError(t, err)
	assert.InDelta(t, 21.5, v, 1e-9)

	s, err := Decode[string](json.RawMessage(`"Heating"`))
	require.NoError(t, err)
	assert.Equal(t, "Heating", s)

	_, err = Decode[int](json.RawMessage(`true`))
	require.Error(t, err)
}

func TestReportDiffIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	ctx := context.Background()

	res, err := h.sync.ReportDiff(ctx, "RoomAction", "Cooling")
	require.NoError(t, err)
	assert.Equal(t, retry.Done, res)

	res, err = h.sync.ReportDiff(ctx, "RoomAction", "Cooling")
	require.NoError(t, err)
	assert.Equal(t, retry.Skipped, res)

	_, err = h.sync.ReportDiff(ctx, "RoomAction", "Heating")
	require.NoError(t, err)

	assert.Equal(t, []hub.Properties{
		{"RoomAction": "Cooling"},
		{"RoomAction": "Heating"},
	}, h.client.Reported())
}

func TestReportDiffKeysAreIndependent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	ctx := context.Background()

	_, err := h.sync.ReportDiff(ctx, "RoomTemperature", 25)
	require.NoError(t, err)
	_, err = h.sync.ReportDiff(ctx, "RoomAction", 25)
	require.NoError(t, err)

	assert.Len(t, h.client.Reported(), 2)
}

func TestReportDiffSkippedWhileDisconnectedIsRetriedLater(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.sync.ReportDiff(ctx, "RoomTemperature", 22)
	require.NoError(t, err)
	assert.Equal(t, retry.Skipped, res)

	h.connect(t)
	res, err = h.sync.ReportDiff(ctx, "RoomTemperature", 22)
	require.NoError(t, err)
	assert.Equal(t, retry.Done, res)
	assert.Equal(t, []hub.Properties{{"RoomTemperature": 22}}, h.client.Reported())
}

func TestReportDiffFatalErrorNotCached(t *testing.T) {
	h := newHarness(t, func(c *hub.FakeClient) {
		c.UpdateErrors = []error{&hub.StatusError{Op: "update reported", Code: 400}}
	})
	h.connect(t)
	ctx := context.Background()

	res, err := h.sync.ReportDiff(ctx, "RoomTemperature", 22)
	require.Error(t, err)
	assert.Equal(t, retry.Failed, res)

	res, err = h.sync.ReportDiff(ctx, "RoomTemperature", 22)
	require.NoError(t, err)
	assert.Equal(t, retry.Done, res)
}

func TestSubscribeEchoesReturnedSubset(t *testing.T) {
	h := newHarness(t, nil)
	var got []hub.Property
	h.sync.Subscribe(context.Background(), func(props []hub.Property) []hub.Property {
		got = props
		var echo []hub.Property
		for _, p := range props {
			if p.Key == "Thermostat" {
				echo = append(echo, p)
			}
		}
		return echo
	})
	h.connect(t)

	require.True(t, h.client.PushDelta(
		hub.Property{Key: "Thermostat", Value: json.RawMessage(`"19"`)},
		hub.Property{Key: "Unknown", Value: json.RawMessage(`1`)},
	))

	require.Len(t, got, 2)
	assert.Equal(t, []hub.Properties{{"Thermostat": json.RawMessage(`"19"`)}}, h.client.Reported())
}

func TestSubscribeNothingToEcho(t *testing.T) {
	h := newHarness(t, nil)
	h.sync.Subscribe(context.Background(), func([]hub.Property) []hub.Property { return nil })
	h.connect(t)

	require.True(t, h.client.PushDelta(hub.Property{Key: "Unknown", Value: json.RawMessage(`1`)}))
	assert.Empty(t, h.client.Reported())
}
