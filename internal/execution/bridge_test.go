package execution_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/byod-backtesting/bridge/internal/execution"
	"github.com/byod-backtesting/bridge/internal/execution/codec"
	"github.com/byod-backtesting/bridge/internal/execution/correlator"
	"github.com/byod-backtesting/bridge/internal/execution/supervisor"
	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const helperEnv = "BRIDGE_TEST_HELPER_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperWorker()
		os.Exit(0)
	}

	os.Exit(m.Run())
}

// runHelperWorker is a minimal worker speaking the line protocol. It
// answers every request on its own goroutine.
func runHelperWorker() {
	enc := codec.NewEncoder(os.Stdout)

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		f, err := codec.Parse(scanner.Bytes())
		if err != nil || !f.HasID() {
			continue
		}

		wg.Add(1)
		go func(f codec.Frame) {
			defer wg.Done()
			handleHelperRequest(enc, f)
		}(f)
	}
}

func handleHelperRequest(enc *codec.Encoder, f codec.Frame) {
	id := *f.ID

	var payload struct {
		DelayMs int `json:"delay_ms"`
	}
	_ = json.Unmarshal(f.Payload, &payload)

	if payload.DelayMs > 0 {
		time.Sleep(time.Duration(payload.DelayMs) * time.Millisecond)
	}

	switch f.Action {
	case "echo", "ping":
		res, _ := codec.NewResult(id, f.Payload)
		_ = enc.Encode(res)
	case "fail":
		_ = enc.Encode(codec.NewError(id, "File not found"))
	case "emit":
		evt, _ := codec.NewEvent("progress", map[string]int{"rows": 500})
		_ = enc.Encode(evt)
		res, _ := codec.NewResult(id, map[string]bool{"done": true})
		_ = enc.Encode(res)
	case "noise":
		fmt.Fprintln(os.Stdout, "this is not a frame")
		res, _ := codec.NewResult(id, map[string]bool{"done": true})
		_ = enc.Encode(res)
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: crashing on purpose")
		os.Exit(3)
	case "hang":
		// never answers
	default:
		_ = enc.Encode(codec.NewError(id, "Unknown action"))
	}
}

type event struct {
	name string
	data json.RawMessage
}

// recordingPublisher collects every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []event
}

func (p *recordingPublisher) Publish(name string, data any) {
	raw, _ := json.Marshal(data)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event{name: name, data: raw})
}

func (p *recordingPublisher) Named(name string) []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []json.RawMessage
	for _, e := range p.events {
		if e.name == name {
			out = append(out, e.data)
		}
	}
	return out
}

var _ gateway.Publisher = (*recordingPublisher)(nil)

func helperConfig() execution.Config {
	return execution.Config{
		Supervisor: supervisor.Config{
			StartParams: supervisor.StartConfig{
				Cmd:  os.Args[0],
				Args: []string{"-test.run=^$"},
				Env:  map[string]string{helperEnv: "1"},
			},
			StopParams:   supervisor.StopConfig{Timeout: 2 * time.Second},
			StartupGrace: 20 * time.Millisecond,
		},
	}
}

func newBridge(t *testing.T, config execution.Config, calls correlator.Config) (*execution.Bridge, *recordingPublisher) {
	pub := &recordingPublisher{}

	b := execution.New(execution.Params{
		Config:    config,
		Calls:     calls,
		Publisher: pub,
		Log:       zap.NewNop(),
	})

	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
	})

	return b, pub
}

func TestBridge_Call_StartsWorkerLazily(t *testing.T) {
	b, pub := newBridge(t, helperConfig(), correlator.Config{})

	assert.Equal(t, supervisor.StateStopped, b.Status().State)

	res, err := b.Call(context.Background(), "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.JSONEq(t, `{"hello":"world"}`, string(res.Result))

	status := b.Status()
	assert.Equal(t, supervisor.StateRunning, status.State)
	assert.NotZero(t, status.Pid)

	statuses := pub.Named(gateway.EventWorkerStatus)
	require.Len(t, statuses, 1)
	assert.Contains(t, string(statuses[0]), `"state":"running"`)
}

func TestBridge_Call_ConcurrentCallsGetTheirOwnResponse(t *testing.T) {
	b, _ := newBridge(t, helperConfig(), correlator.Config{})

	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			// later calls answer first
			payload := map[string]int{"n": i, "delay_ms": (n - i) * 2}

			res, err := b.Call(context.Background(), "echo", payload)
			if !assert.NoError(t, err) {
				return
			}

			var got struct {
				N int `json:"n"`
			}
			assert.NoError(t, json.Unmarshal(res.Result, &got))
			assert.Equal(t, i, got.N)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, b.Pending())
}

func TestBridge_Call_OperationErrorResolves(t *testing.T) {
	b, _ := newBridge(t, helperConfig(), correlator.Config{})

	res, err := b.Call(context.Background(), "fail", nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.EqualError(t, res.OperationError(), "File not found")
}

func TestBridge_Call_UnknownActionResolvesWithError(t *testing.T) {
	b, _ := newBridge(t, helperConfig(), correlator.Config{})

	res, err := b.Call(context.Background(), "run-backtest", nil)
	require.NoError(t, err)
	assert.Equal(t, "Unknown action", res.Error)
}

func TestBridge_WorkerCrash_RejectsPendingAndRestarts(t *testing.T) {
	b, pub := newBridge(t, helperConfig(), correlator.Config{})

	require.NoError(t, b.Start(context.Background()))
	first := b.Status()

	const n = 5

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := b.Call(context.Background(), "hang", nil)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return b.Pending() == n
	}, 2*time.Second, 5*time.Millisecond)

	_, err := b.Call(context.Background(), "crash", nil)
	assert.ErrorIs(t, err, correlator.ErrWorkerTerminated)

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, correlator.ErrWorkerTerminated)
		case <-time.After(5 * time.Second):
			t.Fatal("pending call was not rejected")
		}
	}
	assert.Zero(t, b.Pending())

	// the next call starts a fresh worker
	res, err := b.Call(context.Background(), "echo", map[string]int{"after": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"after":1}`, string(res.Result))

	second := b.Status()
	assert.NotEqual(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, 1, second.Restarts)

	var exitEvent *execution.WorkerErrorEvent
	for _, raw := range pub.Named(gateway.EventWorkerError) {
		var e execution.WorkerErrorEvent
		require.NoError(t, json.Unmarshal(raw, &e))
		if e.Source == "exit" {
			exitEvent = &e
		}
	}
	require.NotNil(t, exitEvent, "unexpected exit must be published")
	require.NotNil(t, exitEvent.Code)
	assert.Equal(t, 3, *exitEvent.Code)
}

func TestBridge_Call_TimesOut(t *testing.T) {
	b, _ := newBridge(t, helperConfig(), correlator.Config{Timeout: 50 * time.Millisecond})

	_, err := b.Call(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, correlator.ErrRequestTimeout)
	assert.Zero(t, b.Pending())

	// the worker is still usable
	_, err = b.Call(context.Background(), "echo", nil)
	assert.NoError(t, err)
}

func TestBridge_Call_ContextCancelCancelsRequest(t *testing.T) {
	b, _ := newBridge(t, helperConfig(), correlator.Config{})

	require.NoError(t, b.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Call(ctx, "hang", nil)
	assert.ErrorIs(t, err, correlator.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.Pending())
}

func TestBridge_Events_AreForwarded(t *testing.T) {
	b, pub := newBridge(t, helperConfig(), correlator.Config{})

	_, err := b.Call(context.Background(), "emit", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(pub.Named(gateway.EventProgress)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.JSONEq(t, `{"rows":500}`, string(pub.Named(gateway.EventProgress)[0]))
}

func TestBridge_NonProtocolOutput_IsDiagnostic(t *testing.T) {
	b, pub := newBridge(t, helperConfig(), correlator.Config{})

	res, err := b.Call(context.Background(), "noise", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(res.Result))

	require.Eventually(t, func() bool {
		for _, raw := range pub.Named(gateway.EventWorkerError) {
			var e execution.WorkerErrorEvent
			if json.Unmarshal(raw, &e) == nil && e.Source == "stdout" && e.Message == "this is not a frame" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestBridge_ReadyProbe(t *testing.T) {
	config := helperConfig()
	config.ReadyProbe = "ping"
	config.ReadyTimeout = 2 * time.Second

	b, _ := newBridge(t, config, correlator.Config{})

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, supervisor.StateRunning, b.Status().State)
}

func TestBridge_ReadyProbe_FailureFailsStart(t *testing.T) {
	config := helperConfig()
	config.ReadyProbe = "fail"
	config.ReadyTimeout = 2 * time.Second

	b, _ := newBridge(t, config, correlator.Config{})

	err := b.Start(context.Background())
	assert.ErrorIs(t, err, supervisor.ErrStartup)
	assert.Equal(t, supervisor.StateStopped, b.Status().State)
}

func TestBridge_Call_FailsWhenWorkerCannotStart(t *testing.T) {
	config := helperConfig()
	config.Supervisor.StartParams.Cmd = "/definitely/not/a/binary"

	b, _ := newBridge(t, config, correlator.Config{})

	_, err := b.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, supervisor.ErrStartup)
}

func TestBridge_Stop_RejectsPending(t *testing.T) {
	b, _ := newBridge(t, helperConfig(), correlator.Config{})

	require.NoError(t, b.Start(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "hang", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return b.Pending() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, correlator.ErrWorkerTerminated)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not rejected")
	}
}

func TestBridge_New_WithoutLoggerOrPublisher(t *testing.T) {
	b := execution.New(execution.Params{Config: helperConfig()})
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
	})

	res, err := b.Call(context.Background(), "echo", map[string]string{"message": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hi"}`, string(res.Result))
}
