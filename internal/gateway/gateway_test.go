package gateway_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/byod-backtesting/bridge/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockOperation is a testify mock of a gateway operation.
type mockOperation struct {
	mock.Mock
	channel string
}

func (m *mockOperation) Channel() string {
	return m.channel
}

func (m *mockOperation) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	args := m.Called(ctx, payload)
	return args.Get(0), args.Error(1)
}

var callChannels = []string{
	gateway.ChannelHealthCheck,
	gateway.ChannelPing,
	gateway.ChannelSelectFile,
	gateway.ChannelPreviewFile,
	gateway.ChannelImportData,
	gateway.ChannelGetStrategies,
	gateway.ChannelGetSettings,
	gateway.ChannelSaveSettings,
}

func newOperations() map[string]*mockOperation {
	ops := make(map[string]*mockOperation, len(callChannels))
	for _, name := range callChannels {
		ops[name] = &mockOperation{channel: name}
	}
	return ops
}

func newGateway(t *testing.T, ops map[string]*mockOperation) (*gateway.Gateway, *gateway.Bus) {
	bus := gateway.NewBus(zap.NewNop())

	params := gateway.Params{Bus: bus, Log: zap.NewNop()}
	for _, op := range ops {
		params.Operations = append(params.Operations, op)
	}

	g, err := gateway.New(params)
	require.NoError(t, err)

	return g, bus
}

func TestGateway_New_RequiresOperationForEveryCallChannel(t *testing.T) {
	ops := newOperations()
	delete(ops, gateway.ChannelSaveSettings)

	params := gateway.Params{Log: zap.NewNop()}
	for _, op := range ops {
		params.Operations = append(params.Operations, op)
	}

	_, err := gateway.New(params)
	assert.ErrorIs(t, err, gateway.ErrMissingOperation)
	assert.ErrorContains(t, err, gateway.ChannelSaveSettings)
}

func TestGateway_New_RejectsOperationForUnlistedChannel(t *testing.T) {
	ops := newOperations()
	ops["run-backtest"] = &mockOperation{channel: "run-backtest"}

	params := gateway.Params{Log: zap.NewNop()}
	for _, op := range ops {
		params.Operations = append(params.Operations, op)
	}

	_, err := gateway.New(params)
	assert.ErrorIs(t, err, gateway.ErrUnknownOperation)
}

func TestGateway_New_RejectsDuplicateOperation(t *testing.T) {
	params := gateway.Params{Log: zap.NewNop()}
	for _, op := range newOperations() {
		params.Operations = append(params.Operations, op)
	}
	params.Operations = append(params.Operations, &mockOperation{channel: gateway.ChannelPing})

	_, err := gateway.New(params)
	assert.ErrorIs(t, err, gateway.ErrDuplicateOperation)
}

func TestGateway_Invoke_UnauthorizedChannelHasNoSideEffect(t *testing.T) {
	ops := newOperations()
	g, _ := newGateway(t, ops)

	for _, name := range []string{"run-backtest", "shell-exec", "", "progress", "PING"} {
		res, err := g.Invoke(context.Background(), name, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, gateway.ErrUnauthorizedChannel, name)
		assert.Nil(t, res)
	}

	for _, op := range ops {
		op.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
	}
}

func TestGateway_Invoke_ReturnsOperationResult(t *testing.T) {
	ops := newOperations()
	ops[gateway.ChannelPing].
		On("Invoke", mock.Anything, json.RawMessage(`{"message":"hi"}`)).
		Return(map[string]any{"ok": true, "from": "worker"}, nil)

	g, _ := newGateway(t, ops)

	res, err := g.Invoke(context.Background(), gateway.ChannelPing, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"from":"worker"}`, string(res))

	ops[gateway.ChannelPing].AssertExpectations(t)
}

func TestGateway_Invoke_EmptyPayloadIsNull(t *testing.T) {
	ops := newOperations()
	ops[gateway.ChannelHealthCheck].
		On("Invoke", mock.Anything, json.RawMessage("null")).
		Return(map[string]any{"status": "ok"}, nil)

	g, _ := newGateway(t, ops)

	_, err := g.Invoke(context.Background(), gateway.ChannelHealthCheck, nil)
	require.NoError(t, err)

	ops[gateway.ChannelHealthCheck].AssertExpectations(t)
}

func TestGateway_Invoke_OperationErrorResolves(t *testing.T) {
	ops := newOperations()
	ops[gateway.ChannelPreviewFile].
		On("Invoke", mock.Anything, mock.Anything).
		Return(gateway.Fail("File does not exist"), nil)

	g, _ := newGateway(t, ops)

	res, err := g.Invoke(context.Background(), gateway.ChannelPreviewFile, json.RawMessage(`{"filePath":"/missing.csv"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"File does not exist"}`, string(res))

	msg, failed := gateway.IsErrorResult(res)
	assert.True(t, failed)
	assert.Equal(t, "File does not exist", msg)
}

func TestGateway_Invoke_PropagatesRejection(t *testing.T) {
	ops := newOperations()
	ops[gateway.ChannelImportData].
		On("Invoke", mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	g, _ := newGateway(t, ops)

	_, err := g.Invoke(context.Background(), gateway.ChannelImportData, json.RawMessage(`{"filePath":"a.csv","symbol":"BTC"}`))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestGateway_Invoke_InvalidPayload(t *testing.T) {
	ops := newOperations()
	g, _ := newGateway(t, ops)

	_, err := g.Invoke(context.Background(), gateway.ChannelImportData, json.RawMessage(`{"filePath":"a.csv"}`))
	require.ErrorIs(t, err, gateway.ErrInvalidPayload)

	var verr *gateway.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, gateway.ChannelImportData, verr.Channel)
	assert.NotEmpty(t, verr.Details)

	_, err = g.Invoke(context.Background(), gateway.ChannelPing, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, gateway.ErrInvalidPayload)

	ops[gateway.ChannelImportData].AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestGateway_Subscribe_RejectsUnlistedEvent(t *testing.T) {
	g, _ := newGateway(t, newOperations())

	_, err := g.Subscribe("ping", func(json.RawMessage) {})
	assert.ErrorIs(t, err, gateway.ErrUnauthorizedChannel)

	_, err = g.Subscribe("secrets", func(json.RawMessage) {})
	assert.ErrorIs(t, err, gateway.ErrUnauthorizedChannel)
}

func TestGateway_Subscribe_ReceivesPublishedEvents(t *testing.T) {
	g, bus := newGateway(t, newOperations())

	var mu sync.Mutex
	var received []string

	unsubscribe, err := g.Subscribe(gateway.EventProgress, func(data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(data))
	})
	require.NoError(t, err)

	bus.Publish(gateway.EventProgress, map[string]int{"rows": 500})
	bus.Publish(gateway.EventWorkerError, map[string]string{"message": "ignored"})
	bus.Publish("not-listed", 1)

	unsubscribe()
	unsubscribe()

	bus.Publish(gateway.EventProgress, map[string]int{"rows": 1000})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"rows":500}`}, received)
	assert.Zero(t, bus.Subscribers(gateway.EventProgress))
}

func TestChannels_WhitelistDirections(t *testing.T) {
	for _, name := range callChannels {
		assert.True(t, gateway.IsInvokable(name), name)
		assert.False(t, gateway.IsSubscribable(name), name)
	}

	for _, name := range []string{gateway.EventProgress, gateway.EventWorkerError, gateway.EventWorkerStatus} {
		assert.True(t, gateway.IsSubscribable(name), name)
		assert.False(t, gateway.IsInvokable(name), name)
	}

	assert.False(t, gateway.IsInvokable("run-backtest"))
	assert.Len(t, gateway.Channels(), len(callChannels)+3)
}
