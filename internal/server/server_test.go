package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

func pingHandler() HttpHandlerResult {
	return AsHttpHandler("GET /ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
}

func TestModule_ServesHandlersUntilStopped(t *testing.T) {
	var srv *HttpServer

	app := fxtest.New(t,
		fx.Supply(zaptest.NewLogger(t)),
		fx.Provide(pingHandler),
		Module(HttpConfig{Host: "127.0.0.1", Port: 0}),
		fx.Populate(&srv),
	)

	app.RequireStart()

	res, err := http.Get("http://" + srv.Addr() + "/ping")
	require.NoError(t, err)

	body, _ := io.ReadAll(res.Body)
	res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "pong", string(body))

	res, err = http.Post("http://"+srv.Addr()+"/ping", "text/plain", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	addr := srv.Addr()
	app.RequireStop()

	_, err = http.Get("http://" + addr + "/ping")
	assert.Error(t, err)
}

func TestModule_TakenPortFailsStart(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port

	app := fxtest.New(t,
		fx.Supply(zaptest.NewLogger(t)),
		fx.Provide(pingHandler),
		Module(HttpConfig{Host: "127.0.0.1", Port: port}),
	)

	assert.Error(t, app.Start(context.Background()))
}

func TestHttpServer_ServeRequiresListen(t *testing.T) {
	srv := NewHttpServer(HttpServerParams{
		Config: HttpConfig{Host: "127.0.0.1"},
		Logger: zaptest.NewLogger(t),
	})

	assert.Error(t, srv.Serve())
}
