package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xcall"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// serverEnd starts a connected server-mode transport behind an httptest server.
func serverEnd(t *testing.T, codec string) (*Transport, *httptest.Server) {
	t.Helper()
	cfg := Defaults()
	cfg.Codec = codec
	srvT, err := NewTransport(cfg)
	require.NoError(t, err)
	require.NoError(t, srvT.Connect(context.Background()))

	srv := httptest.NewServer(srvT)
	t.Cleanup(func() {
		_ = srvT.Disconnect(context.Background())
		srv.Close()
	})
	return srvT, srv
}

func clientEnd(t *testing.T, url, codec string) *Transport {
	t.Helper()
	cfg := Defaults()
	cfg.URL = url
	cfg.Codec = codec
	cli, err := NewTransport(cfg)
	require.NoError(t, err)
	require.NoError(t, cli.Connect(context.Background()))
	t.Cleanup(func() { _ = cli.Disconnect(context.Background()) })
	return cli
}

func TestConfigFromMap(t *testing.T) {
	in := Defaults()
	in.URL = "ws://example/ws"
	in.Codec = "cbor"
	in.WriteTimeout = time.Second
	in.ReadLimit = 4096
	in.AllowAnyOrigin = true
	assert.Equal(t, in, ConfigFromMap(in.toMap()))

	// TOML shapes
	cfg := ConfigFromMap(map[string]any{"write_timeout": "250ms", "read_limit": int64(512)})
	assert.Equal(t, 250*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, int64(512), cfg.ReadLimit)
	assert.Equal(t, "json", cfg.Codec)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Defaults().Validate())

	c := Defaults()
	c.Codec = ""
	assert.Error(t, c.Validate())
	c = Defaults()
	c.WriteTimeout = 0
	assert.Error(t, c.Validate())
	c = Defaults()
	c.ReadLimit = 0
	assert.Error(t, c.Validate())

	c = Defaults()
	c.Codec = "msgpack"
	_, err := NewTransport(c)
	assert.Error(t, err)
}

func TestFactoryRegistered(t *testing.T) {
	tr, err := xcall.NewTransport(TransportName, map[string]any{"codec": "cbor"})
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)
}

func TestSend_NotConnected(t *testing.T) {
	tr, err := NewTransport(Defaults())
	require.NoError(t, err)
	env, err := xcall.NewEvent(xcall.ContextController, xcall.ContextRemoteRuntime, nil, nil, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Send(context.Background(), env), xcall.ErrNotConnected)
	assert.Equal(t, uint64(1), tr.Stats().SendErrors)
}

func TestServeHTTP_RefusesWhenNotAccepting(t *testing.T) {
	tr, err := NewTransport(Defaults())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCall_OverWebSocket(t *testing.T) {
	for _, codec := range []string{"json", "cbor"} {
		t.Run(codec, func(t *testing.T) {
			srvT, srv := serverEnd(t, codec)
			cli := clientEnd(t, wsURL(srv), codec)
			require.Eventually(t, srvT.Connected, 2*time.Second, 5*time.Millisecond)

			rt, err := xcall.NewRouterBuilder().
				WithTransport("ctl", srvT).
				WithRoute(xcall.RouteEntry{ID: "ctl", TransportID: "ctl", Enabled: true, Predicate: xcall.MatchTarget(xcall.ContextController)}).
				Build()
			require.NoError(t, err)
			defer rt.Close(context.Background())

			ctl, err := xcall.NewRouterBuilder().
				WithTransport("rt", cli).
				WithRoute(xcall.RouteEntry{ID: "rt", TransportID: "rt", Enabled: true, Predicate: xcall.MatchTarget(xcall.ContextRemoteRuntime)}).
				Build()
			require.NoError(t, err)
			defer ctl.Close(context.Background())

			responder := xcall.NewCaller(rt, xcall.WithSource(xcall.ContextRemoteRuntime))
			_, err = responder.Serve(xcall.ContextRemoteRuntime, func(_ context.Context, req xcall.Envelope) (any, error) {
				return map[string]any{"echo": req.Payload()}, nil
			})
			require.NoError(t, err)

			caller := xcall.NewCaller(ctl, xcall.WithDefaultTimeout(2*time.Second))
			v, err := caller.Call(context.Background(), xcall.ContextRemoteRuntime, "hello")
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"echo": "hello"}, v)

			assert.Equal(t, uint64(1), cli.Stats().Sent)
			assert.Equal(t, uint64(1), cli.Stats().Received)
			assert.Equal(t, uint64(1), srvT.Stats().Accepted)
		})
	}
}

func TestReadLoop_DropsUndecodableFrames(t *testing.T) {
	srvT, srv := serverEnd(t, "json")
	got := make(chan xcall.Envelope, 1)
	srvT.SetReceiver(func(_ context.Context, env xcall.Envelope) { got <- env })

	conn, _, err := gws.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("garbage")))
	env, err := xcall.NewEvent(xcall.ContextRemoteRuntime, xcall.ContextController, "ok", nil, time.Now())
	require.NoError(t, err)
	data, err := xcall.EncodeEnvelope(xcall.JSONCodec{}, env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, data))

	select {
	case e := <-got:
		assert.Equal(t, "ok", e.Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame not delivered")
	}
	assert.Equal(t, uint64(1), srvT.Stats().DecodeErrors)
}

func TestServer_NewPeerReplacesOld(t *testing.T) {
	srvT, srv := serverEnd(t, "json")

	first, _, err := gws.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, srvT.Connected, time.Second, 5*time.Millisecond)

	second, _, err := gws.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return srvT.Stats().Accepted == 2 }, time.Second, 5*time.Millisecond)

	env, err := xcall.NewEvent(xcall.ContextController, xcall.ContextRemoteRuntime, "to-second", nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, srvT.Send(context.Background(), env))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	got, err := xcall.DecodeEnvelope(xcall.JSONCodec{}, data)
	require.NoError(t, err)
	assert.Equal(t, "to-second", got.Payload())
}

func TestDisconnect_ClientStopsSending(t *testing.T) {
	_, srv := serverEnd(t, "json")
	cli := clientEnd(t, wsURL(srv), "json")
	assert.True(t, cli.Connected())

	require.NoError(t, cli.Disconnect(context.Background()))
	require.NoError(t, cli.Disconnect(context.Background()))
	assert.False(t, cli.Connected())

	env, err := xcall.NewEvent(xcall.ContextController, xcall.ContextRemoteRuntime, nil, nil, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, cli.Send(context.Background(), env), xcall.ErrNotConnected)
}
