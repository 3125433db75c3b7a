package semp

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestClient(t *testing.T, h fasthttp.RequestHandler) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = fasthttp.Serve(ln, h) }()

	hc := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return New(Config{URL: "http://broker:8080/", Username: "admin", Password: "pw", VPN: "prod vpn"}, hc)
}

func TestQueueBacklog(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		gotPath = string(ctx.Path())
		gotAuth = string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"data":{"queueName":"orders/in","spooledMsgCount":17},"meta":{"responseCode":200}}`)
	})

	n, err := c.QueueBacklog(context.Background(), "orders/in")
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	assert.Equal(t, "/SEMP/v2/monitor/msgVpns/prod vpn/queues/orders/in", gotPath)
	assert.Equal(t, "Basic YWRtaW46cHc=", gotAuth)
}

func TestQueueBacklog_NotFound(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString(`{"meta":{"responseCode":404,"error":{"code":6,"description":"Could not find match for queue","status":"NOT_FOUND"}}}`)
	})
	_, err := c.QueueBacklog(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestQueueBacklog_ServerError(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString(`{"meta":{"responseCode":401,"error":{"code":8,"description":"Unauthorized","status":"UNAUTHORIZED"}}}`)
	})
	_, err := c.QueueBacklog(context.Background(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestQueueBacklog_CanceledContext(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.QueueBacklog(ctx, "orders")
	assert.ErrorIs(t, err, context.Canceled)
}
