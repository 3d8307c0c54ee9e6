package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/luma/gpu"
	"github.com/openfluke/luma/gpu/gputest"
	"github.com/openfluke/luma/shaders"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	dev     *gputest.Device
	engine  *gpu.Engine
	handler http.Handler
}

func setup(t *testing.T, mutate ...func(*gpu.Config)) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	dev := gputest.NewDevice()
	cfg := gpu.Config{Shaders: shaders.FS, Registerer: reg, ReadbackTimeout: time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := gpu.NewEngine(dev.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &fixture{dev: dev, engine: e, handler: New(e, reg, nil).GenerateRoutes()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, req CreateRequest) uuid.UUID {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/arrays", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp CreateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ID
}

func TestCreateDispatchRelease(t *testing.T) {
	f := setup(t)
	id := f.create(t, CreateRequest{Shape: []uint32{3}, Data: []float64{1, 2, 3}})

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		ID        uuid.UUID `json:"id"`
		Operation string    `json:"operation"`
		Type      string    `json:"type"`
		Data      []uint32  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ID)
	assert.Equal(t, "double", resp.Operation)
	assert.Equal(t, "u32", resp.Type)
	assert.Equal(t, []uint32{2, 4, 6}, resp.Data)

	w = f.do(t, http.MethodDelete, "/api/arrays/"+id.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodDelete, "/api/arrays/"+id.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateInfersShape(t *testing.T) {
	f := setup(t)
	id := f.create(t, CreateRequest{Type: "f32", Data: []float64{0.5, 1.5}})

	shape, err := f.engine.ShapeOf(id)
	require.NoError(t, err)
	assert.Equal(t, gpu.Shape{2, 1, 1, 1}, shape)

	typ, err := f.engine.ElementTypeOf(id)
	require.NoError(t, err)
	assert.Equal(t, gpu.F32, typ)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Type string    `json:"type"`
		Data []float32 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "f32", resp.Type)
	assert.Equal(t, []float32{1, 3}, resp.Data)
}

func TestCreateRejects(t *testing.T) {
	f := setup(t)
	cases := map[string]any{
		"shape mismatch": CreateRequest{Shape: []uint32{4}, Data: []float64{1, 2, 3}},
		"empty":          CreateRequest{Data: []float64{}},
		"bad type":       CreateRequest{Type: "f16", Data: []float64{1}},
		"negative u32":   CreateRequest{Data: []float64{-1}},
		"fraction i32":   CreateRequest{Type: "i32", Data: []float64{1.5}},
		"five dims":      CreateRequest{Shape: []uint32{1, 1, 1, 1, 1}, Data: []float64{1}},
		"malformed":      "not an object",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/arrays", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, f.engine.Len())
}

func TestDispatchErrors(t *testing.T) {
	f := setup(t, func(c *gpu.Config) {
		c.Shaders = fstest.MapFS{"double.wgsl": {Data: mustRead(t, "double.wgsl")}}
		c.Lenient = true
	})
	id := f.create(t, CreateRequest{Data: []float64{1}})

	w := f.do(t, http.MethodPost, "/api/arrays/not-a-uuid/double", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/modulo", id), nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/divide", id), nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "operation not supported")

	fid := f.create(t, CreateRequest{Type: "f32", Data: []float64{1.5}})
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", fid), nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "no f32 kernel for double")
}

func TestDispatchTimeoutAndBusy(t *testing.T) {
	f := setup(t, func(c *gpu.Config) { c.ReadbackTimeout = 20 * time.Millisecond })
	id := f.create(t, CreateRequest{Data: []float64{1, 2}})

	f.dev.HoldMaps(true)
	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", id), nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", id), nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	f.dev.HoldMaps(false)
	require.Eventually(t, func() bool {
		return f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", id), nil).Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchClientGone(t *testing.T) {
	f := setup(t)
	id := f.create(t, CreateRequest{Data: []float64{1, 2}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/arrays/%s/double", id), nil).WithContext(ctx)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, statusClientClosedRequest, w.Code, w.Body.String())
	assert.Empty(t, f.dev.Passes())
}

func TestIntrospection(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodGet, "/api/operations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"operations":["add","divide","double","multiply","subtract"]}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/device", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"gputest"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t)
	id := f.create(t, CreateRequest{Data: []float64{1}})
	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/arrays/%s/add", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `luma_dispatch_total{operation="add",result="ok"} 1`)
	assert.Contains(t, body, "luma_arrays 1")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := setup(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(f.engine, nil, nil).Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func mustRead(t *testing.T, name string) []byte {
	t.Helper()
	b, err := shaders.FS.ReadFile(name)
	require.NoError(t, err)
	return bytes.TrimSpace(b)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		gpu.ErrBufferNotFound:        http.StatusNotFound,
		gpu.ErrShapeMismatch:         http.StatusBadRequest,
		gpu.ErrOperationNotSupported: http.StatusNotImplemented,
		gpu.ErrBufferBusy:            http.StatusConflict,
		gpu.ErrEngineClosed:          http.StatusServiceUnavailable,
		gpu.ErrDispatchFailed:        http.StatusInternalServerError,
		fmt.Errorf("%w: %w", gpu.ErrReadbackFailed, context.DeadlineExceeded): http.StatusGatewayTimeout,
		fmt.Errorf("%w: %w", gpu.ErrReadbackFailed, context.Canceled):         statusClientClosedRequest,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), strings.TrimSpace(err.Error()))
	}
}
