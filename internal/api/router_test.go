package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/sdl-simulator/internal/config"
	"github.com/wfunc/sdl-simulator/internal/device"
	"github.com/wfunc/sdl-simulator/internal/event"
	"github.com/wfunc/sdl-simulator/internal/models"
	"github.com/wfunc/sdl-simulator/internal/repository"
	ws "github.com/wfunc/sdl-simulator/internal/websocket"
	"go.uber.org/zap"
)

const (
	quietSim = `{"latency_ms":0,"fail_rate":0,"enable_noise":false,"noise_range":0}`
	quietCVA = `{"start_voltage":-0.5,"end_voltage":0.5,"sample_interval":0.1,"simulation":` + quietSim + `}`
	quietSDL = `{"simulation":` + quietSim + `}`
)

type RouterTestSuite struct {
	suite.Suite
	manager *device.Manager
	router  *Router
}

func (s *RouterTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.manager = device.NewManager(event.NewBus(256, nil))
	s.router = NewRouter(s.manager, Options{}, zap.NewNop())
}

// do 发送请求并解析JSON响应
func (s *RouterTestSuite) do(method, path, body string) (int, map[string]interface{}) {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.GetEngine().ServeHTTP(w, req)

	var resp map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func errorKind(resp map[string]interface{}) string {
	errBody, _ := resp["error"].(map[string]interface{})
	kind, _ := errBody["kind"].(string)
	return kind
}

func (s *RouterTestSuite) TestHealth() {
	code, resp := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, code)
	s.Equal("healthy", resp["status"])
	s.Equal("disabled", resp["database"])
	s.Equal(float64(0), resp["devices"])
}

func (s *RouterTestSuite) TestTypes() {
	code, resp := s.do(http.MethodGet, "/api/v1/types", "")
	s.Equal(http.StatusOK, code)
	data := resp["data"].(map[string]interface{})
	s.Equal([]interface{}{"cva", "sdl"}, data["types"])

	code, resp = s.do(http.MethodGet, "/api/v1/types/cva", "")
	s.Equal(http.StatusOK, code)
	cfg := resp["data"].(map[string]interface{})
	s.Len(cfg["scan_rates"], 3)

	code, resp = s.do(http.MethodGet, "/api/v1/types/oven", "")
	s.Equal(http.StatusBadRequest, code)
	s.Equal("invalid_parameter", errorKind(resp))
}

func (s *RouterTestSuite) TestDeviceLifecycle() {
	code, resp := s.do(http.MethodPost, "/api/v1/devices", `{"type":"cva","id":"cva-1","config":`+quietCVA+`}`)
	s.Require().Equal(http.StatusCreated, code, resp)
	s.Equal("cva-1", resp["data"].(map[string]interface{})["device_id"])

	code, resp = s.do(http.MethodPost, "/api/v1/devices", `{"type":"cva","id":"cva-1"}`)
	s.Equal(http.StatusBadRequest, code)
	s.Equal("configuration_error", errorKind(resp))

	code, resp = s.do(http.MethodPost, "/api/v1/devices/cva-1/execute", `{"operation":"measure","parameters":{"scan_rate":0.02}}`)
	s.Require().Equal(http.StatusOK, code, resp)
	result := resp["data"].(map[string]interface{})["result"].([]interface{})
	s.Len(result, 1000)
	first := result[0].(map[string]interface{})
	s.Equal(-0.5, first["voltage"])

	code, resp = s.do(http.MethodGet, "/api/v1/devices/cva-1", "")
	s.Equal(http.StatusOK, code)
	detail := resp["data"].(map[string]interface{})
	s.Equal("idle", detail["status"])
	s.Equal(0.02, detail["state"].(map[string]interface{})["parameters"].(map[string]interface{})["last_scan_rate"])

	code, resp = s.do(http.MethodGet, "/api/v1/devices", "")
	s.Equal(http.StatusOK, code)
	s.Equal(float64(1), resp["data"].(map[string]interface{})["total"])

	code, _ = s.do(http.MethodGet, "/api/v1/devices/cva-1/status", "")
	s.Equal(http.StatusOK, code)

	code, _ = s.do(http.MethodPost, "/api/v1/devices/cva-1/reset", "")
	s.Equal(http.StatusOK, code)

	code, _ = s.do(http.MethodDelete, "/api/v1/devices/cva-1", "")
	s.Equal(http.StatusOK, code)

	code, resp = s.do(http.MethodGet, "/api/v1/devices/cva-1", "")
	s.Equal(http.StatusNotFound, code)
	s.Equal("not_found", errorKind(resp))
}

func (s *RouterTestSuite) TestExecuteErrors() {
	code, _ := s.do(http.MethodPost, "/api/v1/devices", `{"type":"sdl","id":"sdl-1","config":`+quietSDL+`}`)
	s.Require().Equal(http.StatusCreated, code)

	code, resp := s.do(http.MethodPost, "/api/v1/devices/sdl-1/execute", `{"operation":"move","parameters":{"position":500}}`)
	s.Equal(http.StatusBadRequest, code)
	s.Equal("invalid_parameter", errorKind(resp))
	s.Equal(false, resp["success"])
	s.NotContains(resp["error"], "stack")

	code, resp = s.do(http.MethodPost, "/api/v1/devices/sdl-1/execute", `{"operation":"fly"}`)
	s.Equal(http.StatusBadRequest, code)
	s.Equal("invalid_parameter", errorKind(resp))

	code, resp = s.do(http.MethodPost, "/api/v1/devices/sdl-1/execute", `{}`)
	s.Equal(http.StatusBadRequest, code)
	s.Equal("invalid_parameter", errorKind(resp))

	code, resp = s.do(http.MethodPost, "/api/v1/devices/ghost/execute", `{"operation":"measure"}`)
	s.Equal(http.StatusNotFound, code)
	s.Equal("not_found", errorKind(resp))

	code, _ = s.do(http.MethodGet, "/api/v1/nothing", "")
	s.Equal(http.StatusNotFound, code)
}

func (s *RouterTestSuite) TestExecuteRejectsOverflowingScanRate() {
	code, _ := s.do(http.MethodPost, "/api/v1/devices", `{"type":"cva","id":"c1","config":`+quietCVA+`}`)
	s.Require().Equal(http.StatusCreated, code)

	code, resp := s.do(http.MethodPost, "/api/v1/devices/c1/execute", `{"operation":"measure","parameters":{"scan_rate":1e308}}`)
	s.Equal(http.StatusBadRequest, code)
	s.Equal("invalid_parameter", errorKind(resp))

	// 状态仍可正常序列化
	code, resp = s.do(http.MethodGet, "/api/v1/devices/c1", "")
	s.Equal(http.StatusOK, code)
	s.Equal(true, resp["success"])
}

func (s *RouterTestSuite) TestOpenAPIDocument() {
	req := httptest.NewRequest(http.MethodGet, "/openapi", nil)
	w := httptest.NewRecorder()
	s.router.GetEngine().ServeHTTP(w, req)

	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Header().Get("Content-Type"), "application/yaml")
	body := w.Body.String()
	for _, path := range []string{"/api/v1/devices/{id}/execute", "/api/device/send", "/ws:"} {
		s.Contains(body, path)
	}

	req = httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil)
	w = httptest.NewRecorder()
	s.router.GetEngine().ServeHTTP(w, req)
	if swaggerEnabled {
		s.Equal(http.StatusOK, w.Code)
	} else {
		s.Equal(http.StatusNotFound, w.Code)
	}
}

func (s *RouterTestSuite) TestHardwareFailureMapsToBadGateway() {
	broken := `{"simulation":{"latency_ms":0,"fail_rate":1,"enable_noise":false,"noise_range":0}}`
	code, _ := s.do(http.MethodPost, "/api/v1/devices", `{"type":"sdl","id":"bad","config":`+broken+`}`)
	s.Require().Equal(http.StatusCreated, code)

	code, resp := s.do(http.MethodPost, "/api/v1/devices/bad/execute", `{"operation":"measure"}`)
	s.Equal(http.StatusBadGateway, code)
	s.Equal("hardware_error", errorKind(resp))

	code, resp = s.do(http.MethodPost, "/api/v1/devices/bad/execute", `{"operation":"measure"}`)
	s.Equal(http.StatusConflict, code)
	s.Equal("state_error", errorKind(resp))
}

func (s *RouterTestSuite) TestSend() {
	code, resp := s.do(http.MethodPost, "/api/device/send",
		`{"device_type":"sdl","operation":"move","config":`+quietSDL+`,"parameters":{"position":10}}`)
	s.Require().Equal(http.StatusOK, code, resp)
	s.Equal("success", resp["status"])
	s.NotEmpty(resp["device_id"])
	s.Equal(float64(10), resp["data"].(map[string]interface{})["position"])
	s.Equal(1, s.manager.Count())

	code, resp = s.do(http.MethodPost, "/api/device/send",
		`{"device_type":"sdl","operation":"move","config":`+quietSDL+`,"parameters":{"position":1000}}`)
	s.Equal(http.StatusBadRequest, code)
	s.Equal("error", resp["status"])
	s.Equal("invalid_parameter", errorKind(resp))

	code, resp = s.do(http.MethodPost, "/api/device/send", `{"device_type":"oven","operation":"bake"}`)
	s.Equal(http.StatusInternalServerError, code)
	s.Equal("error", resp["status"])
	s.Empty(resp["device_id"])
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func TestRouter_Records(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := repository.SetupTestDB(t)
	repo := repository.NewDeviceRecordRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, repository.CreateTestDeviceRecord("cva-1", "cva")))
	errored := repository.CreateTestDeviceRecord("sdl-1", "sdl")
	errored.Status = models.DeviceRecordError
	require.NoError(t, repo.Upsert(ctx, errored))

	router := NewRouter(device.NewManager(nil), Options{DB: db, Records: repo}, zap.NewNop())
	get := func(path string) (int, map[string]interface{}) {
		w := httptest.NewRecorder()
		router.GetEngine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return w.Code, resp
	}

	code, resp := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connected", resp["database"])

	code, resp = get("/api/v1/records?status=error")
	require.Equal(t, http.StatusOK, code)
	data := resp["data"].(map[string]interface{})
	records := data["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "sdl-1", records[0].(map[string]interface{})["device_id"])
	assert.Equal(t, float64(1), data["pagination"].(map[string]interface{})["total"])

	code, _ = get("/api/v1/records/cva-1")
	assert.Equal(t, http.StatusOK, code)
	code, resp = get("/api/v1/records/ghost")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", errorKind(resp))

	code, resp = get("/api/v1/records/summary")
	assert.Equal(t, http.StatusOK, code)
	counts := resp["data"].(map[string]interface{})["status_counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["idle"])
	assert.Equal(t, float64(1), counts["error"])
}

func TestRouter_WebSocketEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := device.NewManager(nil)
	hub := ws.NewHub(ws.DefaultConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	go hub.ForwardEvents(ctx, manager.Subscribe())

	router := NewRouter(manager, Options{Hub: hub, WebSocket: config.WebSocketConfig{Path: "/ws"}}, zap.NewNop())
	server := httptest.NewServer(router.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws?device_id=sdl-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() ws.Message {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}
	assert.Equal(t, ws.MessageTypeConnected, read().Type)

	_, err = manager.CreateDevice("sdl", "other", json.RawMessage(quietSDL))
	require.NoError(t, err)
	_, err = manager.CreateDevice("sdl", "sdl-1", json.RawMessage(quietSDL))
	require.NoError(t, err)

	msg := read()
	assert.Equal(t, ws.MessageTypeDeviceEvent, msg.Type)
	assert.Equal(t, "sdl-1", msg.DeviceID)

	var ev event.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, event.EventDeviceCreated, ev.Type)
}
