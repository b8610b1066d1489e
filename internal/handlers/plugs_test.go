package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"smartplug_control"
	"smartplug_control/internal/models"
	"smartplug_control/internal/service"
)

func serve(t *testing.T, s *service.Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := newTestRouter(s)
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	r.ServeHTTP(w, req)
	return w
}

func newPlugTestService() (*service.Service, *mockPlugs) {
	plugs := &mockPlugs{plugs: []models.PlugConfig{{IP: "10.0.0.5", Label: "Printer"}, {IP: "10.0.0.6/2", Label: "Lights"}}}
	return &service.Service{Authorization: &mockAuth{parseID: 1}, Plugs: plugs}, plugs
}

func TestPlugHandlers_RequireAuth(t *testing.T) {
	s, _ := newPlugTestService()
	r := newTestRouter(s)
	for _, path := range []string{"/api/v1/plugs", "/api/v1/plugs/status", "/api/v1/energy?ip=x", "/api/v1/idle"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s without auth: %d", path, w.Code)
		}
	}
}

func TestPlugHandlers_ListAndStatus(t *testing.T) {
	s, plugs := newPlugTestService()

	w := serve(t, s, http.MethodGet, "/api/v1/plugs", "")
	var list []models.PlugConfig
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || len(list) != 2 || list[1].IP != "10.0.0.6/2" {
		t.Fatalf("list status=%d body=%s", w.Code, w.Body.String())
	}

	w = serve(t, s, http.MethodGet, "/api/v1/plugs/status?ip=10.0.0.5", "")
	var st models.StatusSnapshot
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if w.Code != http.StatusOK || st.IP != "10.0.0.5" || st.CurrentState != models.StateOn {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = serve(t, s, http.MethodGet, "/api/v1/plugs/status", "")
	var all []models.StatusSnapshot
	_ = json.Unmarshal(w.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Fatalf("all statuses body=%s", w.Body.String())
	}

	w = serve(t, s, http.MethodPost, "/api/v1/plugs/status", `{"ip":" 10.0.0.6/2 "}`)
	if w.Code != http.StatusOK || plugs.checked[len(plugs.checked)-1] != "10.0.0.6/2" {
		t.Fatalf("post status=%d checked=%v", w.Code, plugs.checked)
	}
}

func TestPlugHandlers_TurnOnOff(t *testing.T) {
	s, plugs := newPlugTestService()

	w := serve(t, s, http.MethodPost, "/api/v1/plugs/on", `{"ip":"10.0.0.5"}`)
	if w.Code != http.StatusOK || len(plugs.onCalls) != 1 {
		t.Fatalf("on status=%d body=%s", w.Code, w.Body.String())
	}
	var st models.StatusSnapshot
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.CurrentState != models.StateOn {
		t.Fatalf("on body=%s", w.Body.String())
	}

	w = serve(t, s, http.MethodPost, "/api/v1/plugs/off", `{"ip":"10.0.0.5"}`)
	if w.Code != http.StatusOK || len(plugs.offCalls) != 1 {
		t.Fatalf("off status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestPlugHandlers_SwitchErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "bad body", body: `{"ip":5}`, want: http.StatusBadRequest},
		{name: "missing ip", body: `{}`, want: http.StatusBadRequest},
		{name: "blank ip", body: `{"ip":"  "}`, want: http.StatusBadRequest},
		{name: "unknown plug", body: `{"ip":"10.9.9.9"}`, err: service.ErrPlugNotFound, want: http.StatusNotFound},
		{name: "internal", body: `{"ip":"10.0.0.5"}`, err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, plugs := newPlugTestService()
			plugs.onErr = tc.err
			w := serve(t, s, http.MethodPost, "/api/v1/plugs/on", tc.body)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestEnergyHandler(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	energy := &mockEnergy{points: []smartplug_control.EnergyPoint{{Timestamp: ts, Power: 80.5, GrandTotal: 1.25}}}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Energy: energy}

	w := serve(t, s, http.MethodGet, "/api/v1/energy?ip=10.0.0.5&offset=10&limit=20", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if energy.lastIP != "10.0.0.5" || energy.lastOffset != 10 || energy.lastLimit != 20 {
		t.Fatalf("paging = %+v", energy)
	}
	var out struct {
		Count      int                             `json:"count"`
		EnergyData []smartplug_control.EnergyPoint `json:"energy_data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Count != 1 || out.EnergyData[0].GrandTotal != 1.25 {
		t.Fatalf("body=%s", w.Body.String())
	}

	serve(t, s, http.MethodGet, "/api/v1/energy?ip=10.0.0.5", "")
	if energy.lastOffset != 0 || energy.lastLimit != defaultEnergyLimit {
		t.Fatalf("defaults = %+v", energy)
	}

	for _, q := range []string{"", "?ip=", "?ip=x&offset=-1", "?ip=x&limit=0", "?ip=x&limit=abc"} {
		if w := serve(t, s, http.MethodGet, "/api/v1/energy"+q, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%q status=%d", q, w.Code)
		}
	}

	energy.err = errors.New("db down")
	if w := serve(t, s, http.MethodGet, "/api/v1/energy?ip=10.0.0.5", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("error status=%d", w.Code)
	}
}

func TestIdleHandlers(t *testing.T) {
	idle := &mockIdle{}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Idle: idle}

	w := serve(t, s, http.MethodPost, "/api/v1/idle/enable", "")
	var msg smartplug_control.TimeoutMessage
	_ = json.Unmarshal(w.Body.Bytes(), &msg)
	if w.Code != http.StatusOK || !msg.PowerOffWhenIdle || msg.Type != "timeout" || idle.enables != 1 {
		t.Fatalf("enable status=%d body=%s", w.Code, w.Body.String())
	}

	w = serve(t, s, http.MethodGet, "/api/v1/idle", "")
	var st service.IdleState
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if !st.Enabled {
		t.Fatalf("state body=%s", w.Body.String())
	}

	serve(t, s, http.MethodPost, "/api/v1/idle/abort", "")
	serve(t, s, http.MethodPost, "/api/v1/idle/disable", "")
	if idle.aborts != 1 || idle.disables != 1 || idle.enabled {
		t.Fatalf("idle = %+v", idle)
	}

	idle.enableErr = errors.New("db down")
	if w := serve(t, s, http.MethodPost, "/api/v1/idle/enable", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("enable error status=%d", w.Code)
	}
}

func TestPrintCostsHandler(t *testing.T) {
	costs := &mockPrintCosts{}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, PrintCosts: costs}

	w := serve(t, s, http.MethodGet, "/api/v1/print-costs", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" || costs.lastLimit != defaultPrintCostLimit {
		t.Fatalf("status=%d body=%s limit=%d", w.Code, w.Body.String(), costs.lastLimit)
	}

	costs.resp = []models.PrintCost{{ID: 1, Origin: "local", Path: "cube.gcode", EnergyKWh: 0.4, Cost: 0.12}}
	w = serve(t, s, http.MethodGet, "/api/v1/print-costs?limit=5", "")
	var out []models.PrintCost
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out) != 1 || out[0].Path != "cube.gcode" || costs.lastLimit != 5 {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&service.Service{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), statusOK) {
		t.Fatalf("health status=%d body=%s", w.Code, w.Body.String())
	}
}
