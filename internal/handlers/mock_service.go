package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"smartplug_control"
	"smartplug_control/internal/models"
	"smartplug_control/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastSignUpPassword string
	lastGenUsername    string
	lastGenPassword    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(_ context.Context, username, password string) (int, error) {
	m.lastSignUpUsername = username
	m.lastSignUpPassword = password
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(_ context.Context, username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockPlugs struct {
	plugs    []models.PlugConfig
	state    string
	onErr    error
	offErr   error
	onCalls  []string
	offCalls []string
	checked  []string
}

func (m *mockPlugs) snapshot(ip string) models.StatusSnapshot {
	st := m.state
	if st == "" {
		st = models.StateOn
	}
	return models.StatusSnapshot{CurrentState: st, IP: ip}
}

func (m *mockPlugs) TurnOn(_ context.Context, ip string) (models.StatusSnapshot, error) {
	m.onCalls = append(m.onCalls, ip)
	if m.onErr != nil {
		return models.UnknownStatus(ip), m.onErr
	}
	return m.snapshot(ip), nil
}
func (m *mockPlugs) TurnOff(_ context.Context, ip string) (models.StatusSnapshot, error) {
	m.offCalls = append(m.offCalls, ip)
	if m.offErr != nil {
		return models.UnknownStatus(ip), m.offErr
	}
	return models.StatusSnapshot{CurrentState: models.StateOff, IP: ip}, nil
}
func (m *mockPlugs) CheckStatus(_ context.Context, ip string) models.StatusSnapshot {
	m.checked = append(m.checked, ip)
	return m.snapshot(ip)
}
func (m *mockPlugs) CheckStatuses(_ context.Context) []models.StatusSnapshot {
	out := make([]models.StatusSnapshot, 0, len(m.plugs))
	for _, p := range m.plugs {
		out = append(out, m.snapshot(p.IP))
	}
	return out
}
func (m *mockPlugs) ListPlugs() []models.PlugConfig { return m.plugs }
func (m *mockPlugs) SetLED(context.Context, string, service.LEDValues, bool) error {
	return nil
}

type mockEnergy struct {
	points     []smartplug_control.EnergyPoint
	err        error
	lastIP     string
	lastOffset int
	lastLimit  int
}

func (m *mockEnergy) GetEnergyData(_ context.Context, ip string, offset, limit int) ([]smartplug_control.EnergyPoint, error) {
	m.lastIP, m.lastOffset, m.lastLimit = ip, offset, limit
	return m.points, m.err
}

type mockIdle struct {
	enabled   bool
	enableErr error
	enables   int
	disables  int
	aborts    int
}

func (m *mockIdle) Enable(context.Context) error {
	m.enables++
	if m.enableErr != nil {
		return m.enableErr
	}
	m.enabled = true
	return nil
}
func (m *mockIdle) Disable(context.Context) error {
	m.disables++
	m.enabled = false
	return nil
}
func (m *mockIdle) Abort(context.Context) { m.aborts++ }
func (m *mockIdle) State() service.IdleState {
	return service.IdleState{Enabled: m.enabled}
}
func (m *mockIdle) TimeoutMessage() smartplug_control.TimeoutMessage {
	return smartplug_control.NewTimeoutMessage(m.enabled, nil)
}

type mockEventLog struct {
	resp     []models.PlugEvent
	err      error
	lastFrom time.Time
	lastTo   time.Time
	lastType string
	lastIP   string
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]models.PlugEvent, error) {
	m.lastFrom = f.From
	m.lastTo = f.To
	m.lastType = f.Type
	m.lastIP = f.IP
	return m.resp, m.err
}

type mockPrintCosts struct {
	resp      []models.PrintCost
	err       error
	lastLimit int
}

func (m *mockPrintCosts) ListPrintCosts(_ context.Context, limit int) ([]models.PrintCost, error) {
	m.lastLimit = limit
	return m.resp, m.err
}

type mockCommands struct {
	mu     sync.Mutex
	events []string
}

func (m *mockCommands) OnEvent(_ context.Context, name string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, name)
}
func (m *mockCommands) ProcessGcode(context.Context, string, string)     {}
func (m *mockCommands) ProcessAtCommand(context.Context, string, string) {}
func (m *mockCommands) OnTemperatures(map[string]float64)                {}
func (m *mockCommands) OnProgress(context.Context, string, string, int)  {}
func (m *mockCommands) OnConnectRequest(context.Context)                 {}
func (m *mockCommands) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
