package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"smartplug_control/internal/models"
	"smartplug_control/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	statusOK = "ok"

	errTurnOn          = "failed to turn plug on"
	errTurnOff         = "failed to turn plug off"
	errPlugNotFound    = "plug not configured"
	errEnergy          = "failed to load energy data"
	errIdle            = "failed to update automatic shutdown"
	errPrintCosts      = "failed to load print costs"
	errInvalidBodyPref = "invalid body: "
	errMissingIP       = "missing 'ip'"

	defaultEnergyLimit    = 100
	maxEnergyLimit        = 10_000
	defaultPrintCostLimit = 50
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// broadcast pushes a switch result to UI clients, as the router does for
// automatic switching.
func (h *Handler) broadcast(msg any) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

// PlugRequest is the body of the plug switching endpoints.
type PlugRequest struct {
	// Plug address, "host" or "host/N" for outlet N of a strip
	IP string `json:"ip" binding:"required" example:"192.168.0.20"`
}

func (h *Handler) bindPlug(c *gin.Context) (string, bool) {
	var req PlugRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return "", false
	}
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingIP})
		return "", false
	}
	return ip, true
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      List configured plugs
// @Tags         plugs
// @Produce      json
// @Success      200  {array}   models.PlugConfig
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/plugs [get]
// @Security     BearerAuth
func (h *Handler) listPlugs(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.ListPlugs())
}

// @Summary      Plug status
// @Description  Without 'ip' every configured plug is checked.
// @Tags         plugs
// @Produce      json
// @Param        ip   query     string  false  "Plug address"
// @Success      200  {object}  models.StatusSnapshot
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/plugs/status [get]
// @Security     BearerAuth
func (h *Handler) getStatus(c *gin.Context) {
	ctx := c.Request.Context()
	if ip := strings.TrimSpace(c.Query("ip")); ip != "" {
		c.JSON(http.StatusOK, h.services.CheckStatus(ctx, ip))
		return
	}
	c.JSON(http.StatusOK, h.services.CheckStatuses(ctx))
}

// @Summary      Check plug status
// @Tags         plugs
// @Accept       json
// @Produce      json
// @Param        body  body      PlugRequest  true  "Plug"
// @Success      200   {object}  models.StatusSnapshot
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Router       /api/v1/plugs/status [post]
// @Security     BearerAuth
func (h *Handler) checkStatus(c *gin.Context) {
	ip, ok := h.bindPlug(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.services.CheckStatus(c.Request.Context(), ip))
}

// @Summary      Turn plug on
// @Tags         plugs
// @Accept       json
// @Produce      json
// @Param        body  body      PlugRequest  true  "Plug"
// @Success      200   {object}  models.StatusSnapshot
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Router       /api/v1/plugs/on [post]
// @Security     BearerAuth
func (h *Handler) turnOn(c *gin.Context) {
	ip, ok := h.bindPlug(c)
	if !ok {
		return
	}
	st, err := h.services.TurnOn(c.Request.Context(), ip)
	if h.switchFailed(c, err, errTurnOn, "plug_turn_on_failed", ip) {
		return
	}
	h.broadcast(st)
	c.JSON(http.StatusOK, st)
}

// @Summary      Turn plug off
// @Tags         plugs
// @Accept       json
// @Produce      json
// @Param        body  body      PlugRequest  true  "Plug"
// @Success      200   {object}  models.StatusSnapshot
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Router       /api/v1/plugs/off [post]
// @Security     BearerAuth
func (h *Handler) turnOff(c *gin.Context) {
	ip, ok := h.bindPlug(c)
	if !ok {
		return
	}
	st, err := h.services.TurnOff(c.Request.Context(), ip)
	if h.switchFailed(c, err, errTurnOff, "plug_turn_off_failed", ip) {
		return
	}
	h.broadcast(st)
	c.JSON(http.StatusOK, st)
}

func (h *Handler) switchFailed(c *gin.Context, err error, userMsg, logKey, ip string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, service.ErrPlugNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errPlugNotFound})
	default:
		h.logAndJSONError(c, http.StatusInternalServerError, userMsg, logKey, err, "ip", ip)
	}
	return true
}

// @Summary      Energy history
// @Description  Most recent rows first.
// @Tags         energy
// @Produce      json
// @Param        ip      query     string  true   "Plug address"
// @Param        offset  query     int     false  "Rows to skip"
// @Param        limit   query     int     false  "Rows to return (default 100)"
// @Success      200     {object}  map[string]interface{}  "count, energy_data"
// @Failure      400     {object}  map[string]string
// @Failure      401     {object}  map[string]string
// @Failure      500     {object}  map[string]string
// @Router       /api/v1/energy [get]
// @Security     BearerAuth
func (h *Handler) getEnergy(c *gin.Context) {
	ip := strings.TrimSpace(c.Query("ip"))
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingIP})
		return
	}
	offset, ok := queryInt(c, "offset", 0, 0, -1)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultEnergyLimit, 1, maxEnergyLimit)
	if !ok {
		return
	}
	rows, err := h.services.GetEnergyData(c.Request.Context(), ip, offset, limit)
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errEnergy, "energy_list_failed", err, "ip", ip)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "energy_data": rows})
}

// queryInt parses an optional integer query parameter within [lo, hi];
// hi < 0 means unbounded. It writes a 400 and returns false when invalid.
func queryInt(c *gin.Context, key string, def, lo, hi int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid '" + key + "'"})
		return 0, false
	}
	return n, true
}

// @Summary      Automatic shutdown state
// @Tags         idle
// @Produce      json
// @Success      200  {object}  service.IdleState
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/idle [get]
// @Security     BearerAuth
func (h *Handler) getIdle(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.State())
}

// @Summary      Enable automatic shutdown
// @Tags         idle
// @Produce      json
// @Success      200  {object}  smartplug_control.TimeoutMessage
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/idle/enable [post]
// @Security     BearerAuth
func (h *Handler) enableIdle(c *gin.Context) {
	if err := h.services.Enable(c.Request.Context()); err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errIdle, "idle_enable_failed", err)
		return
	}
	c.JSON(http.StatusOK, h.services.TimeoutMessage())
}

// @Summary      Disable automatic shutdown
// @Tags         idle
// @Produce      json
// @Success      200  {object}  smartplug_control.TimeoutMessage
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/idle/disable [post]
// @Security     BearerAuth
func (h *Handler) disableIdle(c *gin.Context) {
	if err := h.services.Disable(c.Request.Context()); err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errIdle, "idle_disable_failed", err)
		return
	}
	c.JSON(http.StatusOK, h.services.TimeoutMessage())
}

// @Summary      Abort a running shutdown countdown
// @Tags         idle
// @Produce      json
// @Success      200  {object}  smartplug_control.TimeoutMessage
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/idle/abort [post]
// @Security     BearerAuth
func (h *Handler) abortIdle(c *gin.Context) {
	h.services.Abort(c.Request.Context())
	c.JSON(http.StatusOK, h.services.TimeoutMessage())
}

// @Summary      Recorded print costs
// @Tags         energy
// @Produce      json
// @Param        limit  query     int  false  "Rows to return (default 50)"
// @Success      200    {array}   models.PrintCost
// @Failure      400    {object}  map[string]string
// @Failure      401    {object}  map[string]string
// @Failure      500    {object}  map[string]string
// @Router       /api/v1/print-costs [get]
// @Security     BearerAuth
func (h *Handler) getPrintCosts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPrintCostLimit, 1, maxEnergyLimit)
	if !ok {
		return
	}
	costs, err := h.services.ListPrintCosts(c.Request.Context(), limit)
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errPrintCosts, "print_costs_list_failed", err)
		return
	}
	if costs == nil {
		costs = []models.PrintCost{}
	}
	c.JSON(http.StatusOK, costs)
}
