package handlers

import (
	"net/http"
	"strings"

	"smartplug_control/internal/models"

	"github.com/gin-gonic/gin"
)

// Commands of the simple API.
const (
	cmdTurnOn                   = "turnOn"
	cmdTurnOff                  = "turnOff"
	cmdCheckStatus              = "checkStatus"
	cmdGetEnergyData            = "getEnergyData"
	cmdEnableAutomaticShutdown  = "enableAutomaticShutdown"
	cmdDisableAutomaticShutdown = "disableAutomaticShutdown"
	cmdAbortAutomaticShutdown   = "abortAutomaticShutdown"
	cmdGetListPlug              = "getListPlug"
)

// CommandRequest is the body of the simple command API.
type CommandRequest struct {
	// One of turnOn, turnOff, checkStatus, getEnergyData, enableAutomaticShutdown,
	// disableAutomaticShutdown, abortAutomaticShutdown, getListPlug
	Command string `json:"command" binding:"required" example:"turnOn"`
	IP      string `json:"ip,omitempty" example:"192.168.0.20"`
	// getEnergyData paging
	RecordOffset int `json:"record_offset,omitempty"`
	RecordLimit  int `json:"record_limit,omitempty"`
}

// @Summary      Simple command API
// @Description  Single endpoint taking {"command":...}. Switching commands push the new status to websocket clients; the idle commands push a timeout message.
// @Tags         plugs
// @Accept       json
// @Produce      json
// @Param        body  body      CommandRequest  true  "Command"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      500   {object}  map[string]string
// @Router       /api/v1/command [post]
// @Security     BearerAuth
func (h *Handler) command(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	ctx := c.Request.Context()
	ip := strings.TrimSpace(req.IP)

	needsIP := req.Command == cmdTurnOn || req.Command == cmdTurnOff ||
		req.Command == cmdCheckStatus || req.Command == cmdGetEnergyData
	if needsIP && ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingIP})
		return
	}

	switch req.Command {
	case cmdTurnOn:
		st, err := h.services.TurnOn(ctx, ip)
		if h.switchFailed(c, err, errTurnOn, "plug_turn_on_failed", ip) {
			return
		}
		h.broadcast(st)
		c.JSON(http.StatusOK, st)

	case cmdTurnOff:
		st, err := h.services.TurnOff(ctx, ip)
		if h.switchFailed(c, err, errTurnOff, "plug_turn_off_failed", ip) {
			return
		}
		h.broadcast(st)
		c.JSON(http.StatusOK, st)

	case cmdCheckStatus:
		c.JSON(http.StatusOK, h.services.CheckStatus(ctx, ip))

	case cmdGetEnergyData:
		limit := req.RecordLimit
		if limit <= 0 {
			limit = defaultEnergyLimit
		}
		offset := max(req.RecordOffset, 0)
		points, err := h.services.GetEnergyData(ctx, ip, offset, limit)
		if err != nil {
			h.logAndJSONError(c, http.StatusInternalServerError, errEnergy, "energy_list_failed", err, "ip", ip)
			return
		}
		// rows as [timestamp, current, power, grandtotal, voltage]
		rows := make([][]any, 0, len(points))
		for _, p := range points {
			rows = append(rows, []any{p.Timestamp, p.Current, p.Power, p.GrandTotal, p.Voltage})
		}
		c.JSON(http.StatusOK, gin.H{"energy_data": rows})

	case cmdEnableAutomaticShutdown:
		if err := h.services.Enable(ctx); err != nil {
			h.logAndJSONError(c, http.StatusInternalServerError, errIdle, "idle_enable_failed", err)
			return
		}
		c.JSON(http.StatusOK, h.services.TimeoutMessage())

	case cmdDisableAutomaticShutdown:
		if err := h.services.Disable(ctx); err != nil {
			h.logAndJSONError(c, http.StatusInternalServerError, errIdle, "idle_disable_failed", err)
			return
		}
		c.JSON(http.StatusOK, h.services.TimeoutMessage())

	case cmdAbortAutomaticShutdown:
		h.services.Abort(ctx)
		c.JSON(http.StatusOK, h.services.TimeoutMessage())

	case cmdGetListPlug:
		c.JSON(http.StatusOK, h.services.ListPlugs())

	default:
		c.JSON(http.StatusOK, models.UnknownStatus(ip))
	}
}
