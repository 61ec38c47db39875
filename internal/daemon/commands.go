package daemon

import (
	"fmt"

	"github.com/dokzlo13/alsd/internal/control"
	"github.com/dokzlo13/alsd/internal/eventbus"
	"github.com/dokzlo13/alsd/internal/mode"
	"github.com/dokzlo13/alsd/internal/protocol"
)

// handle applies one command and sends exactly one response.
func (l *Loop) handle(cmd control.Command) {
	resp := l.apply(cmd)
	l.deps.Responder.Respond(cmd.ConnID, resp)
}

func (l *Loop) apply(cmd control.Command) protocol.Response {
	if cmd.Err != nil {
		l.logger.Debug().Err(cmd.Err).Str("conn_id", cmd.ConnID).Msg("Rejected malformed request")
		return protocol.ParseFailure(cmd.Err)
	}

	req := cmd.Request
	if req.Version != "" && req.Version != protocol.Version {
		l.logger.Warn().
			Str("conn_id", cmd.ConnID).
			Str("client_version", req.Version).
			Str("server_version", protocol.Version).
			Msg("Protocol version mismatch")
	}

	var resp protocol.Response
	switch req.Kind() {
	case protocol.GetStatus:
		resp = protocol.Success("Status retrieved successfully", statusData(l.snapshot(l.now())))
	case protocol.SetMode:
		resp = l.setMode(req, cmd.ConnID)
	case protocol.SetBrightness:
		resp = l.setBrightness(req, cmd.ConnID)
	case protocol.AdjustBrightness:
		resp = l.adjustBrightness(req, cmd.ConnID)
	case protocol.GetConfig:
		resp = protocol.Success("Configuration retrieved successfully", l.configData())
	default:
		l.logger.Debug().Str("conn_id", cmd.ConnID).Str("command", req.Command).Msg("Unknown command")
		return protocol.UnknownCommand(req.Command)
	}

	if resp.Status == protocol.StatusSuccess && req.Kind() != protocol.GetStatus && req.Kind() != protocol.GetConfig {
		data := map[string]interface{}{"command": req.Command, "conn_id": cmd.ConnID}
		for k, v := range req.Params {
			data[k] = v
		}
		l.publish(eventbus.EventTypeCommandApplied, data)
	}
	return resp
}

func (l *Loop) setMode(req protocol.Request, connID string) protocol.Response {
	name, err := req.StringParam("mode")
	if err != nil {
		return protocol.InvalidParams(err)
	}

	// Clients may only request the persistent modes; manual_temporary is
	// entered implicitly by brightness overrides.
	var m mode.Mode
	switch name {
	case "auto":
		m = mode.Auto
	case "manual":
		m = mode.Manual
	default:
		return protocol.InvalidParams(fmt.Errorf("%w: mode must be 'auto' or 'manual'", protocol.ErrInvalidParams))
	}

	l.deps.Machine.SetMode(m)
	l.noteModeChange("set_mode", connID)
	l.logger.Info().Str("conn_id", connID).Str("mode", m.String()).Msg("Mode set by client")

	return protocol.Success(fmt.Sprintf("Mode set to %s", m), map[string]interface{}{
		"mode": m.String(),
	})
}

func (l *Loop) setBrightness(req protocol.Request, connID string) protocol.Response {
	b, err := req.IntParam("brightness", 0, 100)
	if err != nil {
		return protocol.InvalidParams(err)
	}

	applied := l.deps.Machine.Override(b)
	l.noteModeChange("set_brightness", connID)
	l.logger.Info().Str("conn_id", connID).Int("brightness", applied).Msg("Brightness set by client")

	return protocol.Success(fmt.Sprintf("Brightness set to %d", applied), map[string]interface{}{
		"brightness": applied,
		"mode":       l.deps.Machine.Mode().String(),
	})
}

func (l *Loop) adjustBrightness(req protocol.Request, connID string) protocol.Response {
	delta, err := req.IntParam("delta", -100, 100)
	if err != nil {
		return protocol.InvalidParams(err)
	}

	applied := l.deps.Machine.Adjust(delta)
	l.noteModeChange("adjust_brightness", connID)
	l.logger.Info().Str("conn_id", connID).Int("delta", delta).Int("brightness", applied).Msg("Brightness adjusted by client")

	return protocol.Success(fmt.Sprintf("Brightness adjusted to %d", applied), map[string]interface{}{
		"brightness": applied,
		"delta":      delta,
		"mode":       l.deps.Machine.Mode().String(),
	})
}

func (l *Loop) configData() map[string]interface{} {
	st := l.deps.Machine.Snapshot()
	zones := l.deps.Selector.Zones()

	zoneInfo := make([]map[string]interface{}, 0, len(zones))
	for i := range zones {
		z := &zones[i]
		zoneInfo = append(zoneInfo, map[string]interface{}{
			"name":       z.Name,
			"lux_range":  []float64{z.LuxMin, z.LuxMax},
			"brightness": []int{z.BrightnessMin, z.BrightnessMax},
			"curve":      string(z.Curve),
		})
	}

	return map[string]interface{}{
		"mode":                    st.Mode.String(),
		"manual_brightness":       st.ManualBrightness,
		"last_auto_brightness":    st.LastAutoBrightness,
		"brightness_offset":       st.BrightnessOffset,
		"auto_resume_timeout_sec": int(l.cfg.AutoResumeTimeout.Seconds()),
		"update_interval_ms":      l.cfg.UpdateInterval.Milliseconds(),
		"fallback_brightness":     l.cfg.FallbackBrightness,
		"hysteresis_percent":      l.deps.Selector.Hysteresis(),
		"zones":                   zoneInfo,
	}
}
