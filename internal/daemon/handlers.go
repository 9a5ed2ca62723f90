package daemon

import (
	"encoding/json"
	"errors"

	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/run"
	"github.com/troupehq/troupe/internal/uds"
)

type startParams struct {
	Plan string `json:"plan"`
}

type respondParams struct {
	RunID     string `json:"run_id"`
	StepIndex int    `json:"step_index"`
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

type forceParams struct {
	RunID     string `json:"run_id"`
	StepIndex int    `json:"step_index"`
	Reason    string `json:"reason"`
}

type runIDParams struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// registerHandlers registers the uds request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("daemon.ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("daemon.shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via uds")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("run.start", d.handleRunStart)
	d.server.Handle("run.respond", d.handleRunRespond)
	d.server.Handle("run.force", d.handleRunForce)
	d.server.Handle("run.stop", d.handleRunStop)
	d.server.Handle("run.fail", d.handleRunFail)
	d.server.Handle("run.status", d.handleRunStatus)
	d.server.Handle("run.list", d.handleRunList)
}

func (d *Daemon) handleRunStart(req *uds.Request) *uds.Response {
	var params startParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}
	if params.Plan == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "plan content is required")
	}

	runID, err := d.handler.StartRun([]byte(params.Plan))
	if err != nil {
		var verr *model.PlanValidationError
		switch {
		case errors.As(err, &verr):
			return uds.ErrorResponse(uds.ErrCodeValidation, verr.Msg)
		case errors.Is(err, run.ErrDuplicateRun):
			return uds.ErrorResponse(uds.ErrCodeDuplicate, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}

	d.log(LogLevelInfo, "run started id=%s", runID)
	return uds.SuccessResponse(map[string]string{"run_id": runID})
}

func (d *Daemon) handleRunRespond(req *uds.Request) *uds.Response {
	var params respondParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}
	if params.RunID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "run_id is required")
	}

	err := d.handler.SubmitResponse(params.RunID, params.StepIndex, params.Seq,
		model.AgentRole(params.Role), params.Text)
	if err != nil {
		switch {
		case errors.Is(err, run.ErrRunNotFound):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		case errors.Is(err, run.ErrNotRunning):
			return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}
	return uds.SuccessResponse(map[string]string{"status": "accepted"})
}

func (d *Daemon) handleRunForce(req *uds.Request) *uds.Response {
	var params forceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}

	err := d.handler.ForceRun(params.RunID, params.StepIndex, params.Reason)
	if err != nil {
		switch {
		case errors.Is(err, run.ErrRunNotFound):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		case errors.Is(err, run.ErrNotRunning):
			return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}
	d.log(LogLevelWarn, "forced progression run=%s step=%d reason=%q", params.RunID, params.StepIndex, params.Reason)
	return uds.SuccessResponse(map[string]string{"status": "forced"})
}

func (d *Daemon) handleRunStop(req *uds.Request) *uds.Response {
	var params runIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}

	if err := d.handler.StopRun(params.RunID, params.Reason); err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.log(LogLevelInfo, "run stopped id=%s reason=%q", params.RunID, params.Reason)
	return uds.SuccessResponse(map[string]string{"status": "stopped"})
}

func (d *Daemon) handleRunFail(req *uds.Request) *uds.Response {
	var params runIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}

	if err := d.handler.FailRun(params.RunID, params.Reason); err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.log(LogLevelWarn, "run failed id=%s reason=%q", params.RunID, params.Reason)
	return uds.SuccessResponse(map[string]string{"status": "failed"})
}

func (d *Daemon) handleRunStatus(req *uds.Request) *uds.Response {
	var params runIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}

	state, err := d.handler.RunStatus(params.RunID)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(state)
}

func (d *Daemon) handleRunList(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{"runs": d.handler.ListRuns()})
}
