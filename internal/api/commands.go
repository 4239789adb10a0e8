package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/meridian-neuro/retinomap/internal/acq"
	"github.com/meridian-neuro/retinomap/internal/frame"
	"github.com/meridian-neuro/retinomap/internal/httputil"
)

// Command type tags. The set is closed: commandHandler dispatches every tag
// listed here and rejects anything else.
const (
	CmdStartPreview   = "start_preview"
	CmdStopPreview    = "stop_preview"
	CmdStartRecording = "start_recording"
	CmdStopRecording  = "stop_recording"
	CmdStartPlayback  = "start_playback"
	CmdStopPlayback   = "stop_playback"
	CmdGetStatus      = "get_acquisition_status"
)

// Command is the tagged request body of /api/acquisition/command. Which
// fields are meaningful depends on Type; unused fields are ignored.
type Command struct {
	Type string `json:"type"`

	// start_preview
	Direction string `json:"direction,omitempty"`

	// start_recording
	SessionName string   `json:"session_name,omitempty"`
	Directions  []string `json:"directions,omitempty"`
	Cycles      int      `json:"cycles,omitempty"`
}

// CommandResult is the uniform response envelope.
type CommandResult struct {
	Success bool        `json:"success"`
	Status  *acq.Status `json:"status,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid command body: %v", err))
		return
	}

	var err error
	switch cmd.Type {
	case CmdStartPreview:
		err = s.manager.StartPreview(frame.Direction(cmd.Direction))
	case CmdStopPreview:
		err = s.manager.StopPreview()
	case CmdStartRecording:
		dirs := make([]frame.Direction, len(cmd.Directions))
		for i, d := range cmd.Directions {
			dirs[i] = frame.Direction(d)
		}
		err = s.manager.StartRecording(cmd.SessionName, dirs, cmd.Cycles)
	case CmdStopRecording:
		err = s.manager.StopRecording()
	case CmdStartPlayback:
		err = s.manager.StartPlayback(cmd.SessionName)
	case CmdStopPlayback:
		err = s.manager.StopPlayback()
	case CmdGetStatus:
		// Status is read-only and never fails.
	default:
		httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown command type %q", cmd.Type))
		return
	}

	status := s.manager.Status()
	if err != nil {
		httputil.WriteJSON(w, commandErrorCode(err),
			CommandResult{Success: false, Status: &status, Error: err.Error()})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, CommandResult{Success: true, Status: &status})
}

// commandErrorCode maps the acquisition error categories onto HTTP codes.
func commandErrorCode(err error) int {
	switch {
	case errors.Is(err, acq.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, acq.ErrFatalHardware):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
