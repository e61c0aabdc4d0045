package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/engine"
	"github.com/petervdpas/roomcall/internal/recording"
)

func registerCalls(mux *http.ServeMux, eng *engine.Engine) {
	// GET lists live calls; POST places one.
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, eng.ActiveCalls())

		case http.MethodPost:
			var req struct {
				ConversationID string `json:"conversation_id"`
				MediaKind      string `json:"media_kind"`
			}
			if decodeJSON(w, r, &req) != nil {
				return
			}
			if req.ConversationID == "" {
				http.Error(w, "Missing conversation_id", http.StatusBadRequest)
				return
			}
			if req.MediaKind == "" {
				req.MediaKind = string(call.Voice)
			}
			kind, ok := call.ParseMediaKind(req.MediaKind)
			if !ok {
				http.Error(w, fmt.Sprintf("Unknown media_kind %q", req.MediaKind), http.StatusBadRequest)
				return
			}
			c, err := eng.StartCall(r.Context(), req.ConversationID, kind)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, c)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// /api/calls/{id} and /api/calls/{id}/{action}
	mux.HandleFunc("/api/calls/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/calls/"), "/")
		parts := strings.SplitN(tail, "/", 2)
		if parts[0] == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}
		callID := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			c, ok := eng.ActiveCall(callID)
			if !ok {
				writeError(w, callerr.Wrap(callerr.CodeNoSuchCall, "get call", "call %s", callID))
				return
			}
			writeJSON(w, c)
			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		callAction(w, r, eng, callID, parts[1])
	})
}

func callAction(w http.ResponseWriter, r *http.Request, eng *engine.Engine, callID, action string) {
	ctx := r.Context()
	var err error
	switch action {
	case "accept":
		var c call.Call
		if c, err = eng.AcceptCall(ctx, callID); err == nil {
			writeJSON(w, c)
			return
		}
	case "reject":
		err = eng.RejectCall(ctx, callID)
	case "end":
		err = eng.EndCall(ctx, callID)
	case "hold":
		err = eng.HoldCall(ctx, callID)
	case "resume":
		err = eng.ResumeCall(ctx, callID)
	case "mute":
		err = eng.Mute(ctx, callID)
	case "unmute":
		err = eng.Unmute(ctx, callID)
	case "toggle-audio":
		var enabled bool
		if enabled, err = eng.ToggleAudio(ctx, callID); err == nil {
			writeJSON(w, map[string]bool{"audio_enabled": enabled})
			return
		}
	case "camera/on":
		err = eng.EnableCamera(ctx, callID)
	case "camera/off":
		err = eng.DisableCamera(ctx, callID)
	case "toggle-video":
		var enabled bool
		if enabled, err = eng.ToggleVideo(ctx, callID); err == nil {
			writeJSON(w, map[string]bool{"video_enabled": enabled})
			return
		}
	case "speaker/on":
		err = eng.EnableSpeaker(ctx, callID)
	case "speaker/off":
		err = eng.DisableSpeaker(ctx, callID)
	case "screen-share/start":
		err = eng.StartScreenShare(ctx, callID)
	case "screen-share/stop":
		err = eng.StopScreenShare(ctx, callID)
	case "dtmf":
		var req struct {
			Tones string `json:"tones"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		err = eng.SendDTMF(ctx, callID, req.Tones)
	case "recording/start":
		var opts recording.Options
		if decodeJSON(w, r, &opts) != nil {
			return
		}
		err = eng.StartRecording(ctx, callID, opts)
	case "recording/stop":
		var res recording.Result
		if res, err = eng.StopRecording(ctx, callID); err == nil {
			writeBlob(w, res)
			return
		}
	case "recording/pause":
		err = eng.PauseRecording(ctx, callID)
	case "recording/resume":
		err = eng.ResumeRecording(ctx, callID)
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// writeBlob answers with a finished recording as the response body.
func writeBlob(w http.ResponseWriter, res recording.Result) {
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Blob)))
	w.Header().Set("X-Recording-Duration-Ms", strconv.FormatInt(res.Duration.Milliseconds(), 10))
	if _, err := w.Write(res.Blob); err != nil {
		log.Debugf("[%s] write recording: %v", res.ID, err)
	}
}
