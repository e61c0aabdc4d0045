package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/engine"
	"github.com/petervdpas/roomcall/internal/group"
	"github.com/petervdpas/roomcall/internal/recording"
	"github.com/petervdpas/roomcall/internal/transport"
)

func registerGroups(mux *http.ServeMux, eng *engine.Engine) {
	mux.HandleFunc("/api/groups", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, eng.GroupCalls())

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
				req.MediaKind = string(call.Video)
			}
			kind, ok := call.ParseMediaKind(req.MediaKind)
			if !ok {
				http.Error(w, fmt.Sprintf("Unknown media_kind %q", req.MediaKind), http.StatusBadRequest)
				return
			}
			g, err := eng.CreateGroupCall(r.Context(), req.ConversationID, kind)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, g)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// /api/groups/{conversation} and /api/groups/{conversation}/{action}
	mux.HandleFunc("/api/groups/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/groups/"), "/")
		parts := strings.SplitN(tail, "/", 2)
		if parts[0] == "" {
			http.Error(w, "missing conversation id", http.StatusBadRequest)
			return
		}
		conv := parts[0]

		if len(parts) == 1 || parts[1] == "local" {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if len(parts) == 2 {
				st, err := eng.GroupLocalState(conv)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, st)
				return
			}
			g, ok := eng.GroupCall(conv)
			if !ok {
				writeError(w, callerr.Wrap(callerr.CodeNoSuchGroupCall, "get group call", "conversation %s", conv))
				return
			}
			writeJSON(w, g)
			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		groupAction(w, r, eng, conv, parts[1])
	})
}

func groupAction(w http.ResponseWriter, r *http.Request, eng *engine.Engine, conv, action string) {
	ctx := r.Context()
	var err error
	switch action {
	case "join":
		var opts group.EnterOptions
		if decodeJSON(w, r, &opts) != nil {
			return
		}
		var g group.GroupCall
		if g, err = eng.JoinGroupCall(ctx, conv, opts); err == nil {
			writeJSON(w, g)
			return
		}
	case "leave":
		err = eng.LeaveGroupCall(ctx, conv)
	case "end":
		err = eng.EndGroupCall(ctx, conv)
	case "hold":
		err = eng.HoldGroupCall(ctx, conv)
	case "resume":
		err = eng.ResumeGroupCall(ctx, conv)
	case "participants":
		var req struct {
			UserID   string `json:"user_id"`
			DeviceID string `json:"device_id"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.UserID == "" {
			http.Error(w, "Missing user_id", http.StatusBadRequest)
			return
		}
		err = eng.ConnectGroupParticipant(ctx, conv, req.UserID, req.DeviceID)
	case "participants/remove":
		var req struct {
			UserID string `json:"user_id"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		err = eng.RemoveGroupParticipant(ctx, conv, req.UserID)
	case "mute":
		var req struct {
			Muted bool `json:"muted"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		err = eng.SetGroupMuted(ctx, conv, req.Muted)
	case "video":
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		err = eng.SetGroupVideoEnabled(ctx, conv, req.Enabled)
	case "screen-share/start":
		err = eng.StartGroupScreenShare(ctx, conv)
	case "screen-share/stop":
		err = eng.StopGroupScreenShare(ctx, conv)
	case "recording/start":
		var opts recording.Options
		if decodeJSON(w, r, &opts) != nil {
			return
		}
		err = eng.StartGroupRecording(ctx, conv, opts)
	case "recording/stop":
		var res recording.Result
		if res, err = eng.StopGroupRecording(ctx, conv); err == nil {
			writeBlob(w, res)
			return
		}
	case "recording/pause":
		err = eng.PauseGroupRecording(ctx, conv)
	case "recording/resume":
		err = eng.ResumeGroupRecording(ctx, conv)
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

func registerICE(mux *http.ServeMux, eng *engine.Engine) {
	mux.HandleFunc("/api/ice", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, eng.ICEServers())
		case http.MethodPut:
			var servers []transport.ICEServer
			if decodeJSON(w, r, &servers) != nil {
				return
			}
			eng.SetICEServers(servers)
			writeJSON(w, map[string]int{"servers": len(servers)})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
