package engine

import (
	"context"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/recording"
)

// StartCall places a call in conversationID.
func (e *Engine) StartCall(ctx context.Context, conversationID string, kind call.MediaKind) (call.Call, error) {
	e.join(ctx, conversationID)
	return e.calls.Start(ctx, conversationID, kind)
}

func (e *Engine) AcceptCall(ctx context.Context, callID string) (call.Call, error) {
	return e.calls.Accept(ctx, callID)
}

func (e *Engine) RejectCall(ctx context.Context, callID string) error {
	return e.calls.Reject(ctx, callID)
}

func (e *Engine) EndCall(ctx context.Context, callID string) error {
	return e.calls.End(ctx, callID)
}

func (e *Engine) HoldCall(ctx context.Context, callID string) error {
	return e.calls.Hold(ctx, callID)
}

func (e *Engine) ResumeCall(ctx context.Context, callID string) error {
	return e.calls.Resume(ctx, callID)
}

func (e *Engine) Mute(ctx context.Context, callID string) error {
	return e.calls.Mute(ctx, callID)
}

func (e *Engine) Unmute(ctx context.Context, callID string) error {
	return e.calls.Unmute(ctx, callID)
}

// ToggleAudio flips the microphone and reports whether it is now enabled.
func (e *Engine) ToggleAudio(ctx context.Context, callID string) (bool, error) {
	return e.calls.ToggleAudio(ctx, callID)
}

func (e *Engine) EnableCamera(ctx context.Context, callID string) error {
	return e.calls.EnableCamera(ctx, callID)
}

func (e *Engine) DisableCamera(ctx context.Context, callID string) error {
	return e.calls.DisableCamera(ctx, callID)
}

// ToggleVideo flips the camera and reports whether it is now enabled.
func (e *Engine) ToggleVideo(ctx context.Context, callID string) (bool, error) {
	return e.calls.ToggleVideo(ctx, callID)
}

func (e *Engine) EnableSpeaker(ctx context.Context, callID string) error {
	return e.calls.EnableSpeaker(ctx, callID)
}

func (e *Engine) DisableSpeaker(ctx context.Context, callID string) error {
	return e.calls.DisableSpeaker(ctx, callID)
}

func (e *Engine) StartScreenShare(ctx context.Context, callID string) error {
	return e.calls.StartScreenShare(ctx, callID)
}

func (e *Engine) StopScreenShare(ctx context.Context, callID string) error {
	return e.calls.StopScreenShare(ctx, callID)
}

func (e *Engine) SendDTMF(ctx context.Context, callID, tones string) error {
	return e.calls.SendDTMF(ctx, callID, tones)
}

func (e *Engine) StartRecording(ctx context.Context, callID string, opts recording.Options) error {
	return e.callRec.Start(ctx, callID, opts)
}

func (e *Engine) StopRecording(ctx context.Context, callID string) (recording.Result, error) {
	return e.callRec.Stop(ctx, callID)
}

func (e *Engine) PauseRecording(ctx context.Context, callID string) error {
	return e.callRec.Pause(ctx, callID)
}

func (e *Engine) ResumeRecording(ctx context.Context, callID string) error {
	return e.callRec.Resume(ctx, callID)
}

// ActiveCall returns a snapshot of a live call.
func (e *Engine) ActiveCall(callID string) (call.Call, bool) {
	return e.calls.Get(callID)
}

func (e *Engine) ActiveCalls() []call.Call {
	return e.calls.List()
}
