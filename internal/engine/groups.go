package engine

import (
	"context"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/group"
	"github.com/petervdpas/roomcall/internal/recording"
)

// CreateGroupCall returns the live group call of conversationID, creating
// one owned by this user when there is none.
func (e *Engine) CreateGroupCall(ctx context.Context, conversationID string, kind call.MediaKind) (group.GroupCall, error) {
	e.join(ctx, conversationID)

	e.createMu.Lock()
	defer e.createMu.Unlock()
	if g, ok := e.groups.Get(conversationID); ok && !g.State.IsTerminal() {
		log.Debugf("[%s] group call %s already exists", conversationID, g.ID)
		return g, nil
	}
	return e.groups.Create(conversationID, kind, e.out.SelfID()), nil
}

func (e *Engine) JoinGroupCall(ctx context.Context, conversationID string, opts group.EnterOptions) (group.GroupCall, error) {
	return e.groups.Enter(ctx, conversationID, opts)
}

func (e *Engine) LeaveGroupCall(ctx context.Context, conversationID string) error {
	return e.groups.Leave(ctx, conversationID)
}

// EndGroupCall terminates the group call for every participant.
func (e *Engine) EndGroupCall(ctx context.Context, conversationID string) error {
	return e.groups.Terminate(ctx, conversationID)
}

func (e *Engine) HoldGroupCall(ctx context.Context, conversationID string) error {
	return e.groups.Hold(ctx, conversationID)
}

func (e *Engine) ResumeGroupCall(ctx context.Context, conversationID string) error {
	return e.groups.Resume(ctx, conversationID)
}

func (e *Engine) ConnectGroupParticipant(ctx context.Context, conversationID, userID, deviceID string) error {
	return e.groups.ConnectParticipant(ctx, conversationID, userID, deviceID)
}

func (e *Engine) RemoveGroupParticipant(ctx context.Context, conversationID, userID string) error {
	return e.groups.RemoveParticipant(ctx, conversationID, userID)
}

func (e *Engine) SetGroupMuted(ctx context.Context, conversationID string, muted bool) error {
	return e.groups.SetMuted(ctx, conversationID, muted)
}

func (e *Engine) SetGroupVideoEnabled(ctx context.Context, conversationID string, enabled bool) error {
	return e.groups.SetVideoEnabled(ctx, conversationID, enabled)
}

func (e *Engine) StartGroupScreenShare(ctx context.Context, conversationID string) error {
	return e.groups.StartScreenShare(ctx, conversationID)
}

func (e *Engine) StopGroupScreenShare(ctx context.Context, conversationID string) error {
	return e.groups.StopScreenShare(ctx, conversationID)
}

func (e *Engine) StartGroupRecording(ctx context.Context, conversationID string, opts recording.Options) error {
	return e.groupRec.Start(ctx, conversationID, opts)
}

func (e *Engine) StopGroupRecording(ctx context.Context, conversationID string) (recording.Result, error) {
	return e.groupRec.Stop(ctx, conversationID)
}

func (e *Engine) PauseGroupRecording(ctx context.Context, conversationID string) error {
	return e.groupRec.Pause(ctx, conversationID)
}

func (e *Engine) ResumeGroupRecording(ctx context.Context, conversationID string) error {
	return e.groupRec.Resume(ctx, conversationID)
}

func (e *Engine) GroupLocalState(conversationID string) (group.LocalState, error) {
	return e.groups.LocalState(conversationID)
}

func (e *Engine) GroupParticipantCount(conversationID string) int {
	return e.groups.ParticipantCount(conversationID)
}

func (e *Engine) GroupCall(conversationID string) (group.GroupCall, bool) {
	return e.groups.Get(conversationID)
}

func (e *Engine) GroupCalls() []group.GroupCall {
	return e.groups.List()
}
