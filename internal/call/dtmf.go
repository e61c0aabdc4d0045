package call

import (
	"context"
	"strings"
	"time"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport"
)

const (
	toneDuration = 200 * time.Millisecond
	toneGap      = 50 * time.Millisecond
)

// NormalizeTones upper-cases tones and checks each one is a DTMF digit.
func NormalizeTones(tones string) (string, error) {
	if tones == "" {
		return "", callerr.Wrap(callerr.CodeInvalidTone, "dtmf", "empty tone")
	}
	up := strings.ToUpper(tones)
	for _, r := range up {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'D':
		case r == '*' || r == '#':
		default:
			return "", callerr.Wrap(callerr.CodeInvalidTone, "dtmf", "invalid tone %q", r)
		}
	}
	return up, nil
}

// SendDTMF plays tones on the call. The audio sender inserts them in-band
// when it can; otherwise each tone goes out as a dtmf signaling message.
// Neither path waits for delivery.
func (m *Manager) SendDTMF(ctx context.Context, callID, tones string) error {
	norm, err := NormalizeTones(tones)
	if err != nil {
		return err
	}
	s, ok := m.reg.get(callID)
	if !ok {
		return noSuchCall("dtmf", callID)
	}

	s.mu.RLock()
	closed := s.closed
	conv := s.call.ConversationID
	var dtmf transport.DTMFSender
	for _, snd := range s.senders {
		if snd.Track().Kind() != media.KindAudio {
			continue
		}
		if d, ok := snd.(transport.DTMFSender); ok && d.CanInsertDTMF() {
			dtmf = d
			break
		}
	}
	s.mu.RUnlock()
	if closed {
		return noSuchCall("dtmf", callID)
	}

	path := events.DTMFSideChannel
	if dtmf != nil {
		if err := dtmf.InsertDTMF(norm, toneDuration, toneGap); err != nil {
			log.Warnf("[%s] in-band dtmf failed, using signaling: %v", callID, err)
		} else {
			path = events.DTMFInBand
		}
	}

	if path == events.DTMFSideChannel {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			for _, r := range norm {
				msg := &signal.DTMF{
					Header:         signal.Header{CallID: callID},
					ConversationID: conv,
					Tone:           string(r),
					DurationMs:     int(toneDuration.Milliseconds()),
				}
				if err := m.out.Send(ctx, conv, msg); err != nil {
					log.Warnf("[%s] dtmf %c not delivered: %v", callID, r, err)
				}
			}
		}()
	}

	for _, r := range norm {
		m.bus.Emit(events.Event{
			Name:           events.CallDTMF,
			CallID:         callID,
			ConversationID: conv,
			Data:           events.DTMF{Tone: string(r), Path: path},
		})
	}
	return nil
}
