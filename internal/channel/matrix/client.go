// Package matrix carries call signaling as Matrix room events (m.call.*)
// through a homeserver.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/petervdpas/roomcall/internal/channel"
)

var log = logging.Logger("matrix")

// Events older than this at sync time are history, not live signaling.
const maxEventAge = time.Minute

type Options struct {
	Homeserver  string
	UserID      string
	DeviceID    string
	AccessToken string
}

// Client is a channel.Channel over a Matrix homeserver.
type Client struct {
	cli     *mautrix.Client
	self    id.UserID
	out     *channel.Fanout
	started time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New logs in with an existing access token and starts syncing.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Homeserver == "" || opts.UserID == "" || opts.AccessToken == "" {
		return nil, errors.New("matrix: homeserver, user_id and access_token are required")
	}
	cli, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.AccessToken)
	if err != nil {
		return nil, err
	}
	if opts.DeviceID != "" {
		cli.DeviceID = id.DeviceID(opts.DeviceID)
	}

	c := &Client{
		cli:     cli,
		self:    id.UserID(opts.UserID),
		out:     channel.NewFanout(),
		started: time.Now(),
	}

	syncer, ok := cli.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEvent(c.handleEvent)

	syncCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			err := cli.SyncWithContext(syncCtx)
			if syncCtx.Err() != nil {
				return
			}
			log.Warnf("sync stopped: %v (retrying)", err)
			select {
			case <-syncCtx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
	log.Infof("syncing %s as %s", opts.Homeserver, opts.UserID)
	return c, nil
}

func (c *Client) handleEvent(_ context.Context, evt *event.Event) {
	if !strings.HasPrefix(evt.Type.Type, "m.call.") {
		return
	}
	if evt.Sender == c.self {
		return
	}
	if ts := time.UnixMilli(evt.Timestamp); ts.Before(c.started.Add(-maxEventAge)) {
		log.Debugf("skipping stale %s from %s", evt.Type.Type, evt.Sender)
		return
	}
	c.out.Publish(&channel.Envelope{
		ConversationID: evt.RoomID.String(),
		Kind:           evt.Type.Type,
		Sender:         evt.Sender.String(),
		EventID:        evt.ID.String(),
		Payload:        evt.Content.VeryRaw,
	})
}

func (c *Client) SelfID() string { return c.self.String() }

func (c *Client) Send(ctx context.Context, conversationID, kind string, payload json.RawMessage) error {
	evtType := event.Type{Type: kind, Class: event.MessageEventType}
	_, err := c.cli.SendMessageEvent(ctx, id.RoomID(conversationID), evtType, payload)
	return err
}

func (c *Client) Subscribe() (<-chan *channel.Envelope, func()) {
	return c.out.Subscribe()
}

func (c *Client) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.cli.StopSync()
		c.wg.Wait()
		c.out.CloseAll()
	})
	return nil
}
