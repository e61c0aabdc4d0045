// Package p2p carries room events over libp2p gossipsub, one topic per
// conversation. Peers on the LAN find each other through mDNS; remote peers
// are dialed from configured bootstrap multiaddrs.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/roomcall/internal/channel"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors are noise at info level.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

const topicPrefix = "roomcall/conv/"

const connectTimeout = 3 * time.Second

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Bootstrap  []string
	Rooms      []string
}

// wireMsg is the gossipsub payload.
type wireMsg struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type room struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// Node is a channel.Channel over gossipsub.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service
	out  *channel.Fanout

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*room
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	nctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(nctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:   h,
		ps:     ps,
		out:    channel.NewFanout(),
		ctx:    nctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}

	if opts.MdnsTag != "" {
		n.mdns = mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			log.Warnf("mdns: %v", err)
		}
	}

	for _, addr := range opts.Bootstrap {
		if err := n.dial(nctx, addr); err != nil {
			log.Warnf("bootstrap %s: %v", addr, err)
		}
	}

	for _, r := range opts.Rooms {
		if err := n.Join(nctx, r); err != nil {
			n.Close()
			return nil, err
		}
	}

	log.Infof("node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) dial(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return n.Host.Connect(cctx, *pi)
}

// Join subscribes to a conversation's topic. Joining twice is a no-op.
func (n *Node) Join(_ context.Context, conversationID string) error {
	_, err := n.room(conversationID)
	return err
}

func (n *Node) room(conversationID string) (*room, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.rooms[conversationID]; ok {
		return r, nil
	}

	topic, err := n.ps.Join(topicPrefix + conversationID)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", conversationID, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	rctx, cancel := context.WithCancel(n.ctx)
	r := &room{topic: topic, sub: sub, cancel: cancel}
	n.rooms[conversationID] = r
	go n.readLoop(rctx, conversationID, sub)
	return r, nil
}

func (n *Node) readLoop(ctx context.Context, conversationID string, sub *pubsub.Subscription) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.GetFrom() == n.Host.ID() {
			continue
		}
		var wm wireMsg
		if err := json.Unmarshal(m.Data, &wm); err != nil || wm.Kind == "" {
			log.Debugf("bad message in %s from %s", conversationID, m.GetFrom())
			continue
		}
		n.out.Publish(&channel.Envelope{
			ConversationID: conversationID,
			Kind:           wm.Kind,
			Sender:         m.GetFrom().String(),
			EventID:        wm.ID,
			Payload:        wm.Payload,
		})
	}
}

func (n *Node) SelfID() string { return n.Host.ID().String() }

// Send publishes to the conversation topic, joining it first if needed.
func (n *Node) Send(ctx context.Context, conversationID, kind string, payload json.RawMessage) error {
	r, err := n.room(conversationID)
	if err != nil {
		return err
	}
	b, err := json.Marshal(wireMsg{ID: uuid.NewString(), Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return r.topic.Publish(ctx, b)
}

func (n *Node) Subscribe() (<-chan *channel.Envelope, func()) {
	return n.out.Subscribe()
}

func (n *Node) Close() error {
	n.mu.Lock()
	for id, r := range n.rooms {
		r.cancel()
		r.sub.Cancel()
		_ = r.topic.Close()
		delete(n.rooms, id)
	}
	n.mu.Unlock()
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	n.cancel()
	n.out.CloseAll()
	return n.Host.Close()
}
