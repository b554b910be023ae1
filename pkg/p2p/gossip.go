// Package p2p gossips round lifecycle events between nodes over libp2p
// GossipSub, so observers and standby nodes can follow a round without
// polling the API.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/round"
)

const DefaultTopic = "veil-rounds"

// RemoteEvent is a round event received from another node.
type RemoteEvent struct {
	From  peer.ID
	Seq   uint64
	Event round.Event
}

type Handler func(ctx context.Context, ev RemoteEvent)

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	seq atomic.Uint64

	muH     sync.RWMutex
	handler Handler

	cancel context.CancelFunc
	done   chan struct{}
}

func NewGossip(ctx context.Context, cfg Config) (*Gossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g := &Gossip{
		h:      h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		log:    cfg.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go g.readLoop(loopCtx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns the dialable /p2p/ multiaddrs of this node, suitable for
// another node's bootstrap list.
func (g *Gossip) Addrs() []string {
	info := peer.AddrInfo{ID: g.h.ID(), Addrs: g.h.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(maddrs))
	for _, m := range maddrs {
		out = append(out, m.String())
	}
	return out
}

// Connect dials a peer by its /p2p/ multiaddr.
func (g *Gossip) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, g.h, addr)
}

func (g *Gossip) SetHandler(h Handler) { g.muH.Lock(); g.handler = h; g.muH.Unlock() }

func (g *Gossip) Publish(ctx context.Context, ev round.Event) error {
	data, err := gobEncode(EventWire{Origin: g.h.ID().String(), Seq: g.seq.Add(1), Event: ev})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// Relay publishes every event of m until ctx is done.
func (g *Gossip) Relay(ctx context.Context, m *round.Machine) {
	events, cancel := m.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := g.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				g.log.Warnw("gossip_publish_failed", "round", ev.RoundID, "type", ev.Type, "err", err)
			}
		}
	}
}

func (g *Gossip) readLoop(ctx context.Context) {
	defer close(g.done)
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w EventWire
		if err := gobDecode(msg.Data, &w); err != nil {
			g.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		origin, err := peer.Decode(w.Origin)
		if err != nil || origin != msg.GetFrom() {
			g.log.Debugw("gossip_origin_mismatch", "from", msg.GetFrom().String(), "origin", w.Origin)
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(ctx, RemoteEvent{From: origin, Seq: w.Seq, Event: w.Event})
		}
	}
}

func (g *Gossip) Close() error {
	g.cancel()
	<-g.done
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		g.log.Debugw("topic_close_failed", "err", err)
	}
	return g.h.Close()
}
