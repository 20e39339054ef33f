package discovery

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// GossipConfig configures the memberlist feeder.
type GossipConfig struct {
	NodeName      string
	BindPort      int
	SeedNodes     []string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Local lists services this node offers; they travel in the node metadata.
	Local []Announcement
}

// Gossip feeds a Store from memberlist node metadata. Every member advertises
// its services as MsgPack announcements; they are registered on join/update
// and withdrawn when the member leaves or dies.
//
// Several members may offer the same service. The registry holds one endpoint
// per service, so a withdrawn provider is replaced by a remaining one and the
// entry is removed only when no member offers the service any more.
type Gossip struct {
	cfg   GossipConfig
	store Store
	meta  []byte
	list  *memberlist.Memberlist

	mu        sync.Mutex
	owned     map[string][]string                   // node name -> services it advertised
	providers map[string]map[string]ServiceEndpoint // service -> node name -> endpoint
}

// NewGossip builds the feeder without joining a cluster. Use Start to join.
func NewGossip(cfg GossipConfig, store Store) (*Gossip, error) {
	if store == nil {
		return nil, fmt.Errorf("discovery: store is required")
	}
	meta, err := EncodeAnnouncements(cfg.Local)
	if err != nil {
		return nil, err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("discovery: node metadata too large (%d > %d bytes)", len(meta), memberlist.MetaMaxSize)
	}
	return &Gossip{
		cfg:       cfg,
		store:     store,
		meta:      meta,
		owned:     make(map[string][]string),
		providers: make(map[string]map[string]ServiceEndpoint),
	}, nil
}

// Start creates the memberlist and joins the seed nodes, if any.
func (g *Gossip) Start() error {
	cfg := g.cfg
	config := memberlist.DefaultLocalConfig()
	if cfg.NodeName != "" {
		config.Name = cfg.NodeName
	}
	if cfg.BindPort != 0 {
		config.BindPort = cfg.BindPort
		config.AdvertisePort = cfg.BindPort
	}
	if cfg.ProbeInterval > 0 {
		config.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		config.ProbeTimeout = cfg.ProbeTimeout
	}
	config.LogOutput = io.Discard
	config.Delegate = &metaDelegate{meta: g.meta}
	config.Events = g

	list, err := memberlist.Create(config)
	if err != nil {
		return fmt.Errorf("discovery: failed to create memberlist: %w", err)
	}
	g.list = list

	if len(cfg.SeedNodes) > 0 {
		n, err := list.Join(cfg.SeedNodes)
		if err != nil {
			return fmt.Errorf("discovery: failed to join memberlist: %w", err)
		}
		slog.Info("discovery: joined gossip cluster", "contacted", n, "members", list.NumMembers())
	}
	return nil
}

// NotifyJoin implements memberlist.EventDelegate.
func (g *Gossip) NotifyJoin(node *memberlist.Node) {
	g.apply(node)
}

// NotifyUpdate implements memberlist.EventDelegate.
func (g *Gossip) NotifyUpdate(node *memberlist.Node) {
	g.apply(node)
}

// NotifyLeave implements memberlist.EventDelegate.
func (g *Gossip) NotifyLeave(node *memberlist.Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	services := g.owned[node.Name]
	delete(g.owned, node.Name)
	for _, s := range services {
		g.withdraw(node.Name, s)
	}
	slog.Debug("discovery: gossip member left", "node", node.Name, "services", len(services))
}

func (g *Gossip) apply(node *memberlist.Node) {
	anns, err := DecodeAnnouncements(node.Meta)
	if err != nil {
		slog.Warn("discovery: ignoring member metadata", "node", node.Name, "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	current := make(map[string]bool, len(anns))
	for _, ann := range anns {
		if ann.IP == "" && node.Addr != nil {
			ann.IP = node.Addr.String()
		}
		ep := ann.Endpoint()
		if err := g.store.Put(ep); err != nil {
			slog.Warn("discovery: member advertised unusable endpoint", "node", node.Name, "error", err)
			continue
		}
		if g.providers[ep.Name] == nil {
			g.providers[ep.Name] = make(map[string]ServiceEndpoint)
		}
		g.providers[ep.Name][node.Name] = ep
		current[ep.Name] = true
	}

	previous := g.owned[node.Name]
	services := make([]string, 0, len(current))
	for s := range current {
		services = append(services, s)
	}
	g.owned[node.Name] = services

	for _, s := range previous {
		if !current[s] {
			g.withdraw(node.Name, s)
		}
	}
}

// withdraw drops node as a provider of service and points the registry at
// another provider, if any. Callers hold g.mu.
func (g *Gossip) withdraw(node, service string) {
	providers := g.providers[service]
	delete(providers, node)

	if len(providers) == 0 {
		delete(g.providers, service)
		g.store.Remove(service)
		return
	}

	names := make([]string, 0, len(providers))
	for n := range providers {
		names = append(names, n)
	}
	sort.Strings(names)
	next := providers[names[0]]
	if err := g.store.Put(next); err != nil {
		slog.Warn("discovery: failed to fail over service", "service", service, "node", names[0], "error", err)
		return
	}
	slog.Info("discovery: service moved to remaining provider", "service", service, "from", node, "to", names[0])
}

// Members returns the number of alive members, 0 before Start.
func (g *Gossip) Members() int {
	if g.list == nil {
		return 0
	}
	return g.list.NumMembers()
}

// Close leaves the cluster gracefully and shuts the memberlist down.
func (g *Gossip) Close(timeout time.Duration) error {
	if g.list == nil {
		return nil
	}
	if err := g.list.Leave(timeout); err != nil {
		slog.Warn("discovery: graceful gossip leave failed", "error", err)
	}
	err := g.list.Shutdown()
	g.list = nil
	return err
}

// metaDelegate publishes the local announcements as node metadata.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}
