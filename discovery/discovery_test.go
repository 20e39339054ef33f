package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const service = "mobilenet_v1_1.0_224_quant"

func TestMemoryRegistry_PutLookupRemove(t *testing.T) {
	r := NewMemoryRegistry()
	assert.False(t, r.Has(service))

	_, ok := r.Lookup(service)
	assert.False(t, ok)

	ep := ServiceEndpoint{Name: service, IP: "10.0.0.5", Port: 8080}
	require.NoError(t, r.Put(ep))
	assert.True(t, r.Has(service))

	got, ok := r.Lookup(service)
	require.True(t, ok)
	assert.Equal(t, ep, got)

	assert.True(t, r.Remove(service))
	assert.False(t, r.Remove(service))
	assert.Equal(t, 0, r.Len())
}

func TestMemoryRegistry_RejectsPartialEndpoint(t *testing.T) {
	r := NewMemoryRegistry()

	assert.Error(t, r.Put(ServiceEndpoint{Name: service, Port: 8080}))
	assert.Error(t, r.Put(ServiceEndpoint{Name: service, IP: "10.0.0.5"}))
	assert.Error(t, r.Put(ServiceEndpoint{IP: "10.0.0.5", Port: 8080}))
	assert.Equal(t, 0, r.Len())
}

func TestMemoryRegistry_ConcurrentReads(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Put(ServiceEndpoint{Name: service, IP: "10.0.0.5", Port: 8080}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%4 == 0 {
					_ = r.Put(ServiceEndpoint{Name: "other", IP: "10.0.0.6", Port: uint16(9000 + j)})
					continue
				}
				r.Lookup(service)
				r.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, r.Len())
}

func TestAnnouncementCodec(t *testing.T) {
	anns := []Announcement{
		{Service: service, IP: "10.0.0.5", Port: 8080, NodeID: "peer-1"},
		{Service: "yolo", IP: "10.0.0.5", Port: 8081},
	}

	payload, err := EncodeAnnouncements(anns)
	require.NoError(t, err)

	decoded, err := DecodeAnnouncements(payload)
	require.NoError(t, err)
	assert.Equal(t, anns, decoded)

	empty, err := DecodeAnnouncements(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeAnnouncements([]byte{0xc1})
	assert.Error(t, err)
}

func TestMQTTWatcher_HandleMessage(t *testing.T) {
	r := NewMemoryRegistry()
	w, err := NewMQTTWatcher(MQTTConfig{Broker: "localhost:1883", TopicPrefix: "offload/services/"}, r)
	require.NoError(t, err)

	payload, err := EncodeAnnouncement(Announcement{IP: "10.0.0.5", Port: 8080})
	require.NoError(t, err)

	w.HandleMessage("offload/services/"+service, payload)
	ep, ok := r.Lookup(service)
	require.True(t, ok)
	assert.Equal(t, ServiceEndpoint{Name: service, IP: "10.0.0.5", Port: 8080}, ep)

	// Announcement that lost its port withdraws the service.
	payload, err = EncodeAnnouncement(Announcement{IP: "10.0.0.5"})
	require.NoError(t, err)
	w.HandleMessage("offload/services/"+service, payload)
	assert.False(t, r.Has(service))

	// Empty retained payload withdraws as well.
	require.NoError(t, r.Put(ServiceEndpoint{Name: service, IP: "10.0.0.5", Port: 8080}))
	w.HandleMessage("offload/services/"+service, nil)
	assert.False(t, r.Has(service))

	w.HandleMessage("offload/services/"+service, []byte{0xc1})
	received, invalid := w.Stats()
	assert.Equal(t, uint64(4), received)
	assert.Equal(t, uint64(2), invalid)
}

func TestGossip_MemberLifecycle(t *testing.T) {
	r := NewMemoryRegistry()
	g, err := NewGossip(GossipConfig{}, r)
	require.NoError(t, err)

	meta, err := EncodeAnnouncements([]Announcement{
		{Service: service, Port: 8080},
		{Service: "yolo", IP: "10.0.0.7", Port: 9000},
	})
	require.NoError(t, err)

	node := &memberlist.Node{Name: "peer-1", Addr: net.ParseIP("10.0.0.5"), Meta: meta}
	g.NotifyJoin(node)

	ep, ok := r.Lookup(service)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", ep.IP, "missing ip falls back to the member address")
	assert.True(t, r.Has("yolo"))

	// Update drops yolo from the advertised set.
	meta, err = EncodeAnnouncements([]Announcement{{Service: service, Port: 8080}})
	require.NoError(t, err)
	node.Meta = meta
	g.NotifyUpdate(node)
	assert.True(t, r.Has(service))
	assert.False(t, r.Has("yolo"))

	g.NotifyLeave(node)
	assert.Equal(t, 0, r.Len())
}

func TestGossip_SharedServiceSurvivesProviderLeave(t *testing.T) {
	r := NewMemoryRegistry()
	g, err := NewGossip(GossipConfig{}, r)
	require.NoError(t, err)

	meta, err := EncodeAnnouncements([]Announcement{{Service: service, Port: 8080}})
	require.NoError(t, err)

	a := &memberlist.Node{Name: "peer-a", Addr: net.ParseIP("10.0.0.5"), Meta: meta}
	b := &memberlist.Node{Name: "peer-b", Addr: net.ParseIP("10.0.0.6"), Meta: meta}
	g.NotifyJoin(a)
	g.NotifyJoin(b)

	g.NotifyLeave(b)
	ep, ok := r.Lookup(service)
	require.True(t, ok, "peer-a still offers the service")
	assert.Equal(t, "10.0.0.5", ep.IP)

	g.NotifyJoin(b)
	g.NotifyLeave(a)
	ep, ok = r.Lookup(service)
	require.True(t, ok, "peer-b still offers the service")
	assert.Equal(t, "10.0.0.6", ep.IP)
	assert.Equal(t, uint16(8080), ep.Port)

	// b stops advertising through a metadata update.
	b.Meta, err = EncodeAnnouncements(nil)
	require.NoError(t, err)
	g.NotifyUpdate(b)
	assert.False(t, r.Has(service))
}

func TestGossip_StartUsesConstructorConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("binds a local gossip port")
	}
	r := NewMemoryRegistry()
	g, err := NewGossip(GossipConfig{
		NodeName: "edge-a",
		BindPort: 17946,
		Local:    []Announcement{{Service: service, IP: "127.0.0.1", Port: 8080}},
	}, r)
	require.NoError(t, err)

	require.NoError(t, g.Start())
	t.Cleanup(func() { g.Close(time.Second) })

	node := g.list.LocalNode()
	assert.Equal(t, "edge-a", node.Name)
	assert.Equal(t, uint16(17946), node.Port)
	assert.Equal(t, 1, g.Members())
}

func TestNewGossip_MetadataLimit(t *testing.T) {
	anns := make([]Announcement, 0, 64)
	for i := 0; i < 64; i++ {
		anns = append(anns, Announcement{Service: "service-with-a-rather-long-name", IP: "10.0.0.5", Port: 8080})
	}
	_, err := NewGossip(GossipConfig{Local: anns}, NewMemoryRegistry())
	assert.Error(t, err)
}
