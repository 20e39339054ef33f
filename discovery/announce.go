package discovery

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Announcement is the payload a peer publishes to advertise a service.
type Announcement struct {
	Service string `msgpack:"service"`
	IP      string `msgpack:"ip"`
	Port    uint16 `msgpack:"port"`
	NodeID  string `msgpack:"node_id,omitempty"`
}

// Endpoint converts the announcement into a registry entry.
func (a Announcement) Endpoint() ServiceEndpoint {
	return ServiceEndpoint{Name: a.Service, IP: a.IP, Port: a.Port}
}

// EncodeAnnouncements marshals a set of announcements with MsgPack.
func EncodeAnnouncements(anns []Announcement) ([]byte, error) {
	b, err := msgpack.Marshal(anns)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to marshal announcements: %w", err)
	}
	return b, nil
}

// DecodeAnnouncements unmarshals a MsgPack payload. An empty payload decodes
// to no announcements.
func DecodeAnnouncements(payload []byte) ([]Announcement, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var anns []Announcement
	if err := msgpack.Unmarshal(payload, &anns); err != nil {
		return nil, fmt.Errorf("discovery: failed to unmarshal announcements: %w", err)
	}
	return anns, nil
}

// EncodeAnnouncement marshals a single announcement with MsgPack.
func EncodeAnnouncement(ann Announcement) ([]byte, error) {
	b, err := msgpack.Marshal(ann)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to marshal announcement: %w", err)
	}
	return b, nil
}

// DecodeAnnouncement unmarshals a single MsgPack announcement.
func DecodeAnnouncement(payload []byte) (Announcement, error) {
	var ann Announcement
	if err := msgpack.Unmarshal(payload, &ann); err != nil {
		return Announcement{}, fmt.Errorf("discovery: failed to unmarshal announcement: %w", err)
	}
	return ann, nil
}
