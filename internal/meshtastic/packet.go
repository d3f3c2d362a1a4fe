package meshtastic

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// BroadcastAddr is the destination node number for broadcast packets.
const BroadcastAddr uint32 = 0xFFFFFFFF

// NodeID formats a node number the way the firmware does, e.g. "!a1b2c3d4".
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// Data is the decoded payload header of a mesh packet.
type Data struct {
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
	Bitfield     uint32
}

// Marshal encodes d in protobuf wire format.
func (d *Data) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, uint32(d.PortNum))
	b = appendBytes(b, 2, d.Payload)
	b = appendBool(b, 3, d.WantResponse)
	b = appendFixed32(b, 4, d.Dest)
	b = appendFixed32(b, 5, d.Source)
	b = appendFixed32(b, 6, d.RequestID)
	b = appendFixed32(b, 7, d.ReplyID)
	b = appendFixed32(b, 8, d.Emoji)
	b = appendUint32(b, 9, d.Bitfield)
	return b
}

// Unmarshal decodes d from protobuf wire format.
func (d *Data) Unmarshal(b []byte) error {
	*d = Data{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var v uint32
			v, err = f.uint32v()
			d.PortNum = PortNum(v)
		case 2:
			d.Payload, err = f.bytesv()
		case 3:
			d.WantResponse, err = f.boolv()
		case 4:
			d.Dest, err = f.fixed32v()
		case 5:
			d.Source, err = f.fixed32v()
		case 6:
			d.RequestID, err = f.fixed32v()
		case 7:
			d.ReplyID, err = f.fixed32v()
		case 8:
			d.Emoji, err = f.fixed32v()
		case 9:
			d.Bitfield, err = f.uint32v()
		}
		return err
	})
}

// MeshPacket is a packet observed on the mesh. Exactly one of Decoded or
// Encrypted is normally set.
type MeshPacket struct {
	From         uint32
	To           uint32
	Channel      uint32
	Decoded      *Data
	Encrypted    []byte
	ID           uint32
	RxTime       uint32
	RxSNR        float32
	HopLimit     uint32
	WantAck      bool
	Priority     uint32
	RxRSSI       int32
	ViaMQTT      bool
	HopStart     uint32
	PublicKey    []byte
	PKIEncrypted bool
	NextHop      uint32
	RelayNode    uint32
}

// Port returns the payload port, or PortUnknown for encrypted packets.
func (p *MeshPacket) Port() PortNum {
	if p.Decoded == nil {
		return PortUnknown
	}
	return p.Decoded.PortNum
}

// IsEncrypted reports whether the payload is still encrypted.
func (p *MeshPacket) IsEncrypted() bool {
	return p.Decoded == nil && len(p.Encrypted) > 0
}

// Marshal encodes p in protobuf wire format.
func (p *MeshPacket) Marshal() []byte {
	var b []byte
	b = appendFixed32(b, 1, p.From)
	b = appendFixed32(b, 2, p.To)
	b = appendUint32(b, 3, p.Channel)
	if p.Decoded != nil {
		b = appendMessage(b, 4, p.Decoded.Marshal())
	} else {
		b = appendBytes(b, 5, p.Encrypted)
	}
	b = appendFixed32(b, 6, p.ID)
	b = appendFixed32(b, 7, p.RxTime)
	b = appendFloat(b, 8, p.RxSNR)
	b = appendUint32(b, 9, p.HopLimit)
	b = appendBool(b, 10, p.WantAck)
	b = appendUint32(b, 11, p.Priority)
	b = appendInt32(b, 12, p.RxRSSI)
	b = appendBool(b, 14, p.ViaMQTT)
	b = appendUint32(b, 15, p.HopStart)
	b = appendBytes(b, 16, p.PublicKey)
	b = appendBool(b, 17, p.PKIEncrypted)
	b = appendUint32(b, 18, p.NextHop)
	b = appendUint32(b, 19, p.RelayNode)
	return b
}

// Unmarshal decodes p from protobuf wire format. A nested payload that
// fails to decode fails the whole packet.
func (p *MeshPacket) Unmarshal(b []byte) error {
	*p = MeshPacket{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			p.From, err = f.fixed32v()
		case 2:
			p.To, err = f.fixed32v()
		case 3:
			p.Channel, err = f.uint32v()
		case 4:
			if err = f.want(protowire.BytesType); err != nil {
				return err
			}
			d := &Data{}
			if err = d.Unmarshal(f.b); err != nil {
				return fmt.Errorf("decoded payload: %w", err)
			}
			p.Decoded, p.Encrypted = d, nil
		case 5:
			p.Encrypted, err = f.bytesv()
			p.Decoded = nil
		case 6:
			p.ID, err = f.fixed32v()
		case 7:
			p.RxTime, err = f.fixed32v()
		case 8:
			p.RxSNR, err = f.floatv()
		case 9:
			p.HopLimit, err = f.uint32v()
		case 10:
			p.WantAck, err = f.boolv()
		case 11:
			p.Priority, err = f.uint32v()
		case 12:
			p.RxRSSI, err = f.int32v()
		case 14:
			p.ViaMQTT, err = f.boolv()
		case 15:
			p.HopStart, err = f.uint32v()
		case 16:
			p.PublicKey, err = f.bytesv()
		case 17:
			p.PKIEncrypted, err = f.boolv()
		case 18:
			p.NextHop, err = f.uint32v()
		case 19:
			p.RelayNode, err = f.uint32v()
		}
		return err
	})
}

// ServiceEnvelope wraps a mesh packet for publication on an MQTT broker.
type ServiceEnvelope struct {
	Packet    *MeshPacket
	ChannelID string
	GatewayID string
}

// Marshal encodes e in protobuf wire format.
func (e *ServiceEnvelope) Marshal() []byte {
	var b []byte
	if e.Packet != nil {
		b = appendMessage(b, 1, e.Packet.Marshal())
	}
	b = appendString(b, 2, e.ChannelID)
	b = appendString(b, 3, e.GatewayID)
	return b
}

// Unmarshal decodes e from protobuf wire format.
func (e *ServiceEnvelope) Unmarshal(b []byte) error {
	*e = ServiceEnvelope{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			if err = f.want(protowire.BytesType); err != nil {
				return err
			}
			p := &MeshPacket{}
			if err = p.Unmarshal(f.b); err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			e.Packet = p
		case 2:
			e.ChannelID, err = f.stringv()
		case 3:
			e.GatewayID, err = f.stringv()
		}
		return err
	})
}
