package meshtastic

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProxyVariant tags which payload variant a ProxyMessage carries.
type ProxyVariant uint8

const (
	// ProxyVariantNone means neither payload field was present.
	ProxyVariantNone ProxyVariant = iota
	// ProxyVariantData is a binary payload, normally a ServiceEnvelope.
	ProxyVariantData
	// ProxyVariantText is a text payload, used for JSON uplink.
	ProxyVariantText
)

// String returns a readable name for the variant.
func (v ProxyVariant) String() string {
	switch v {
	case ProxyVariantData:
		return "data"
	case ProxyVariantText:
		return "text"
	default:
		return "none"
	}
}

// ProxyMessage is an MQTT message the radio asks a client to publish on
// its behalf, or one delivered back to it from the broker.
type ProxyMessage struct {
	Topic    string
	Variant  ProxyVariant
	Data     []byte
	Text     string
	Retained bool
}

// Payload returns the message body regardless of variant.
func (m *ProxyMessage) Payload() []byte {
	if m.Variant == ProxyVariantText {
		return []byte(m.Text)
	}
	return m.Data
}

// Marshal encodes m in protobuf wire format.
func (m *ProxyMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Topic)
	switch m.Variant {
	case ProxyVariantData:
		b = appendMessage(b, 2, m.Data)
	case ProxyVariantText:
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	b = appendBool(b, 4, m.Retained)
	return b
}

// Unmarshal decodes m from protobuf wire format.
func (m *ProxyMessage) Unmarshal(b []byte) error {
	*m = ProxyMessage{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Topic, err = f.stringv()
		case 2:
			m.Data, err = f.bytesv()
			m.Variant, m.Text = ProxyVariantData, ""
		case 3:
			m.Text, err = f.stringv()
			m.Variant, m.Data = ProxyVariantText, nil
		case 4:
			m.Retained, err = f.boolv()
		}
		return err
	})
}

// MQTTModuleConfig is the radio's MQTT module configuration.
type MQTTModuleConfig struct {
	Enabled              bool
	Address              string
	Username             string
	Password             string
	EncryptionEnabled    bool
	JSONEnabled          bool
	TLSEnabled           bool
	Root                 string
	ProxyToClientEnabled bool
	MapReportingEnabled  bool
}

func (c *MQTTModuleConfig) marshal() []byte {
	var b []byte
	b = appendBool(b, 1, c.Enabled)
	b = appendString(b, 2, c.Address)
	b = appendString(b, 3, c.Username)
	b = appendString(b, 4, c.Password)
	b = appendBool(b, 5, c.EncryptionEnabled)
	b = appendBool(b, 6, c.JSONEnabled)
	b = appendBool(b, 7, c.TLSEnabled)
	b = appendString(b, 8, c.Root)
	b = appendBool(b, 9, c.ProxyToClientEnabled)
	b = appendBool(b, 10, c.MapReportingEnabled)
	return b
}

func (c *MQTTModuleConfig) unmarshal(b []byte) error {
	*c = MQTTModuleConfig{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			c.Enabled, err = f.boolv()
		case 2:
			c.Address, err = f.stringv()
		case 3:
			c.Username, err = f.stringv()
		case 4:
			c.Password, err = f.stringv()
		case 5:
			c.EncryptionEnabled, err = f.boolv()
		case 6:
			c.JSONEnabled, err = f.boolv()
		case 7:
			c.TLSEnabled, err = f.boolv()
		case 8:
			c.Root, err = f.stringv()
		case 9:
			c.ProxyToClientEnabled, err = f.boolv()
		case 10:
			c.MapReportingEnabled, err = f.boolv()
		}
		return err
	})
}

// FromRadio is a message streamed from the radio to its client. Only the
// variants the bridge acts on are decoded; the rest are skipped.
type FromRadio struct {
	ID               uint32
	Packet           *MeshPacket
	MyNodeNum        uint32
	HasMyInfo        bool
	ConfigCompleteID uint32
	MQTTConfig       *MQTTModuleConfig
	ProxyMessage     *ProxyMessage
}

// Marshal encodes m in protobuf wire format.
func (m *FromRadio) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.ID)
	if m.Packet != nil {
		b = appendMessage(b, 2, m.Packet.Marshal())
	}
	if m.HasMyInfo {
		b = appendMessage(b, 3, appendUint32(nil, 1, m.MyNodeNum))
	}
	b = appendUint32(b, 7, m.ConfigCompleteID)
	if m.MQTTConfig != nil {
		b = appendMessage(b, 9, appendMessage(nil, 1, m.MQTTConfig.marshal()))
	}
	if m.ProxyMessage != nil {
		b = appendMessage(b, 14, m.ProxyMessage.Marshal())
	}
	return b
}

// Unmarshal decodes m from protobuf wire format.
func (m *FromRadio) Unmarshal(b []byte) error {
	*m = FromRadio{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.ID, err = f.uint32v()
		case 2:
			if err = f.want(protowire.BytesType); err != nil {
				return err
			}
			p := &MeshPacket{}
			if err = p.Unmarshal(f.b); err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			m.Packet = p
		case 3:
			if err = f.want(protowire.BytesType); err != nil {
				return err
			}
			m.HasMyInfo = true
			err = walk(f.b, func(g field) error {
				if g.num == 1 {
					var e error
					m.MyNodeNum, e = g.uint32v()
					return e
				}
				return nil
			})
		case 7:
			m.ConfigCompleteID, err = f.uint32v()
		case 9:
			if err = f.want(protowire.BytesType); err != nil {
				return err
			}
			err = walk(f.b, func(g field) error {
				if g.num != 1 {
					return nil
				}
				if e := g.want(protowire.BytesType); e != nil {
					return e
				}
				c := &MQTTModuleConfig{}
				if e := c.unmarshal(g.b); e != nil {
					return e
				}
				m.MQTTConfig = c
				return nil
			})
		case 14:
			if err = f.want(protowire.BytesType); err != nil {
				return err
			}
			pm := &ProxyMessage{}
			if err = pm.Unmarshal(f.b); err != nil {
				return fmt.Errorf("proxy message: %w", err)
			}
			m.ProxyMessage = pm
		}
		return err
	})
}

// ToRadio is a message sent from the client to the radio.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Disconnect   bool
	ProxyMessage *ProxyMessage
	Heartbeat    bool
}

// Marshal encodes m in protobuf wire format.
func (m *ToRadio) Marshal() []byte {
	var b []byte
	if m.Packet != nil {
		b = appendMessage(b, 1, m.Packet.Marshal())
	}
	b = appendUint32(b, 3, m.WantConfigID)
	b = appendBool(b, 4, m.Disconnect)
	if m.ProxyMessage != nil {
		b = appendMessage(b, 6, m.ProxyMessage.Marshal())
	}
	if m.Heartbeat {
		b = appendMessage(b, 7, nil)
	}
	return b
}

// Unmarshal decodes m from protobuf wire format.
func (m *ToRadio) Unmarshal(b []byte) error {
	*m = ToRadio{}
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
			m.Packet = p
		case 3:
			m.WantConfigID, err = f.uint32v()
		case 4:
			m.Disconnect, err = f.boolv()
		case 6:
			if err = f.want(protowire.BytesType); err != nil {
				return err
			}
			pm := &ProxyMessage{}
			if err = pm.Unmarshal(f.b); err != nil {
				return fmt.Errorf("proxy message: %w", err)
			}
			m.ProxyMessage = pm
		case 7:
			err = f.want(protowire.BytesType)
			m.Heartbeat = err == nil
		}
		return err
	})
}
