package dmtp

import (
	"encoding/hex"
	"fmt"

	"nuha.dev/dmtp/internal/cmderr"
	"nuha.dev/dmtp/internal/packet"
	"nuha.dev/dmtp/internal/payload"
)

// Property keys a device may query from the server.
const (
	PropProtocolVersion uint16 = 0xF101
	PropServerTime      uint16 = 0xF121
	PropAckSequence     uint16 = 0xF131
	PropEventCount      uint16 = 0xF132
)

const ProtocolVersion = 0x0102

// property answers a query with key, a command result and the value. A packet carrying bytes
// after the key reports the device's own value, which is stored as a device attribute.
func (h *Handler) property(resp *response, p *packet.Packet) {
	r := p.Reader()
	w := payload.NewSize(8)
	if !r.HasRemaining(2) {
		w.WriteUint(0, 2)
		w.WriteUint(uint64(cmderr.Arguments), 2)
		resp.add(ServerPropertyInfo, w)
		return
	}
	key := uint16(r.ReadUint(2, 0))
	w.WriteUint(uint64(key), 2)
	if r.HasRemaining(1) {
		w.WriteUint(uint64(h.reportProperty(key, r.ReadBytes(payload.MaxPayloadLength))), 2)
		resp.add(ServerPropertyInfo, w)
		return
	}
	switch key {
	case PropProtocolVersion:
		w.WriteUint(uint64(cmderr.OK), 2)
		w.WriteUint(ProtocolVersion, 2)
	case PropServerTime:
		w.WriteUint(uint64(cmderr.OK), 2)
		w.WriteUint(uint64(h.opts.Now().Unix()), 4)
	case PropAckSequence:
		w.WriteUint(uint64(cmderr.OK), 2)
		w.WriteUint(uint64(h.ackSeq), 4)
	case PropEventCount:
		w.WriteUint(uint64(cmderr.OK), 2)
		w.WriteUint(uint64(h.Accepted()), 4)
	default:
		w.WriteUint(uint64(cmderr.FeatureNotSupported), 2)
	}
	resp.add(ServerPropertyInfo, w)
}

func (h *Handler) reportProperty(key uint16, value []byte) cmderr.Code {
	dev := h.Device()
	if dev == nil {
		return cmderr.Execution
	}
	h.log.Debug().EmbedObject(dev).Uint16("key", key).Hex("value", value).Msg("property reported")
	if h.opts.Misc != nil {
		ctx, cancel := h.context()
		h.opts.Misc.UpdateAttribute(ctx, dev, fmt.Sprintf("prop_%04X", key), hex.EncodeToString(value))
		cancel()
	}
	return cmderr.OKAck
}
