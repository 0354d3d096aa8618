// Package dmtp is the server side of the device messaging protocol. A Handler serves one
// session: the device identifies itself, sends blocks of events ended by an end-of-block
// packet, and the server acknowledges what it stored.
package dmtp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/cmderr"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/handler"
	"nuha.dev/dmtp/internal/nak"
	"nuha.dev/dmtp/internal/packet"
	"nuha.dev/dmtp/internal/payload"
	"nuha.dev/dmtp/internal/sessreg"
	"nuha.dev/dmtp/internal/store"
	"nuha.dev/dmtp/internal/sublist"
)

// Client packet types.
const (
	ClientEOBDone       byte = 0x00
	ClientEOBMore       byte = 0x01
	ClientUniqueID      byte = 0x11
	ClientAccountID     byte = 0x12
	ClientDeviceID      byte = 0x13
	ClientStandardEvent byte = 0x30
	ClientHighResEvent  byte = 0x31
	ClientPropertyValue byte = 0xB0
	ClientDiagnostic    byte = 0xD0
	ClientError         byte = 0xE0
)

// Server packet types.
const (
	ServerAck          byte = 0xA0
	ServerPropertyInfo byte = 0xB0
	ServerNak          byte = 0xE0
	ServerEOT          byte = 0xFF
)

const (
	uniqueIDLen = 6
	idLen       = 20
)

const (
	SESSION_STARTED    string = "session_started"
	SESSION_TERMINATED string = "session_terminated"
	IDENTIFIED         string = "identified"
	IDENTIFY_ERROR     string = "identify_error"
	PARSE_ERROR        string = "parse_error"
	EVENT_REJECTED     string = "event_rejected"
	SESSION_REPLACED   string = "session_replaced"
)

// DiagnosticStore keeps diagnostic and error reports and the property values devices report.
type DiagnosticStore interface {
	SaveDiagnostic(ctx context.Context, dev *device.Device, kind string, code uint16, data []byte, t time.Time)
	UpdateAttribute(ctx context.Context, dev *device.Device, key string, value string)
}

// Registry tracks which session currently holds a device.
type Registry interface {
	Register(ctx context.Context, dev *device.Device, sid, remote string) (*sessreg.Entry, error)
	Touch(ctx context.Context, dev *device.Device) error
	Unregister(ctx context.Context, dev *device.Device, sid, remote string) error
}

// Options are the collaborators shared by every session. Only Directory and Store are
// required.
type Options struct {
	Directory device.Directory
	Store     store.EventStore
	Misc      DiagnosticStore
	Sublist   *sublist.SublistMap
	Registry  Registry
	Logger    log.Logger
	Context   context.Context
	Timeout   time.Duration
	Now       func() time.Time
}

func (o *Options) setDefaults() {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger.Writer == nil {
		o.Logger = log.DefaultLogger
	}
}

// NewFactory returns a handler.Factory creating one Handler per session.
func NewFactory(opts Options) handler.Factory {
	opts.setDefaults()
	return func() handler.PacketHandler {
		return newHandler(&opts)
	}
}

type Handler struct {
	handler.Session
	opts *Options
	sid  string
	log  log.Logger

	mu      sync.Mutex
	dev     *device.Device
	account string
	name    string
	sub     *sublist.Sublist

	ackSeq    uint32
	ackSeqLen int
	ackDue    bool
	accepted  int
	terminate bool
}

func New(opts Options) *Handler {
	opts.setDefaults()
	return newHandler(&opts)
}

func newHandler(opts *Options) *Handler {
	h := &Handler{opts: opts, sid: uuid.NewString()}
	h.log = opts.Logger
	h.log.Context = log.NewContext(nil).Str("module", "dmtp").Str("sid", h.sid).Value()
	return h
}

func (h *Handler) SessionID() string {
	return h.sid
}

// Device returns the identified device, or nil before identification.
func (h *Handler) Device() *device.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev
}

// DeviceKey is reported in session listings.
func (h *Handler) DeviceKey() string {
	if d := h.Device(); d != nil {
		return d.Key()
	}
	return ""
}

// Accepted returns the number of events acknowledged so far.
func (h *Handler) Accepted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

func (h *Handler) SessionStarted(addr net.Addr, isStream bool, isText bool) {
	h.Session.SessionStarted(addr, isStream, isText)
	h.log.Info().Str("event", SESSION_STARTED).Str("remote", h.HostAddress()).Bool("stream", h.IsStream()).Bool("text", h.IsTextPackets()).Msg("")
}

// ActualPacketLength reads the length byte of the binary header.
func (h *Handler) ActualPacketLength(seen []byte) int {
	if h.IsTextPackets() {
		return handler.LineTerminated
	}
	if len(seen) < packet.HeaderLength {
		return packet.HeaderLength
	}
	return packet.HeaderLength + int(seen[2])
}

func (h *Handler) TerminateSession() bool {
	return h.terminate
}

func (h *Handler) SessionTerminated(err error, readCount, writeCount int64) {
	e := h.log.Info()
	if err != nil {
		e = h.log.Warn().Err(err)
	}
	dev := h.Device()
	if dev != nil {
		e = e.EmbedObject(dev)
	}
	e.Str("event", SESSION_TERMINATED).Int64("byte_in", readCount).Int64("byte_out", writeCount).Int("accepted", h.Accepted()).Msg("")
	if dev == nil {
		return
	}
	if h.sub != nil {
		h.sub.SendEvent("disconnected", nil, h.opts.Now())
	}
	if h.opts.Registry != nil {
		ctx, cancel := h.context()
		defer cancel()
		if err := h.opts.Registry.Unregister(ctx, dev, h.sid, h.HostAddress()); err != nil {
			h.log.Error().Err(err).EmbedObject(dev).Msg("error unregistering session")
		}
	}
}

func (h *Handler) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.opts.Context, h.opts.Timeout)
}

type response struct {
	pkts []*packet.Packet
}

func (r *response) add(typ byte, p *payload.Payload) {
	r.pkts = append(r.pkts, packet.New(typ, p))
}

func (r *response) nak(code nak.Code, typ byte) {
	p := payload.NewSize(3)
	p.WriteUint(uint64(code), 2)
	p.WriteUint(uint64(typ), 1)
	r.add(ServerNak, p)
}

func (r *response) encode(text bool) []byte {
	var b []byte
	for _, p := range r.pkts {
		b = append(b, p.Encoded(text)...)
	}
	return b
}

// HandlePacket dispatches one client packet. Structural failures come back as
// *packet.ParseError with no response.
func (h *Handler) HandlePacket(pkt []byte) ([]byte, error) {
	p, err := packet.Parse(pkt)
	if err != nil {
		h.log.Warn().Str("event", PARSE_ERROR).Err(err).Hex("packet", pkt).Msg("")
		return nil, err
	}
	h.log.Trace().Object("packet", p).Msg("receive packet from device")
	resp := &response{}
	switch p.Type {
	case ClientEOBDone, ClientEOBMore:
		h.endOfBlock(resp, p.Type == ClientEOBDone)
	case ClientUniqueID:
		r := p.Reader()
		if !r.HasRemaining(uniqueIDLen) {
			return nil, &packet.ParseError{Code: nak.PacketLength, Type: p.Type, Msg: "short unique id"}
		}
		h.identifyUnique(resp, r.ReadUint(uniqueIDLen, 0))
	case ClientAccountID:
		h.account = p.Reader().ReadString(idLen)
		if h.name != "" {
			h.identify(resp)
		}
	case ClientDeviceID:
		h.name = p.Reader().ReadString(idLen)
		if h.account != "" {
			h.identify(resp)
		}
	case ClientStandardEvent, ClientHighResEvent:
		ev, err := DecodeEvent(p, h.opts.Now())
		if err != nil {
			h.log.Warn().Str("event", PARSE_ERROR).Err(err).Msg("")
			return nil, err
		}
		h.saveEvent(resp, ev)
	case ClientPropertyValue:
		h.property(resp, p)
	case ClientDiagnostic:
		h.diagnostic(resp, p, "diagnostic")
	case ClientError:
		h.diagnostic(resp, p, "error")
	default:
		h.log.Warn().Uint8("type", p.Type).Msg("unsupported packet type")
		resp.nak(nak.PacketType, p.Type)
	}
	return resp.encode(h.IsTextPackets()), nil
}

func (h *Handler) identify(resp *response) {
	ctx, cancel := h.context()
	defer cancel()
	dev, err := h.opts.Directory.Lookup(ctx, h.account, h.name)
	h.identified(ctx, resp, dev, err, ClientDeviceID)
}

func (h *Handler) identifyUnique(resp *response, uid uint64) {
	if uid == 0 {
		h.identified(h.opts.Context, resp, nil, device.ErrUnknownDevice, ClientUniqueID)
		return
	}
	ctx, cancel := h.context()
	defer cancel()
	dev, err := h.opts.Directory.LookupUnique(ctx, uid)
	h.identified(ctx, resp, dev, err, ClientUniqueID)
}

func (h *Handler) identified(ctx context.Context, resp *response, dev *device.Device, err error, typ byte) {
	if err != nil {
		code := nak.IDInvalid
		switch {
		case errors.Is(err, device.ErrNotAllowed):
			code = nak.AccountDenied
		case errors.Is(err, device.ErrUnknownDevice) && typ == ClientDeviceID:
			code = nak.DeviceInvalid
		}
		h.log.Warn().Str("event", IDENTIFY_ERROR).Err(err).Str("account", h.account).Str("device", h.name).Str("status", code.String()).Msg("")
		resp.nak(code, typ)
		h.terminate = true
		return
	}
	h.mu.Lock()
	h.dev = dev
	h.mu.Unlock()
	if dev.Config.LogLevel != "" {
		h.log.Level = log.ParseLevel(dev.Config.LogLevel)
	}
	h.log.Info().Str("event", IDENTIFIED).EmbedObject(dev).Msg("")
	if dev.Config.Broadcast && h.opts.Sublist != nil {
		h.sub, _ = h.opts.Sublist.GetSublist(dev.ID, true)
		h.sub.SendEvent("connected", nil, h.opts.Now())
	}
	if h.opts.Registry != nil {
		prev, err := h.opts.Registry.Register(ctx, dev, h.sid, h.HostAddress())
		if err != nil {
			h.log.Error().Err(err).EmbedObject(dev).Msg("error registering session")
		} else if prev != nil && prev.SessionID != h.sid {
			h.log.Info().Str("event", SESSION_REPLACED).EmbedObject(dev).Str("previous", prev.String()).Msg("")
		}
	}
}

func (h *Handler) saveEvent(resp *response, ev *event.Event) {
	dev := h.Device()
	if dev == nil {
		h.log.Warn().Object("dmtp_event", ev).Msg("event before identification")
		resp.nak(nak.IDInvalid, byte(ev.Type))
		h.terminate = true
		return
	}
	code := nak.OK
	if dev.Config.Store {
		ctx, cancel := h.context()
		code = h.opts.Store.SaveEvent(ctx, dev, ev)
		cancel()
	}
	if code != nak.OK {
		h.log.Warn().Str("event", EVENT_REJECTED).Str("status", code.String()).Object("dmtp_event", ev).Msg("")
		resp.nak(code, byte(ev.Type))
		if code.Fatal() {
			h.terminate = true
		}
		return
	}
	h.log.Debug().Object("dmtp_event", ev).Msg("event accepted")
	h.mu.Lock()
	h.accepted++
	h.mu.Unlock()
	h.ackSeq = ev.Sequence
	h.ackSeqLen = ev.SeqLen
	h.ackDue = true
	if h.sub != nil {
		h.sub.SendLocation(ev)
	}
}

func (h *Handler) endOfBlock(resp *response, done bool) {
	if h.ackDue {
		p := payload.NewSize(4)
		p.WriteUint(uint64(h.ackSeq), h.ackSeqLen)
		resp.add(ServerAck, p)
		h.ackDue = false
	}
	if dev := h.Device(); dev != nil && h.opts.Registry != nil {
		ctx, cancel := h.context()
		if err := h.opts.Registry.Touch(ctx, dev); err != nil {
			h.log.Error().Err(err).EmbedObject(dev).Msg("error refreshing session")
		}
		cancel()
	}
	if done {
		resp.add(ServerEOT, nil)
		h.terminate = true
	}
}

func (h *Handler) diagnostic(resp *response, p *packet.Packet, kind string) {
	r := p.Reader()
	code := uint16(r.ReadUint(2, 0))
	e := h.log.Info().Str("kind", kind).Uint16("code", code)
	if kind == "error" {
		e = e.Str("description", cmderr.Describe(cmderr.Code(code))).Uint8("packet_type", uint8(r.ReadUint(1, 0)))
	}
	data := r.ReadBytes(payload.MaxPayloadLength)
	e.Hex("data", data).Msg("device report")
	dev := h.Device()
	if dev == nil {
		return
	}
	if h.opts.Misc != nil {
		ctx, cancel := h.context()
		h.opts.Misc.SaveDiagnostic(ctx, dev, kind, code, data, h.opts.Now())
		cancel()
	}
	if h.sub != nil {
		h.sub.SendEvent(kind, nil, h.opts.Now())
	}
}
