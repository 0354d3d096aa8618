package main

import (
	"bufio"
	"flag"
	"io"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/dmtp/internal/dmtp"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/geo"
	"nuha.dev/dmtp/internal/packet"
)

func main() {
	addr := flag.String("address", "localhost:31000", "server address")
	network := flag.String("net", "tcp", "tcp or udp")
	acct := flag.String("acct", "demo", "account id")
	dev := flag.String("dev", "fake01", "device id")
	uid := flag.Uint64("uid", 0, "unique id, used instead of acct/dev when set")
	count := flag.Int("n", 5, "events per block")
	blocks := flag.Int("blocks", 1, "number of blocks")
	interval := flag.Duration("interval", time.Second, "pause between blocks")
	text := flag.Bool("text", false, "send text packets")
	hires := flag.Bool("hires", false, "send high resolution events")
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	c, err := net.Dial(*network, *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect")
	}
	defer c.Close()
	go readResponses(c, *text)

	// A datagram is a whole session, so udp blocks are sent as one datagram with the
	// identification in front.
	udp := *network == "udp"
	var pending []byte
	write := func(b []byte) {
		if _, err := c.Write(b); err != nil {
			log.Fatal().Err(err).Msg("write failed")
		}
	}
	send := func(p *packet.Packet) {
		log.Debug().Hex("packet", p.Encode()).Msg("sent")
		if udp {
			pending = append(pending, p.Encoded(*text)...)
			return
		}
		write(p.Encoded(*text))
	}
	identify := func() {
		if *uid != 0 {
			send(dmtp.UniqueIDPacket(*uid))
		} else {
			send(dmtp.AccountIDPacket(*acct))
			send(dmtp.DeviceIDPacket(*dev))
		}
	}

	identify()
	typ := event.StandardFixed
	if *hires {
		typ = event.HighResFixed
	}
	lat, lon := -6.2+rand.Float64()/10, 106.8+rand.Float64()/10
	var seq uint32
	for b := 0; b < *blocks; b++ {
		if udp && b > 0 {
			identify()
		}
		for i := 0; i < *count; i++ {
			lat += (rand.Float64() - 0.5) / 1000
			lon += (rand.Float64() - 0.5) / 1000
			send(dmtp.EncodeEvent(&event.Event{
				Type:      typ,
				Status:    0xF020,
				Timestamp: time.Now(),
				Point:     geo.NewPoint(lat, lon),
				Speed:     rand.Float64() * 80,
				Heading:   rand.Float64() * 360,
				Altitude:  rand.Float64() * 100,
				Sequence:  seq,
			}))
			seq = (seq + 1) & 0xFF
		}
		last := b == *blocks-1
		send(dmtp.EOBPacket(last || udp))
		if udp {
			write(pending)
			pending = nil
		}
		if !last {
			time.Sleep(*interval)
		}
	}
	time.Sleep(2 * time.Second)
}

func readResponses(c net.Conn, text bool) {
	r := bufio.NewReader(c)
	for {
		var b []byte
		var err error
		if text {
			b, err = r.ReadBytes('\r')
		} else {
			b = make([]byte, packet.HeaderLength)
			if _, err = io.ReadFull(r, b); err == nil {
				rest := make([]byte, int(b[2]))
				_, err = io.ReadFull(r, rest)
				b = append(b, rest...)
			}
		}
		if err != nil {
			log.Info().Err(err).Msg("connection closed")
			return
		}
		p, err := packet.Parse(b)
		if err != nil {
			log.Warn().Err(err).Hex("data", b).Msg("unable to parse response")
			continue
		}
		log.Info().Str("type", typeName(p.Type)).Hex("payload", p.Payload).Msg("received")
	}
}

func typeName(t byte) string {
	switch t {
	case dmtp.ServerAck:
		return "ACK"
	case dmtp.ServerNak:
		return "NAK"
	case dmtp.ServerEOT:
		return "EOT"
	case dmtp.ServerPropertyInfo:
		return "PROPERTY"
	}
	return "UNKNOWN"
}
