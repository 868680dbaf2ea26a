// Package upstream implements the broker wire protocol: the binary
// market-data WebSocket and the REST surface for login and orders.
package upstream

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
)

// Packet sizes distinguish the three data tiers on the wire.
const (
	PacketSizeLTP   = 8
	PacketSizeQuote = 44
	PacketSizeFull  = 184

	depthLevels    = 10 // 5 bid + 5 ask
	depthEntrySize = 12
	depthOffset    = 64
)

// priceScale converts integer paisa on the wire to rupees.
const priceScale = 100.0

// SplitFrame splits one inbound binary frame into its packets.
// Frame layout: [2-byte packet count][per packet: 2-byte length, payload],
// all big-endian. A malformed frame returns an error and no packets;
// the session is not torn down for it.
func SplitFrame(frame []byte) ([][]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	packets := make([][]byte, 0, count)

	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			return nil, fmt.Errorf("truncated packet header at %d (packet %d of %d)", offset, i+1, count)
		}
		size := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2
		if offset+size > len(frame) {
			return nil, fmt.Errorf("truncated packet payload at %d (want %d bytes)", offset, size)
		}
		packets = append(packets, frame[offset:offset+size])
		offset += size
	}
	return packets, nil
}

// ParsePacket decodes one packet into a canonical tick. The receive
// time stamps LTP and QUOTE packets; FULL packets carry an exchange
// timestamp which wins when present.
func ParsePacket(pkt []byte, received time.Time) (models.Tick, error) {
	switch len(pkt) {
	case PacketSizeLTP:
		return parseLTP(pkt, received), nil
	case PacketSizeQuote:
		return parseQuote(pkt, received), nil
	case PacketSizeFull:
		return parseFull(pkt, received), nil
	default:
		return models.Tick{}, fmt.Errorf("unexpected packet size %d", len(pkt))
	}
}

func price(pkt []byte, off int) float64 {
	return float64(int32(binary.BigEndian.Uint32(pkt[off:off+4]))) / priceScale
}

func u32(pkt []byte, off int) uint32 {
	return binary.BigEndian.Uint32(pkt[off : off+4])
}

func parseLTP(pkt []byte, received time.Time) models.Tick {
	return models.Tick{
		Token:     u32(pkt, 0),
		Mode:      models.ModeLTP,
		Source:    models.SourceLive,
		Timestamp: received.UnixMicro(),
		LastPrice: price(pkt, 4),
	}
}

func parseQuote(pkt []byte, received time.Time) models.Tick {
	return models.Tick{
		Token:     u32(pkt, 0),
		Mode:      models.ModeQuote,
		Source:    models.SourceLive,
		Timestamp: received.UnixMicro(),
		LastPrice: price(pkt, 4),
		Volume:    u32(pkt, 8),
		OI:        u32(pkt, 12),
		BidPrice:  price(pkt, 16),
		BidQty:    u32(pkt, 20),
		AskPrice:  price(pkt, 24),
		AskQty:    u32(pkt, 28),
		Open:      price(pkt, 32),
		High:      price(pkt, 36),
		Low:       price(pkt, 40),
	}
}

func parseFull(pkt []byte, received time.Time) models.Tick {
	tick := parseQuote(pkt[:PacketSizeQuote], received)
	tick.Mode = models.ModeFull
	tick.Close = price(pkt, 44)
	tick.AvgPrice = price(pkt, 48)
	tick.LastQty = u32(pkt, 52)

	if ts := binary.BigEndian.Uint64(pkt[56:64]); ts > 0 {
		tick.Timestamp = int64(ts)
	}

	tick.Depth = make([]models.DepthLevel, 0, depthLevels)
	for i := 0; i < depthLevels; i++ {
		off := depthOffset + i*depthEntrySize
		tick.Depth = append(tick.Depth, models.DepthLevel{
			Qty:    u32(pkt, off),
			Price:  price(pkt, off+4),
			Orders: binary.BigEndian.Uint16(pkt[off+8 : off+10]),
		})
	}
	return tick
}
