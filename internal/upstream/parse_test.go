package upstream

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
)

func putU32(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }

func buildLTP(token uint32, pricePaisa int32) []byte {
	pkt := make([]byte, PacketSizeLTP)
	putU32(pkt, 0, token)
	putU32(pkt, 4, uint32(pricePaisa))
	return pkt
}

func buildQuote(token uint32) []byte {
	pkt := make([]byte, PacketSizeQuote)
	putU32(pkt, 0, token)
	putU32(pkt, 4, 1001015) // ltp 10010.15
	putU32(pkt, 8, 52000)   // volume
	putU32(pkt, 12, 120)    // oi
	putU32(pkt, 16, 1001000)
	putU32(pkt, 20, 75)
	putU32(pkt, 24, 1001100)
	putU32(pkt, 28, 150)
	putU32(pkt, 32, 998000)
	putU32(pkt, 36, 1003500)
	putU32(pkt, 40, 995000)
	return pkt
}

func frame(packets ...[]byte) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(packets)))
	for _, p := range packets {
		hdr := make([]byte, 2)
		binary.BigEndian.PutUint16(hdr, uint16(len(p)))
		out = append(out, hdr...)
		out = append(out, p...)
	}
	return out
}

func TestSplitFrame(t *testing.T) {
	f := frame(buildLTP(256265, 10010), buildQuote(11111), buildLTP(408065, 255))
	packets, err := SplitFrame(f)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}
	if len(packets[0]) != PacketSizeLTP || len(packets[1]) != PacketSizeQuote {
		t.Fatalf("packet sizes %d/%d, want %d/%d", len(packets[0]), len(packets[1]), PacketSizeLTP, PacketSizeQuote)
	}
}

func TestSplitFrameMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":             {},
		"count only":        {0, 3},
		"truncated header":  {0, 1, 0},
		"truncated payload": {0, 1, 0, 44, 1, 2, 3},
	}
	for name, f := range cases {
		if _, err := SplitFrame(f); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseLTP(t *testing.T) {
	received := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	tick, err := ParsePacket(buildLTP(256265, 10010), received)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if tick.Token != 256265 {
		t.Errorf("token = %d, want 256265", tick.Token)
	}
	if tick.LastPrice != 100.10 {
		t.Errorf("last price = %v, want 100.10 (paisa scaling)", tick.LastPrice)
	}
	if tick.Mode != models.ModeLTP {
		t.Errorf("mode = %s, want LTP", tick.Mode)
	}
	if tick.Timestamp != received.UnixMicro() {
		t.Errorf("timestamp = %d, want receive time %d", tick.Timestamp, received.UnixMicro())
	}
}

func TestParseQuote(t *testing.T) {
	tick, err := ParsePacket(buildQuote(11111), time.Now())
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if tick.Mode != models.ModeQuote {
		t.Errorf("mode = %s, want QUOTE", tick.Mode)
	}
	if tick.LastPrice != 10010.15 || tick.BidPrice != 10010.00 || tick.AskPrice != 10011.00 {
		t.Errorf("prices = %v/%v/%v", tick.LastPrice, tick.BidPrice, tick.AskPrice)
	}
	if tick.Volume != 52000 || tick.OI != 120 || tick.BidQty != 75 || tick.AskQty != 150 {
		t.Errorf("quantities = vol %d oi %d bid %d ask %d", tick.Volume, tick.OI, tick.BidQty, tick.AskQty)
	}
}

func TestParseFull(t *testing.T) {
	pkt := make([]byte, PacketSizeFull)
	copy(pkt, buildQuote(11111))
	putU32(pkt, 44, 1000000) // close
	putU32(pkt, 48, 1000550) // avg
	putU32(pkt, 52, 25)      // last qty
	wireTS := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC).UnixMicro()
	binary.BigEndian.PutUint64(pkt[56:], uint64(wireTS))
	for i := 0; i < 10; i++ {
		off := depthOffset + i*depthEntrySize
		putU32(pkt, off, uint32(100+i))
		putU32(pkt, off+4, uint32(1001000-int32(i)*5))
		binary.BigEndian.PutUint16(pkt[off+8:], uint16(i+1))
	}

	tick, err := ParsePacket(pkt, time.Now())
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if tick.Mode != models.ModeFull {
		t.Errorf("mode = %s, want FULL", tick.Mode)
	}
	if tick.Timestamp != wireTS {
		t.Errorf("timestamp = %d, want wire timestamp %d", tick.Timestamp, wireTS)
	}
	if len(tick.Depth) != 10 {
		t.Fatalf("depth levels = %d, want 10", len(tick.Depth))
	}
	if tick.Depth[0].Qty != 100 || tick.Depth[0].Orders != 1 {
		t.Errorf("depth[0] = %+v", tick.Depth[0])
	}
	if tick.Depth[9].Price != 10009.55 {
		t.Errorf("depth[9].Price = %v, want 10009.55", tick.Depth[9].Price)
	}
}

func TestParseUnknownSize(t *testing.T) {
	if _, err := ParsePacket(make([]byte, 20), time.Now()); err == nil {
		t.Error("expected error for 20-byte packet")
	}
}
