// simulate_device plays a single tracker against a running gateway: it
// performs the identity handshake, then sends Codec 8 Extended packets
// with a moving GPS fix and engine CAN data until interrupted.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"time"

	"fleet-monitor/devicegw/internal/codec"
)

func main() {
	addr := flag.String("addr", "localhost:5027", "gateway address")
	imei := flag.String("imei", "352625090000001", "device identity to report")
	interval := flag.Duration("interval", 5*time.Second, "delay between packets")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(codec.EncodeIdentity(*imei)); err != nil {
		log.Fatalf("send identity: %v", err)
	}
	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		log.Fatalf("read handshake reply: %v", err)
	}
	if reply[0] != 0x01 {
		log.Fatalf("handshake not accepted: 0x%02x", reply[0])
	}
	fmt.Printf("handshake accepted for %s\n", *imei)

	lat, lng := 28.6139, 77.2090
	var odometerM uint64 = 125_000_000

	for seq := 1; ; seq++ {
		lat += (rand.Float64() - 0.5) * 0.001
		lng += (rand.Float64() - 0.5) * 0.001
		odometerM += uint64(rand.Intn(200))

		rec := codec.Record{
			Timestamp: time.Now(),
			Priority:  0,
			GPS: codec.GPS{
				Latitude:   lat,
				Longitude:  lng,
				Altitude:   216,
				Heading:    uint16(rand.Intn(360)),
				Satellites: 11,
				Speed:      uint16(30 + rand.Intn(40)),
			},
			EventID: 0,
			Elements: map[uint16]codec.IOValue{
				24: {Kind: codec.IOU16, Uint: uint64(1500 + rand.Intn(1200))}, // rpm
				72: {Kind: codec.IOU8, Uint: uint64(110 + rand.Intn(20))},     // coolant, raw
				51: {Kind: codec.IOU8, Uint: uint64(40 + rand.Intn(40))},      // fuel %
				66: {Kind: codec.IOU16, Uint: uint64(13500 + rand.Intn(800))}, // mV
				16: {Kind: codec.IOU32, Uint: odometerM},                      // meters
			},
		}

		if _, err := conn.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{rec})); err != nil {
			log.Fatalf("send packet: %v", err)
		}
		ack := make([]byte, 4)
		if _, err := io.ReadFull(conn, ack); err != nil {
			log.Fatalf("read ack: %v", err)
		}
		fmt.Printf("packet %d acked: %d record(s) accepted\n", seq,
			uint32(ack[0])<<24|uint32(ack[1])<<16|uint32(ack[2])<<8|uint32(ack[3]))

		time.Sleep(*interval)
	}
}
