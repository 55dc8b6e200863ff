// Package packet builds the synthetic IPv4/UDP/CoAP packet buffers
// that WithAccessToCoapPacket executions run against, and extracts the
// CoAP payload a completed run needs for its response.
//
// Grounded on internal/netstack/test/gvisor.go's use of
// gvisor.dev/gvisor/pkg/tcpip/header to construct wire-format IPv4/UDP
// headers for test traffic; generalized here from a live netstack
// harness to an in-memory buffer builder, since the execution pipeline
// only needs the finished bytes, not a running network stack.
package packet

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// CoAPPort is the well-known UDP port CoAP traffic arrives on.
const CoAPPort = 5683

// BuildUDP4 constructs a complete IPv4/UDP packet carrying payload as
// its UDP data, suitable for binding to R1/R2 in a
// WithAccessToCoapPacket execution.
func BuildUDP4(src, dst tcpip.Address, srcPort, dstPort uint16, payload []byte) []byte {
	totalLen := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)

	buf := buffer.NewViewSize(totalLen)
	data := buf.AvailableSlice()[:totalLen]

	udpLen := header.UDPMinimumSize + len(payload)
	udp := header.UDP(data[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpLen),
	})
	copy(udp.Payload(), payload)

	ip := header.IPv4(data)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLen),
		Protocol:    uint8(header.UDPProtocolNumber),
		TTL:         64,
		SrcAddr:     src,
		DstAddr:     dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(udpLen))
	xsum = header.ChecksumCombine(xsum, header.Checksum(payload, 0))
	udp.SetChecksum(0)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))

	return data
}

// UDP4Payload extracts the UDP payload from a buffer previously built
// by BuildUDP4 (or any well-formed IPv4/UDP packet), the inverse
// operation a helper function might perform when an eBPF program asks
// the host to hand back the CoAP message bytes.
func UDP4Payload(data []byte) ([]byte, error) {
	if len(data) < header.IPv4MinimumSize {
		return nil, fmt.Errorf("packet: too short for an IPv4 header (%d bytes)", len(data))
	}
	ip := header.IPv4(data)
	ihl := int(ip.HeaderLength())
	if ihl < header.IPv4MinimumSize || len(data) < ihl+header.UDPMinimumSize {
		return nil, fmt.Errorf("packet: too short for a UDP header after a %d-byte IP header", ihl)
	}
	udp := header.UDP(data[ihl:])
	return udp.Payload(), nil
}
