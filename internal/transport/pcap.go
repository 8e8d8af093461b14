package transport

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultDigitizerPort is the TCP port digitizers serve their stream on.
const DefaultDigitizerPort = 12000

func isPcap(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".pcap")
}

// pcapStream replays the TCP payload a digitizer sent from port as a byte
// stream. Segments are taken in capture order; retransmitted or missing
// segments show up as framing errors and are handled by resync.
type pcapStream struct {
	r       *pcapgo.Reader
	port    layers.TCPPort
	pending []byte
	packets int
}

func newPcapStream(r io.Reader, port int) (*pcapStream, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	return &pcapStream{r: pr, port: layers.TCPPort(port)}, nil
}

func (s *pcapStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		data, _, err := s.r.ReadPacketData()
		if err != nil {
			return 0, err
		}
		pkt := gopacket.NewPacket(data, s.r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || (s.port != 0 && tcp.SrcPort != s.port) {
			continue
		}
		s.pending = tcp.Payload
		s.packets++
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}
