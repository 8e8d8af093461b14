package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/pulsereader/internal/fmq"
)

// sink receives the envelopes of one pulse at a time.
type sink interface {
	write(ctx context.Context, envs [][]byte) error
	Close() error
}

type fileSink struct {
	f *os.File
	w *bufio.Writer
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *fileSink) write(_ context.Context, envs [][]byte) error {
	for _, e := range envs {
		if _, err := s.w.Write(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// pcapSink records the stream as TCP segments sent by a digitizer on port,
// one segment per pulse, in a capture readers can replay.
type pcapSink struct {
	f    *os.File
	w    *pcapgo.Writer
	port layers.TCPPort
	seq  uint32
	now  func() time.Time
}

// maxSegment keeps synthetic segments under the capture snap length.
const maxSegment = 60000

func newPcapSink(path string, port int, now func() time.Time) (*pcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &pcapSink{f: f, w: w, port: layers.TCPPort(port), seq: 1, now: now}, nil
}

func (s *pcapSink) write(_ context.Context, envs [][]byte) error {
	payload := bytes.Join(envs, nil)
	for len(payload) > 0 {
		n := min(maxSegment, len(payload))
		if err := s.segment(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

func (s *pcapSink) segment(payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: s.port, DstPort: 50000, Seq: s.seq, ACK: true, PSH: true, Window: 65535}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize segment: %w", err)
	}
	data := buf.Bytes()
	s.seq += uint32(len(payload))
	return s.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     s.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func (s *pcapSink) Close() error { return s.f.Close() }

// fmqSink batches pulses into queue messages.
type fmqSink struct {
	q       *fmq.Queue
	per     int
	pending [][]byte
	n       int
}

func newFMQSink(path string, numSlots, pulsesPerMessage int) (*fmqSink, error) {
	q, err := fmq.Open(path, numSlots)
	if err != nil {
		return nil, err
	}
	if pulsesPerMessage <= 0 {
		pulsesPerMessage = 1
	}
	return &fmqSink{q: q, per: pulsesPerMessage}, nil
}

func (s *fmqSink) write(ctx context.Context, envs [][]byte) error {
	s.pending = append(s.pending, envs...)
	s.n++
	if s.n < s.per {
		return nil
	}
	return s.flush(ctx)
}

func (s *fmqSink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	_, err := s.q.Write(ctx, bytes.Join(s.pending, nil))
	s.pending, s.n = s.pending[:0], 0
	return err
}

func (s *fmqSink) Close() error {
	err := s.flush(context.Background())
	return errors.Join(err, s.q.Close())
}

// tcpSink serves the stream to one digitizer client at a time. A new
// client first receives the info envelopes so it can start immediately,
// and replaces any current client. Pulses generated while no client is
// connected are discarded.
type tcpSink struct {
	ln    net.Listener
	info  func() [][]byte
	conns chan net.Conn
	done  chan struct{}

	conn     net.Conn
	needInfo bool
	once     sync.Once
}

func newTCPSink(addr string, info func() [][]byte) (*tcpSink, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &tcpSink{ln: ln, info: info, conns: make(chan net.Conn), done: make(chan struct{})}
	go s.acceptLoop()
	return s, nil
}

// Addr is the listening address.
func (s *tcpSink) Addr() net.Addr { return s.ln.Addr() }

func (s *tcpSink) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			close(s.conns)
			return
		}
		log.Printf("client connected from %s", c.RemoteAddr())
		select {
		case s.conns <- c:
		case <-s.done:
			c.Close()
		}
	}
}

// waitClient blocks until a client is connected.
func (s *tcpSink) waitClient(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c, ok := <-s.conns:
		if !ok {
			return net.ErrClosed
		}
		s.setConn(c)
		return nil
	}
}

func (s *tcpSink) setConn(c net.Conn) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn, s.needInfo = c, true
}

func (s *tcpSink) write(_ context.Context, envs [][]byte) error {
	select {
	case c, ok := <-s.conns:
		if ok {
			s.setConn(c)
		}
	default:
	}
	if s.conn == nil {
		return nil
	}

	var buf bytes.Buffer
	if s.needInfo {
		for _, e := range s.info() {
			buf.Write(e)
		}
		s.needInfo = false
	}
	for _, e := range envs {
		buf.Write(e)
	}
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		log.Printf("client %s dropped: %v", s.conn.RemoteAddr(), err)
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *tcpSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ln.Close()
		if s.conn != nil {
			err = errors.Join(err, s.conn.Close())
			s.conn = nil
		}
	})
	return err
}
