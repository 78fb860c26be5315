// Package ethernet captures from a Linux interface through a plain
// AF_PACKET socket, without cgo or libpcap.
package ethernet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/source"
)

const (
	Driver             = "ethernet"
	defaultSnapLen     = 65535
	defaultReadTimeout = 100 * time.Millisecond
	vlanTagLen         = 4

	auxLen      = int(unsafe.Sizeof(unix.TpacketAuxdata{}))
	timespecLen = int(unsafe.Sizeof(unix.Timespec{}))
)

// Options are read from the source's options map.
type Options struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

func init() {
	source.Register(Driver, Open)
}

// Handle owns an AF_PACKET socket. The socket has a receive timeout, so an
// idle interface still returns source.ErrTimeout and the reader can observe
// Close. Promiscuous mode is a socket membership and ends with the socket.
type Handle struct {
	fd  int
	buf []byte // vlanTagLen bytes of headroom, then snapLen bytes of frame
	oob []byte

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// Open attaches to ref.Interface. Kernel filtering accepts pre-compiled
// Program instructions only; pcap-filter expressions need the pcap driver.
func Open(_ context.Context, ref source.Ref) (source.Handle, error) {
	if ref.Filter != "" {
		return nil, fmt.Errorf("filter expression %q needs libpcap; use program or the pcap driver", ref.Filter)
	}
	opts := Options{ReadTimeout: defaultReadTimeout}
	if err := config.Decode(ref.Options, &opts); err != nil {
		return nil, err
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	ifi, err := net.InterfaceByName(ref.Interface)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("packet socket: %w", err)
	}
	fail := func(op string, err error) (source.Handle, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifi.Index}); err != nil {
		return fail("bind", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_AUXDATA, 1); err != nil {
		return fail("packet auxdata", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		return fail("timestamps", err)
	}
	if ref.Promiscuous {
		mreq := unix.PacketMreq{Ifindex: int32(ifi.Index), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			return fail("set promiscuous", err)
		}
	}
	if len(ref.Program) > 0 {
		if err := attachFilter(fd, ref.Program); err != nil {
			return fail("set bpf", err)
		}
	}

	snapLen := ref.SnapLen
	if snapLen <= 0 {
		snapLen = defaultSnapLen
	}
	h, err := newHandle(fd, snapLen, opts.ReadTimeout)
	if err != nil {
		return fail("read timeout", err)
	}
	return h, nil
}

func newHandle(fd, snapLen int, readTimeout time.Duration) (*Handle, error) {
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, err
	}
	return &Handle{
		fd:  fd,
		buf: make([]byte, vlanTagLen+snapLen),
		oob: make([]byte, unix.CmsgSpace(auxLen)+unix.CmsgSpace(timespecLen)),
	}, nil
}

func attachFilter(fd int, prog []bpf.RawInstruction) error {
	filters := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filters[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filters)), Filter: &filters[0]}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
}

// ReadPacketData returns the next frame, valid until the next read. VLAN
// tags stripped by the kernel are put back in front of the EtherType.
func (h *Handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	frame := h.buf[vlanTagLen:]
	n, oobn, _, _, err := unix.Recvmsg(h.fd, frame, h.oob, unix.MSG_TRUNC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, gopacket.CaptureInfo{}, source.ErrTimeout
		}
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("read packet: %w", err)
	}

	ci, aux := parseControl(h.oob[:oobn])
	ci.Length = n
	ci.CaptureLength = min(n, len(frame))
	if ci.Timestamp.IsZero() {
		ci.Timestamp = time.Now()
	}
	data := frame[:ci.CaptureLength]
	if aux != nil && aux.Status&unix.TP_STATUS_VLAN_VALID != 0 && len(data) >= 12 {
		data = insertVLAN(h.buf[:vlanTagLen+ci.CaptureLength], aux)
		ci.CaptureLength += vlanTagLen
		ci.Length += vlanTagLen
	}
	return data, ci, nil
}

// parseControl reads the receive timestamp and the packet auxdata.
func parseControl(oob []byte) (gopacket.CaptureInfo, *unix.TpacketAuxdata) {
	var (
		ci  gopacket.CaptureInfo
		aux *unix.TpacketAuxdata
	)
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return ci, nil
	}
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_PACKET && m.Header.Type == unix.PACKET_AUXDATA && len(m.Data) >= auxLen:
			a := *(*unix.TpacketAuxdata)(unsafe.Pointer(&m.Data[0]))
			aux = &a
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPNS && len(m.Data) >= timespecLen:
			ts := (*unix.Timespec)(unsafe.Pointer(&m.Data[0]))
			ci.Timestamp = time.Unix(int64(ts.Sec), int64(ts.Nsec))
		}
	}
	return ci, aux
}

// insertVLAN shifts the MAC addresses into the headroom at the front of
// buf and writes the 802.1Q tag after them.
func insertVLAN(buf []byte, aux *unix.TpacketAuxdata) []byte {
	copy(buf[:12], buf[vlanTagLen:vlanTagLen+12])
	tpid := uint16(unix.ETH_P_8021Q)
	if aux.Status&unix.TP_STATUS_VLAN_TPID_VALID != 0 && aux.Vlan_tpid != 0 {
		tpid = aux.Vlan_tpid
	}
	buf[12], buf[13] = byte(tpid>>8), byte(tpid)
	buf[14], buf[15] = byte(aux.Vlan_tci>>8), byte(aux.Vlan_tci)
	return buf
}

func (h *Handle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

// KernelDropped reports packets dropped by the kernel since open. The
// socket counters reset on every read, so they are accumulated here.
func (h *Handle) KernelDropped() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, source.ErrUnsupported
	}
	st, err := unix.GetsockoptTpacketStats(h.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return 0, err
	}
	h.dropped += uint64(st.Drops)
	return h.dropped, nil
}

func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	unix.Close(h.fd)
}
