package adc

import (
	"bufio"
	"compress/zlib"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/direct-connect/go-dc/keyprint"
	"github.com/direct-connect/go-dc/keyprint/tlskp"
)

var Debug bool

const (
	SchemeADC  = "adc"
	SchemeADCS = "adcs"

	DefaultPort = 1511

	maxLineLen = 1 << 16
)

var dialer = net.Dialer{}

// ParseAddr accepts "adc://host:port" or "adcs://host:port" (with an
// optional "?kp=..." keyprint query, as emitted by SCH/RCM/hub redirects).
func ParseAddr(addr string) (*url.URL, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeADC, SchemeADCS:
	default:
		return nil, fmt.Errorf("adc: unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

// Dial connects to a hub or peer at addr ("adc://..." or "adcs://...").
func Dial(addr string) (*Conn, error) {
	return DialContext(context.Background(), addr)
}

func DialContext(ctx context.Context, addr string) (*Conn, error) {
	u, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	secure := u.Scheme == SchemeADCS
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host, port, err = net.SplitHostPort(u.Host + ":" + strconv.Itoa(DefaultPort))
		if err != nil {
			return nil, err
		}
	}
	target := net.JoinHostPort(host, port)

	raw, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}

	var kps []string
	var nc net.Conn = raw
	if secure {
		sc := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
		if err := sc.Handshake(); err != nil {
			_ = sc.Close()
			return nil, fmt.Errorf("adc: TLS handshake failed: %w", err)
		}
		nc = sc
		if exp := keyprint.FromURL(u); exp != "" {
			if kps, err = tlskp.VerifyKeyPrint(sc, exp); err != nil {
				_ = sc.Close()
				return nil, err
			}
		} else {
			kps = tlskp.GetKeyPrints(sc)
		}
	}
	c := NewConn(nc)
	c.kps = kps
	return c, nil
}

// Conn is a buffered ADC line connection shared by hub sessions and peer
// connections: it frames on '\n', can switch to a zlib-wrapped stream for
// the lifetime of the connection (ZON/ZOF) and can drop to raw binary reads
// for SND/GET blom payloads.
type Conn struct {
	conn net.Conn
	kps  []string

	wmu    sync.Mutex
	w      *bufio.Writer
	zw     *zlib.Writer
	zOut   bool
	closed bool

	rmu sync.Mutex
	r   *bufio.Reader
	zr  io.ReadCloser
	zbr *bufio.Reader
	zIn bool
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		w:    bufio.NewWriter(conn),
		r:    bufio.NewReaderSize(conn, 4096),
	}
}

func (c *Conn) GetKeyPrints() []string { return c.kps }

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// EnableZlibOut wraps subsequent writes in a zlib stream (ZON sent).
func (c *Conn) EnableZlibOut() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.zOut {
		return nil
	}
	c.zw = zlib.NewWriter(c.w)
	c.zOut = true
	return nil
}

// DisableZlibOut flushes and tears down the outgoing zlib stream (ZOF sent).
func (c *Conn) DisableZlibOut() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.zOut {
		return nil
	}
	err := c.zw.Close()
	c.zw = nil
	c.zOut = false
	return err
}

// EnableZlibIn wraps subsequent reads in a zlib stream (ZON received).
func (c *Conn) EnableZlibIn() error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.zIn {
		return nil
	}
	zr, err := zlib.NewReader(c.r)
	if err != nil {
		return err
	}
	c.zr = zr
	c.zbr = bufio.NewReader(zr)
	c.zIn = true
	return nil
}

// DisableZlibIn tears down the incoming zlib stream (ZOF received).
func (c *Conn) DisableZlibIn() error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !c.zIn {
		return nil
	}
	err := c.zr.Close()
	c.zr = nil
	c.zbr = nil
	c.zIn = false
	return err
}

// activeReader returns the persistent buffered reader for the current mode.
func (c *Conn) activeReader() *bufio.Reader {
	if c.zIn {
		return c.zbr
	}
	return c.r
}

func (c *Conn) rawReader() io.Reader {
	return c.activeReader()
}

func (c *Conn) rawWriter() io.Writer {
	if c.zOut {
		return c.zw
	}
	return c.w
}

// WritePacket marshals msg under the given class/from/to/feature and
// writes one framed line.
func (c *Conn) WritePacket(class Class, from, to SID, feature string, msg Message) error {
	p := &Packet{Class: class, Name: msg.Cmd(), From: from, To: to, Feature: feature}
	line := p.Marshal(msg)
	return c.writeLine(line)
}

// WritePacketAs is WritePacket with an explicit command name, for messages
// like RCM/RNT that share a Go type (and thus a Cmd()) with CTM/NAT.
func (c *Conn) WritePacketAs(class Class, from, to SID, feature string, name FourCC, msg Message) error {
	p := &Packet{Class: class, Name: name, From: from, To: to, Feature: feature}
	return c.writeLine(p.Marshal(msg))
}

// WriteInfoMsg writes an I-class message (no addressing), used during
// login before a SID has been assigned.
func (c *Conn) WriteInfoMsg(msg Message) error {
	p := &Packet{Class: ClassInfo, Name: msg.Cmd()}
	return c.writeLine(p.Marshal(msg))
}

// WriteHubMsg writes an H-class message, sent by a client to its hub.
func (c *Conn) WriteHubMsg(msg Message) error {
	p := &Packet{Class: ClassHub, Name: msg.Cmd()}
	return c.writeLine(p.Marshal(msg))
}

// WriteBroadcast writes a B-class message from sid.
func (c *Conn) WriteBroadcast(sid SID, msg Message) error {
	return c.WritePacket(ClassBroadcast, sid, SID{}, "", msg)
}

// WriteDirect writes a D-class message from->to.
func (c *Conn) WriteDirect(from, to SID, msg Message) error {
	return c.WritePacket(ClassDirect, from, to, "", msg)
}

func (c *Conn) writeLine(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return fmt.Errorf("adc: write on closed connection")
	}
	w := c.rawWriter()
	if Debug {
		log.Printf("-> %q", string(line))
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return err
	}
	if c.zOut {
		return nil // caller should Flush() to push through the zlib writer
	}
	return c.w.Flush()
}

// Flush pushes any buffered bytes (zlib stream included) to the socket.
func (c *Conn) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.zOut {
		if err := c.zw.Flush(); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// ReadPacket reads one framed line and parses its header, applying deadline
// if non-zero.
func (c *Conn) ReadPacket(deadline time.Time) (*Packet, error) {
	line, err := c.readLine(deadline)
	if err != nil {
		return nil, err
	}
	return ParsePacket(line)
}

// ReadMsg reads one packet and decodes it to its concrete Message.
func (c *Conn) ReadMsg(deadline time.Time) (Message, error) {
	p, err := c.ReadPacket(deadline)
	if err != nil {
		return nil, err
	}
	return p.Decode()
}

func (c *Conn) readLine(deadline time.Time) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !deadline.IsZero() {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	br := c.activeReader()
	line, err := br.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	if len(line) > maxLineLen {
		return nil, fmt.Errorf("adc: line too long: %d bytes", len(line))
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if Debug {
		log.Printf("<- %q", string(line))
	}
	return line, nil
}

// ReadBinary reads exactly n raw bytes, bypassing line framing, for the
// payload that follows a GET/SND blom header.
func (c *Conn) ReadBinary(n int, deadline time.Time) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !deadline.IsZero() {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rawReader(), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBinary writes raw bytes, bypassing line framing.
func (c *Conn) WriteBinary(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rawWriter().Write(b)
	return err
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var last error
	if c.zOut {
		if err := c.zw.Close(); err != nil {
			last = err
		}
	}
	if err := c.w.Flush(); err != nil {
		last = err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.conn.Close(); err != nil {
		last = err
	}
	return last
}
