// Package hbri implements the hybrid-reachability validator: a side-channel
// TCP/TLS dial that proves the client is reachable on an IP family other
// than the one the hub connection itself uses.
package hbri

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/metrics"
)

const (
	connectDeadline = 10 * time.Second
	pollSlice       = 100 * time.Millisecond
	maxReply        = 8 * 1024
)

// Request describes one HBRI validation request, as carried by the hub's
// `ITCP` frame.
type Request struct {
	IP       string
	Port     int
	Token    string
	V6       bool
	Secure   bool
	LocalV4  net.IP // bind hint when dialing out on the v4 family
	LocalV6  net.IP
}

// Result is delivered once the validator finishes, successfully or not.
type Result struct {
	Success bool
	V6      bool
	Err     error
}

// Validator runs exactly one validation at a time; a new Start call
// cancels and joins any run in progress first, per spec §4.D ("Concurrent
// validators are serialized").
type Validator struct {
	mu      sync.Mutex
	cancel  chan struct{}
	done    chan struct{}
}

func NewValidator() *Validator { return &Validator{} }

// Start cancels any in-flight validation, waits for it to finish, then
// launches req in a new goroutine and delivers exactly one Result on the
// returned channel.
func (v *Validator) Start(req Request) <-chan Result {
	v.mu.Lock()
	if v.cancel != nil {
		select {
		case <-v.cancel:
		default:
			close(v.cancel)
		}
		done := v.done
		v.mu.Unlock()
		<-done
		v.mu.Lock()
	}
	cancel := make(chan struct{})
	done := make(chan struct{})
	v.cancel = cancel
	v.done = done
	v.mu.Unlock()

	out := make(chan Result, 1)
	go func() {
		defer close(done)
		res := run(req, cancel)
		outcome := "success"
		if !res.Success {
			outcome = "failure"
		}
		metrics.HBRIAttempts.WithLabelValues(outcome).Inc()
		out <- res
	}()
	return out
}

// Stop cancels any in-flight validation and waits for it to report.
func (v *Validator) Stop() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.mu.Unlock()
	if cancel == nil {
		return
	}
	select {
	case <-cancel:
	default:
		close(cancel)
	}
	<-done
}

func run(req Request, cancel <-chan struct{}) Result {
	network := "tcp4"
	if req.V6 {
		network = "tcp6"
	}
	var localAddr net.Addr
	if req.V6 && req.LocalV6 != nil {
		localAddr = &net.TCPAddr{IP: req.LocalV6}
	} else if !req.V6 && req.LocalV4 != nil {
		localAddr = &net.TCPAddr{IP: req.LocalV4}
	}
	dialer := net.Dialer{Timeout: connectDeadline, LocalAddr: localAddr}

	addr := net.JoinHostPort(req.IP, fmt.Sprint(req.Port))

	connCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := dialer.Dial(network, addr)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	ticker := time.NewTicker(pollSlice)
	defer ticker.Stop()
	deadline := time.Now().Add(connectDeadline)
	var conn net.Conn
	for conn == nil {
		select {
		case <-cancel:
			return Result{Success: false, V6: req.V6, Err: fmt.Errorf("hbri: cancelled")}
		case err := <-errCh:
			return Result{Success: false, V6: req.V6, Err: err}
		case c := <-connCh:
			conn = c
		case <-ticker.C:
			if time.Now().After(deadline) {
				return Result{Success: false, V6: req.V6, Err: fmt.Errorf("hbri: connect timeout")}
			}
		}
	}
	defer conn.Close()

	if req.Secure {
		tconn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		if err := tconn.Handshake(); err != nil {
			return Result{Success: false, V6: req.V6, Err: err}
		}
		conn = tconn
	}

	htcp := &adc.Packet{Class: adc.ClassHub, Name: adc.CmdTCP}
	req4 := adc.HBRIRequest{Token: req.Token}
	line := htcp.Marshal(req4)
	conn.SetWriteDeadline(time.Now().Add(connectDeadline))
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return Result{Success: false, V6: req.V6, Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(connectDeadline))
	r := bufio.NewReaderSize(conn, maxReply)
	replyLine, err := r.ReadBytes('\n')
	if err != nil && len(replyLine) == 0 {
		return Result{Success: false, V6: req.V6, Err: err}
	}
	for len(replyLine) > 0 && (replyLine[len(replyLine)-1] == '\n' || replyLine[len(replyLine)-1] == '\r') {
		replyLine = replyLine[:len(replyLine)-1]
	}
	pkt, err := adc.ParsePacket(replyLine)
	if err != nil {
		return Result{Success: false, V6: req.V6, Err: err}
	}
	var sta adc.Status
	if err := pkt.DecodeTo(&sta); err != nil {
		return Result{Success: false, V6: req.V6, Err: err}
	}
	if !sta.Ok() {
		return Result{Success: false, V6: req.V6, Err: sta.Err()}
	}
	return Result{Success: true, V6: req.V6}
}
