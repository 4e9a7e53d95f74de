package wsclient

import (
	"io"
	"net"
	"time"
)

// rwcConn adapts the io.ReadWriteCloser that net/http exposes as a 101
// response body into a net.Conn, which is what wsconn.New requires. Deadline
// and address methods are stubs: the handshake's underlying connection is
// not reachable through this interface, so timeouts for a dialed connection
// must come from the context passed to Dial instead.
type rwcConn struct {
	io.ReadWriteCloser
}

func (rwcConn) LocalAddr() net.Addr             { return stubAddr{} }
func (rwcConn) RemoteAddr() net.Addr            { return stubAddr{} }
func (rwcConn) SetDeadline(time.Time) error      { return nil }
func (rwcConn) SetReadDeadline(time.Time) error  { return nil }
func (rwcConn) SetWriteDeadline(time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "websocket" }
func (stubAddr) String() string  { return "websocket" }
