package circuit

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/rivergate/shadowcircuit/cell"
	"github.com/rivergate/shadowcircuit/xerr"
)

// Conn is a transport to a circuit's first hop (the guard). It is the only
// boundary the circuit manager crosses with dynamic dispatch, per the
// connection-trait seam described for this subsystem.
type Conn interface {
	ReadCell() (cell.Cell, error)
	WriteCell(c cell.Cell) error
	SetDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to a guard relay's OR-port address ("host:port").
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DirectDialer dials real TCP connections to guard relays.
type DirectDialer struct {
	NetDialer net.Dialer
}

func (d *DirectDialer) Dial(ctx context.Context, address string) (Conn, error) {
	nc, err := d.NetDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, xerr.New(xerr.Network, "circuit.DirectDialer.Dial", err)
	}
	return &netConn{
		conn: nc,
		r:    cell.NewReader(bufio.NewReader(nc)),
		w:    cell.NewWriter(nc),
	}, nil
}

type netConn struct {
	conn net.Conn
	r    *cell.Reader
	w    *cell.Writer
}

func (n *netConn) ReadCell() (cell.Cell, error)    { return n.r.ReadCell() }
func (n *netConn) WriteCell(c cell.Cell) error     { return n.w.WriteCell(c) }
func (n *netConn) SetDeadline(t time.Time) error   { return n.conn.SetDeadline(t) }
func (n *netConn) Close() error                    { return n.conn.Close() }
