package gate

import (
	"net"
)

// filteredListener drops connections whose address fails the allow filter
// before the TLS handshake starts
type filteredListener struct {
	net.Listener
	gate *Gate
}

// Listener wraps ln with the gate's address filter
func (g *Gate) Listener(ln net.Listener) net.Listener {
	if g.allow == nil {
		return ln
	}
	return &filteredListener{Listener: ln, gate: g}
}

func (l *filteredListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.gate.AllowAddr(conn.RemoteAddr()) {
			return conn, nil
		}
		l.gate.logger.Warnw("Rejected peer address", "address", conn.RemoteAddr().String())
		conn.Close()
	}
}
