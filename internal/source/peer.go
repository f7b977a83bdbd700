package source

import (
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"
)

// peer is one outbound Bitcoin P2P connection: a thin wire-message
// read/write wrapper with no block-download bookkeeping of its own. A
// peer only ever hands raw wire messages up to the Adapter.
type peer struct {
	address     string
	conn        net.Conn
	connected   bool
	pver        uint32
	net         wire.BitcoinNet
	dialTimeout time.Duration
}

func newPeer(address string, net_ wire.BitcoinNet, pver uint32) *peer {
	return &peer{
		address:     address,
		net:         net_,
		pver:        pver,
		dialTimeout: 10 * time.Second,
	}
}

func (p *peer) String() string { return p.address }

func (p *peer) isConnected() bool { return p.connected }

func (p *peer) connect() error {
	conn, err := net.DialTimeout("tcp", p.address, p.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %v: %w", p.address, err)
	}
	p.conn = conn
	p.connected = true
	return nil
}

func (p *peer) close() error {
	p.connected = false
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func (p *peer) write(msg wire.Message) error {
	if !p.connected {
		return fmt.Errorf("peer not connected: %v", p.address)
	}
	_, err := wire.WriteMessageN(p.conn, msg, p.pver, p.net)
	return err
}

func (p *peer) read() (wire.Message, error) {
	if !p.connected {
		return nil, fmt.Errorf("peer not connected: %v", p.address)
	}
	msg, _, err := wire.ReadMessage(p.conn, p.pver, p.net)
	return msg, err
}

// handshake performs the version/verack exchange required before a peer
// will forward anything else.
func (p *peer) handshake(log loggo.Logger, me, them *wire.NetAddress) error {
	nonce, err := wire.RandomUint64()
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	ver := wire.NewMsgVersion(me, them, nonce, 0)
	ver.AddUserAgent("gabriel", "0.1.0")
	ver.ProtocolVersion = int32(p.pver)
	if err := p.write(ver); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	gotVersion, gotVerack := false, false
	for !gotVersion || !gotVerack {
		msg, err := p.read()
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			gotVersion = true
			log.Debugf("peer %v version %v", p.address, m.ProtocolVersion)
			if err := p.write(wire.NewMsgVerAck()); err != nil {
				return fmt.Errorf("write verack: %w", err)
			}
		case *wire.MsgVerAck:
			gotVerack = true
		default:
			// Ignore anything else seen before the handshake
			// completes; some peers send addr/ping eagerly.
		}
	}
	return nil
}
