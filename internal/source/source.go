// Package source implements the Block Source Adapter: it wraps an
// embedded Bitcoin P2P light client (header-first sync against a single
// live peer, with dial/handshake retry) and produces a monotone stream
// of BlockEvents on a channel the ingest task drains.
//
// Dial and read failures are treated as transient and retriable rather
// than fatal; headers are requested and tracked ahead of the blocks
// that carry their transactions.
package source

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"

	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

var log = loggo.GetLogger("source")

var (
	mainnetSeeds = []string{
		"seed.bitcoin.sipa.be",
		"dnsseed.bluematt.me",
		"dnsseed.bitcoin.dashjr.org",
		"seed.bitcoinstats.com",
	}
	testnetSeeds = []string{
		"testnet-seed.bitcoin.jonasschnelli.ch",
		"seed.tbtc.petertodd.org",
	}
)

// Config configures the Block Source Adapter. Disabled mirrors
// RUN_NAKAMOTO_ANALYSIS=false: Run dials no peer, emits no events, and
// returns nil once ctx is done, closing the event channel as it returns.
type Config struct {
	Network string // "mainnet" or "testnet"

	// PeersWanted is the total peer connection count the Adapter keeps
	// warm: one active peer pumping headers/blocks plus PeersWanted-1
	// handshaked standbys, so a disconnect fails over to an
	// already-connected peer instead of paying a fresh dial-and-backoff.
	// Only one peer is ever active at a time; the Adapter does not
	// parallelize header/block download across peers.
	PeersWanted int

	Disabled bool
}

func (c Config) chainParams() *chaincfg.Params {
	if c.Network == "testnet" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

func (c Config) seeds() []string {
	if c.Network == "testnet" {
		return testnetSeeds
	}
	return mainnetSeeds
}

func (c Config) wireNet() wire.BitcoinNet {
	if c.Network == "testnet" {
		return wire.TestNet3
	}
	return wire.MainNet
}

func (c Config) port() string {
	if c.Network == "testnet" {
		return "18333"
	}
	return "8333"
}

const (
	recentBlockCacheSize = 512
	reconnectBackoffMin  = 1 * time.Second
	reconnectBackoffMax  = 30 * time.Second
)

// Adapter is the Block Source Adapter. It owns exactly one active peer
// connection at a time; on disconnect it reseeds and reconnects with
// exponential backoff rather than surfacing the failure as fatal.
type Adapter struct {
	cfg Config

	events chan gabriel.BlockEvent

	mtx     sync.Mutex
	cache   map[chainhash.Hash][]byte
	order   []chainhash.Hash
	active  *peer
	standby []*peer

	resumeHeight  uint32
	resumeHash    chainhash.Hash
	headerHeights map[chainhash.Hash]uint32
}

// New constructs an Adapter. Call Run to start pumping BlockEvents.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:           cfg,
		events:        make(chan gabriel.BlockEvent, 64),
		cache:         make(map[chainhash.Hash][]byte, recentBlockCacheSize),
		headerHeights: make(map[chainhash.Hash]uint32),
	}
}

// Events returns the channel of BlockEvents. It is closed when Run
// returns, whether normally (ctx cancelled) or because Disabled is set.
func (a *Adapter) Events() <-chan gabriel.BlockEvent { return a.events }

// Resume tells the Adapter where to start header sync from: the last
// ChainTip persisted by the UTXO Index. Call this before Run. The zero
// value (height 0, zero hash) starts from genesis.
func (a *Adapter) Resume(height uint32, hash chainhash.Hash) {
	a.resumeHeight = height
	a.resumeHash = hash
}

// BlockByHash resolves a recently-seen block by hash, as needed by the
// Reorg Controller to walk back ancestor hashes. Only the most recent
// recentBlockCacheSize blocks are retained; a miss means the caller must
// fall back to its own persisted block record, if any.
func (a *Adapter) BlockByHash(hash [32]byte) ([]byte, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	b, ok := a.cache[chainhash.Hash(hash)]
	return b, ok
}

func (a *Adapter) remember(hash chainhash.Hash, raw []byte) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if _, exists := a.cache[hash]; !exists {
		a.order = append(a.order, hash)
		if len(a.order) > recentBlockCacheSize {
			oldest := a.order[0]
			a.order = a.order[1:]
			delete(a.cache, oldest)
		}
	}
	a.cache[hash] = raw
}

// Run drives the adapter until ctx is cancelled. Dial and peer failures
// are retried rather than returned: Run always returns nil.
func (a *Adapter) Run(ctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")
	defer close(a.events)

	if a.cfg.Disabled {
		log.Infof("block source disabled (RUN_NAKAMOTO_ANALYSIS=false)")
		<-ctx.Done()
		return nil
	}

	go a.maintainStandby(ctx)
	defer a.closeStandby()

	backoff := reconnectBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		p := a.takeStandby()
		if p == nil {
			var err error
			p, err = a.dialOne(ctx)
			if err != nil {
				log.Warnf("dial peer: %v", err)
				if !sleepBackoff(ctx, &backoff) {
					return nil
				}
				continue
			}
		} else {
			log.Infof("promoted standby peer %v to active", p)
		}
		backoff = reconnectBackoffMin

		a.mtx.Lock()
		a.active = p
		a.mtx.Unlock()

		if err := a.pump(ctx, p); err != nil {
			log.Warnf("peer %v disconnected: %v", p, err)
		}
		p.close()
	}
}

// standbyTarget is how many extra peers, beyond the one active
// connection, maintainStandby tries to keep handshaked and idle.
func (a *Adapter) standbyTarget() int {
	n := a.cfg.PeersWanted - 1
	if n < 0 {
		return 0
	}
	return n
}

// maintainStandby keeps standbyTarget extra peers connected and
// handshaked for the life of ctx, so the active loop in Run can fail
// over to an already-warm peer via takeStandby instead of dialing cold.
func (a *Adapter) maintainStandby(ctx context.Context) {
	target := a.standbyTarget()
	if target == 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.mtx.Lock()
		need := target - len(a.standby)
		a.mtx.Unlock()
		if need <= 0 {
			if !sleepIdle(ctx, reconnectBackoffMax) {
				return
			}
			continue
		}

		p, err := a.connectPeer()
		if err != nil {
			if !sleepIdle(ctx, reconnectBackoffMin) {
				return
			}
			continue
		}
		log.Debugf("standby peer %v handshaked", p)

		a.mtx.Lock()
		a.standby = append(a.standby, p)
		a.mtx.Unlock()
	}
}

func sleepIdle(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// takeStandby pops the first still-connected standby peer, if any.
func (a *Adapter) takeStandby() *peer {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for len(a.standby) > 0 {
		p := a.standby[0]
		a.standby = a.standby[1:]
		if p.isConnected() {
			return p
		}
	}
	return nil
}

func (a *Adapter) closeStandby() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for _, p := range a.standby {
		p.close()
	}
	a.standby = nil
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > reconnectBackoffMax {
		*backoff = reconnectBackoffMax
	}
	return true
}

func (a *Adapter) dialOne(ctx context.Context) (*peer, error) {
	p, err := a.connectPeer()
	if err != nil {
		return nil, err
	}
	log.Infof("connected to peer %v", p)
	return p, nil
}

// connectPeer dials a random seed-resolved address and completes the
// version/verack handshake. Used both for the active peer and for
// standbys maintained in the background.
func (a *Adapter) connectPeer() (*peer, error) {
	addrs, err := a.resolveSeeds()
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("resolve seeds: %w", err)
	}

	addr := addrs[rand.Intn(len(addrs))]
	p := newPeer(net.JoinHostPort(addr, a.cfg.port()), a.cfg.wireNet(), uint32(wire.ProtocolVersion))
	if err := p.connect(); err != nil {
		return nil, err
	}

	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	them := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	if err := p.handshake(log, me, them); err != nil {
		p.close()
		return nil, fmt.Errorf("handshake %v: %w", p, err)
	}
	return p, nil
}

func (a *Adapter) resolveSeeds() ([]string, error) {
	var addrs []string
	for _, seed := range a.cfg.seeds() {
		ips, err := net.LookupHost(seed)
		if err != nil {
			continue
		}
		addrs = append(addrs, ips...)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no seeds resolved")
	}
	return addrs, nil
}

// pump requests headers forward from the resume hash (genesis when none
// was set) and
// downloads the block for every header it learns about, emitting a
// Connected BlockEvent per block in the order the peer sends headers.
// Reorg detection happens downstream in the processor: the adapter
// surfaces whatever the peer delivers without judging it.
func (a *Adapter) pump(ctx context.Context, p *peer) error {
	getAddr := wire.NewMsgGetAddr()
	if err := p.write(getAddr); err != nil {
		return fmt.Errorf("getaddr: %w", err)
	}

	start := a.cfg.chainParams().GenesisHash
	if a.resumeHash != (chainhash.Hash{}) {
		start = &a.resumeHash
	}
	if err := a.requestHeaders(p, []*chainhash.Hash{start}); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := p.read()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch m := msg.(type) {
		case *wire.MsgHeaders:
			if err := a.handleHeaders(p, m); err != nil {
				return err
			}
		case *wire.MsgBlock:
			a.handleBlock(m)
		case *wire.MsgInv:
			a.handleInv(p, m)
		case *wire.MsgPing:
			_ = p.write(wire.NewMsgPong(m.Nonce))
		default:
			// Ignore addr, sendheaders, feefilter and the rest;
			// this adapter only needs headers/blocks/inv.
			log.Tracef("unhandled message from %v: %v", p, spew.Sdump(m))
		}
	}
}

func (a *Adapter) requestHeaders(p *peer, locator []*chainhash.Hash) error {
	gh := wire.NewMsgGetHeaders()
	gh.BlockLocatorHashes = locator
	return p.write(gh)
}

func (a *Adapter) handleHeaders(p *peer, msg *wire.MsgHeaders) error {
	if len(msg.Headers) == 0 {
		return nil
	}

	a.mtx.Lock()
	height := a.resumeHeight
	if len(a.headerHeights) > 0 {
		if h, ok := a.headerHeights[msg.Headers[0].PrevBlock]; ok {
			height = h
		}
	}
	getData := wire.NewMsgGetData()
	for _, h := range msg.Headers {
		height++
		hash := h.BlockHash()
		a.headerHeights[hash] = height
		_ = getData.AddInvVect(&wire.InvVect{Type: wire.InvTypeBlock, Hash: hash})
	}
	a.mtx.Unlock()

	if err := p.write(getData); err != nil {
		return fmt.Errorf("getdata: %w", err)
	}

	last := msg.Headers[len(msg.Headers)-1].BlockHash()
	return a.requestHeaders(p, []*chainhash.Hash{&last})
}

func (a *Adapter) handleInv(p *peer, msg *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	for _, inv := range msg.InvList {
		if inv.Type == wire.InvTypeBlock {
			_ = getData.AddInvVect(inv)
		}
	}
	if len(getData.InvList) > 0 {
		_ = p.write(getData)
	}
}

func (a *Adapter) handleBlock(msg *wire.MsgBlock) {
	hash := msg.Header.BlockHash()

	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		log.Errorf("serialize block %v: %v", hash, err)
		return
	}
	raw := buf.Bytes()
	a.remember(hash, raw)

	a.mtx.Lock()
	height := a.headerHeights[hash]
	a.mtx.Unlock()
	log.Debugf("block %v height %d (%v)", hash, height, humanize.Bytes(uint64(len(raw))))

	event := gabriel.BlockEvent{
		Kind:     gabriel.EventConnected,
		Height:   height,
		Hash:     [32]byte(hash),
		PrevHash: [32]byte(msg.Header.PrevBlock),
		Raw:      raw,
	}
	a.events <- event
}
