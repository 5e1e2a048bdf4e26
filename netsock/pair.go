package netsock

import (
	"time"

	"github.com/opendgram/snp/conn"
	"github.com/opendgram/snp/snpcrypto"
	"github.com/opendgram/snp/transport"
)

// NewPair implements C8's Pair: "a loopback variant with no encryption"
// (spec.md §2). It builds two Connections already in the Connected state
// (spec.md E1: "No encryption is performed (cipher = NULL by
// construction)"), wired to each other through a transport.Pipe, and
// registers both in reg so they participate in handle-based lookups like
// any accepted connection.
//
// Grounded on spec.md §2/§8 E1 directly (the loopback-pair scenario);
// transport.Pipe itself is grounded on sockatz/common.QUICProxyConn.
func (reg *Registry) NewPair(cfg conn.Config, now time.Time) (a, b *conn.Connection) {
	pipeA, pipeB := transport.NewPipePair()

	localA, localB := reg.AllocLocalConnID(), reg.AllocLocalConnID()
	cA := conn.New(cfg, localA, localB, pipeA, snpcrypto.NewNullContext(), false, now)
	cB := conn.New(cfg, localB, localA, pipeB, snpcrypto.NewNullContext(), false, now)

	pipeA.SetPeer(cB)
	pipeB.SetPeer(cA)

	cA.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "localhost", now)
	cB.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "localhost", now)

	ha := reg.conns.Insert(&ConnEntry{Conn: cA})
	hb := reg.conns.Insert(&ConnEntry{Conn: cB})
	if entry, err := reg.conns.Get(ha); err == nil {
		entry.Handle = ha
	}
	if entry, err := reg.conns.Get(hb); err == nil {
		entry.Handle = hb
	}
	cA.OnDestroy = func(*conn.Connection) { reg.conns.Remove(ha) }
	cB.OnDestroy = func(*conn.Connection) { reg.conns.Remove(hb) }

	reg.track(cA, localA, now)
	reg.track(cB, localB, now)

	return cA, cB
}
