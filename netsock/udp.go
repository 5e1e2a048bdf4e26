package netsock

import (
	"net"
	"time"

	"github.com/opendgram/snp/certstore"
	"github.com/opendgram/snp/config"
	"github.com/opendgram/snp/conn"
	"github.com/opendgram/snp/handshake"
	"github.com/opendgram/snp/snpcrypto"
	"github.com/opendgram/snp/transport"
)

// DialUDP implements C8's "open_bound" client dial path (spec.md §6)
// layered over the real crypto handshake (spec.md §4.2): it allocates a
// local connection id, binds a UDPTransport to remote, and installs a
// handshake.DialSession as the transport's connect-request builder and
// pre-handshake byte sink, so the connect/connect-ok round trip runs the
// moment conn.thinkHandshaking starts retrying — driven automatically
// once a Service is polling reg's scheduler.
func (reg *Registry) DialUDP(raw *transport.RawSocket, remote *net.UDPAddr, cfg conn.Config, fakeCfg config.FakeNetwork, id handshake.Identity, prefs []snpcrypto.Cipher, store *certstore.Store, expectedRemoteIdentity string, remoteClass snpcrypto.IdentityClass, randSource func([]byte) (int, error), now time.Time) *conn.Connection {
	localConnID := reg.AllocLocalConnID()
	ut := transport.NewUDPTransport(raw, remote, fakeCfg)

	// remoteConnID is unknown until the peer's connect-ok names its own
	// local id; CompleteHandshake fixes up c.RemoteConnID once it arrives.
	// crypto starts as the NULL context purely as scratch state — no
	// payload is ever sealed under it before CompleteHandshake installs
	// the derived AES-256-GCM context and flips the state to Connected.
	c := conn.New(cfg, localConnID, 0, ut, snpcrypto.NewNullContext(), true, now)

	hs := handshake.NewDialSession(id, localConnID, prefs, randSource)
	ut.SetConnectSender(func(time.Time) {
		frame, err := hs.Start()
		if err != nil {
			c.Log.Warnf("handshake: building connect frame: %v", err)
			return
		}
		if _, err := ut.SendRaw(frame); err != nil {
			c.Log.Warnf("handshake: sending connect frame: %v", err)
		}
	})
	ut.SetHandshakeSink(func(ev transport.RecvEvent) {
		in := snpcrypto.HandshakeInputs{
			CertStore:              store,
			Now:                    ev.Timestamp,
			ExpectedRemoteIdentity: expectedRemoteIdentity,
			RemoteIdentityClass:    remoteClass,
		}
		ctx, cipher, remoteIdentity, remoteConnID, err := hs.Complete(ev.Data, in)
		if err != nil {
			c.Log.Warnf("handshake: rejecting connect-ok: %v", err)
			return
		}
		c.RemoteConnID = remoteConnID
		c.CompleteHandshake(cipher, ctx, remoteIdentity, ev.Timestamp)
		ut.SetPeer(c)
	})

	h := reg.conns.Insert(&ConnEntry{Conn: c})
	if entry, err := reg.conns.Get(h); err == nil {
		entry.Handle = h
	}
	c.OnDestroy = func(*conn.Connection) {
		ut.Close()
		reg.conns.Remove(h)
	}
	reg.track(c, localConnID, now)
	return c
}

// UDPAcceptor is the server half of C8's listen-socket wiring: its
// OnUnrouted method is meant to be passed as transport.OpenRawUDP's
// onUnrouted callback. For every connect frame arriving from a remote
// address with no bound UDPTransport yet, it runs handshake.Accept,
// binds a fresh UDPTransport for that remote, and hands the resulting
// already-Connected Connection to its Listener.
type UDPAcceptor struct {
	Listener    *Listener
	Raw         *transport.RawSocket
	Cfg         conn.Config
	FakeCfg     config.FakeNetwork
	Identity    handshake.Identity
	Prefs       []snpcrypto.Cipher
	Store       *certstore.Store
	RemoteClass snpcrypto.IdentityClass
	Rand        func([]byte) (int, error)

	// ExpectedRemoteIdentity pins the accepted peer's cert identity, the
	// same way a dialing client pins the server's. Leave empty only when
	// every connecting cert legitimately uses the "localhost"/anonymous
	// carve-outs ValidateCert already grants.
	ExpectedRemoteIdentity string
}

// NewUDPAcceptor registers a Listener in reg and returns the acceptor
// whose OnUnrouted method drives it from a transport.RawSocket.
func (reg *Registry) NewUDPAcceptor(raw *transport.RawSocket, cfg conn.Config, fakeCfg config.FakeNetwork, id handshake.Identity, prefs []snpcrypto.Cipher, store *certstore.Store, remoteClass snpcrypto.IdentityClass, expectedRemoteIdentity string, randSource func([]byte) (int, error), accept func(c *conn.Connection)) *UDPAcceptor {
	return &UDPAcceptor{
		Listener:               reg.Listen(accept),
		Raw:                    raw,
		Cfg:                    cfg,
		FakeCfg:                fakeCfg,
		Identity:               id,
		Prefs:                  prefs,
		Store:                  store,
		RemoteClass:            remoteClass,
		Rand:                   randSource,
		ExpectedRemoteIdentity: expectedRemoteIdentity,
	}
}

// OnUnrouted implements transport.OpenRawUDP's onUnrouted callback.
func (a *UDPAcceptor) OnUnrouted(ev transport.RecvEvent) {
	reg := a.Listener.reg
	localConnID := reg.AllocLocalConnID()

	in := snpcrypto.HandshakeInputs{CertStore: a.Store, Now: ev.Timestamp, ExpectedRemoteIdentity: a.ExpectedRemoteIdentity, RemoteIdentityClass: a.RemoteClass}
	reply, ctx, cipher, remoteIdentity, remoteConnID, err := handshake.Accept(ev.Data, a.Identity, localConnID, a.Prefs, in, a.Rand)
	if err != nil {
		reg.connIDs.Free(localConnID)
		return
	}

	ut := transport.NewUDPTransport(a.Raw, ev.From, a.FakeCfg)
	c := conn.New(a.Cfg, localConnID, remoteConnID, ut, ctx, true, ev.Timestamp)
	ut.SetPeer(c)
	c.CompleteHandshake(cipher, ctx, remoteIdentity, ev.Timestamp)

	a.Listener.Accept(remoteIdentity, remoteConnID, c)

	if _, err := ut.SendRaw(reply); err != nil {
		c.Log.Warnf("handshake: sending connect-ok: %v", err)
	}
}
