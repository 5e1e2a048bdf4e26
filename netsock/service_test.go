package netsock

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opendgram/snp/certstore"
	"github.com/opendgram/snp/config"
	"github.com/opendgram/snp/conn"
	"github.com/opendgram/snp/handshake"
	"github.com/opendgram/snp/message"
	"github.com/opendgram/snp/snpcrypto"
	"github.com/opendgram/snp/transport"
)

func TestConnIDAllocatorNeverReturnsLiveOrRecentID(t *testing.T) {
	a := newConnIDAllocator()

	id := a.Alloc()
	require.NotZero(t, id)
	_, live := a.inUse[id]
	require.True(t, live)

	a.Free(id)
	_, live = a.inUse[id]
	require.False(t, live)
	_, recent := a.seen[id]
	require.True(t, recent)

	// Freeing a full ring's worth of other ids evicts the oldest entry.
	for i := 0; i < recentConnIDRingSize; i++ {
		a.Free(a.Alloc())
	}
	_, recent = a.seen[id]
	require.False(t, recent)
}

func TestConnIDAllocatorFreeEvictsOldestOnWrap(t *testing.T) {
	a := newConnIDAllocator()
	first := a.Alloc()
	a.Free(first)
	require.Len(t, a.seen, 1)

	for i := 0; i < recentConnIDRingSize; i++ {
		a.Free(a.Alloc())
	}
	require.Len(t, a.seen, recentConnIDRingSize)
	_, stillRecent := a.seen[first]
	require.False(t, stillRecent)
}

// TestServiceDrivesTrackedConnections confirms a tracked connection's
// Think advances purely from the Service's scheduler loop: no test code
// calls Think, yet a queued message crosses the loopback pair.
func TestServiceDrivesTrackedConnections(t *testing.T) {
	now := time.Now()
	reg := NewRegistry()
	a, b := reg.NewPair(testPairConfig(), now)

	svc := NewService(reg)
	defer func() {
		svc.Halt()
		svc.Wait()
	}()

	_, err := a.SendMessage([]byte("scheduled"), message.FlagReliable, time.Now())
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m := b.ReceiveMessage(); m != nil {
			require.Equal(t, []byte("scheduled"), m.Payload)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("service thread never delivered the queued message")
}

func testTrustChain(t *testing.T, now time.Time) (*certstore.Store, handshake.Identity, handshake.Identity) {
	t.Helper()
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	store := certstore.NewStore()
	store.AddRoot("root", rootPub, certstore.AuthScope{AllApps: true, AllPops: true, Expiry: now.Add(time.Hour)})

	leaf := func(identity string) handshake.Identity {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		certBytes, err := certstore.EncodeCert(&certstore.Cert{
			KeyType:     "Ed25519",
			KeyData:     pub,
			Identity:    identity,
			AppIDs:      []certstore.AppID{1},
			TimeCreated: now,
			TimeExpiry:  now.Add(time.Hour),
		})
		require.NoError(t, err)
		return handshake.Identity{
			Cert: certstore.SignedCert{
				SignedCertBytes: certBytes,
				CAKeyID:         []byte("root"),
				CASignature:     ed25519.Sign(rootPriv, certBytes),
			},
			SignKey: priv,
		}
	}
	return store, leaf("server"), leaf("client")
}

// TestDialUDPEndToEnd dials and accepts over real loopback UDP sockets,
// running the full cert-verified handshake, and confirms one reliable
// message delivered through the derived AES-256-GCM session.
func TestDialUDPEndToEnd(t *testing.T) {
	now := time.Now()
	store, serverID, clientID := testTrustChain(t, now)
	prefs := []snpcrypto.Cipher{snpcrypto.CipherAES256GCM}
	cfg := testPairConfig()
	fakeCfg := config.FakeNetwork{}

	reg := NewRegistry()

	var acceptor *UDPAcceptor
	serverRaw, err := transport.OpenRawUDP("127.0.0.1:0", func(ev transport.RecvEvent) {
		acceptor.OnUnrouted(ev)
	})
	require.NoError(t, err)
	defer serverRaw.Close()

	acceptor = reg.NewUDPAcceptor(serverRaw, cfg, fakeCfg, serverID, prefs, store,
		snpcrypto.IdentityOrdinary, "client", rand.Read, nil)

	clientRaw, err := transport.OpenRawUDP("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer clientRaw.Close()

	c := reg.DialUDP(clientRaw, serverRaw.LocalAddr().(*net.UDPAddr), cfg, fakeCfg,
		clientID, prefs, store, "server", snpcrypto.IdentityOrdinary, rand.Read, now)

	svc := NewService(reg)
	defer func() {
		svc.Halt()
		svc.Wait()
	}()

	_, err = c.SendMessage([]byte("over real udp"), message.FlagReliable, time.Now())
	if err != nil {
		// The handshake may still be in flight; wait for Connected and retry.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && c.State() != conn.StateConnected {
			time.Sleep(2 * time.Millisecond)
		}
		_, err = c.SendMessage([]byte("over real udp"), message.FlagReliable, time.Now())
		require.NoError(t, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, child := range acceptor.Listener.Children() {
			if m := child.ReceiveMessage(); m != nil {
				require.Equal(t, []byte("over real udp"), m.Payload)
				require.Equal(t, "client", child.RemoteIdentity)
				require.Equal(t, snpcrypto.CipherAES256GCM, child.Cipher)
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("reliable message never delivered across the UDP handshake")
}
