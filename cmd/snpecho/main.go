// Command snpecho is a minimal demo binary wiring a real UDP client and
// server through the full crypto handshake (spec.md §4.2) and the
// timerqueue-driven service thread (spec.md §5), instead of a hand-rolled
// polling loop: it builds a two-level ed25519 cert chain, dials over a
// loopback UDP socket, and prints what the server received once the AEAD
// session comes up.
//
// Grounded on ping/ping.go's role as a small end-to-end demo binary over
// the katzenpost client stack.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/opendgram/snp/certstore"
	"github.com/opendgram/snp/config"
	"github.com/opendgram/snp/conn"
	"github.com/opendgram/snp/handshake"
	"github.com/opendgram/snp/message"
	"github.com/opendgram/snp/metrics"
	"github.com/opendgram/snp/netsock"
	"github.com/opendgram/snp/snpcrypto"
	"github.com/opendgram/snp/transport"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "snpecho"})
	now := time.Now()

	store, serverID, clientID, err := buildTrustChain(now)
	if err != nil {
		logger.Fatalf("building cert chain: %v", err)
	}

	cfg := config.Default()
	connCfg := cfg.ConnConfig(snpcrypto.CipherAES256GCM)
	fakeCfg := cfg.FakeNetwork()
	prefs := []snpcrypto.Cipher{snpcrypto.CipherAES256GCM}

	reg := netsock.NewRegistry()
	collector := metrics.NewCollector("snpecho", "conn")
	prometheus.MustRegister(collector)

	received := make(chan *message.Message, 1)
	accept := func(c *conn.Connection) {
		logger.Infof("server accepted connection from %q", c.RemoteIdentity)
		collector.Add(c.Description, metrics.Tracked{Description: c.Description, Stats: c.Stats})
	}

	var acceptor *netsock.UDPAcceptor
	serverRaw, err := transport.OpenRawUDP("127.0.0.1:0", func(ev transport.RecvEvent) {
		acceptor.OnUnrouted(ev)
	})
	if err != nil {
		logger.Fatalf("opening server socket: %v", err)
	}
	defer serverRaw.Close()

	acceptor = reg.NewUDPAcceptor(serverRaw, connCfg, fakeCfg, serverID, prefs, store,
		snpcrypto.IdentityOrdinary, "client", rand.Read, accept)

	serverAddr := serverRaw.LocalAddr().(*net.UDPAddr)

	clientRaw, err := transport.OpenRawUDP("127.0.0.1:0", nil)
	if err != nil {
		logger.Fatalf("opening client socket: %v", err)
	}
	defer clientRaw.Close()

	c := reg.DialUDP(clientRaw, serverAddr, connCfg, fakeCfg, clientID, prefs, store,
		"server", snpcrypto.IdentityOrdinary, rand.Read, now)
	collector.Add(c.Description, metrics.Tracked{Description: c.Description, Stats: c.Stats})

	svc := netsock.NewService(reg)
	defer svc.Halt()

	if _, err := c.SendMessage([]byte("hello over real UDP"), message.FlagReliable, time.Now()); err != nil {
		logger.Fatalf("send failed: %v", err)
	}

	for _, child := range pollForChild(acceptor, 2*time.Second) {
		go drainInto(child, received)
	}

	select {
	case m := <-received:
		logger.Infof("server received msg_num=%d payload=%q", m.MsgNum, string(m.Payload))
		m.Release()
	case <-time.After(3 * time.Second):
		logger.Fatalf("timed out waiting for delivery")
	}

	logFinalMetrics(logger, collector)
}

// pollForChild waits for the acceptor's listener to admit the dialed
// client, returning its accepted side.
func pollForChild(a *netsock.UDPAcceptor, timeout time.Duration) []*conn.Connection {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if children := a.Listener.Children(); len(children) > 0 {
			return children
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func drainInto(c *conn.Connection, out chan<- *message.Message) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m := c.ReceiveMessage(); m != nil {
			out <- m
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// buildTrustChain mints a root key, registered directly as a trusted root,
// and two leaf certs (server, client) signed by it, the minimal shape
// certstore.Store.Verify walks
// (spec.md §4.2 steps 1-3).
func buildTrustChain(now time.Time) (*certstore.Store, handshake.Identity, handshake.Identity, error) {
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, handshake.Identity{}, handshake.Identity{}, err
	}
	store := certstore.NewStore()
	rootKeyID := "root-ca"
	store.AddRoot(rootKeyID, rootPub, certstore.AuthScope{
		AllApps: true,
		AllPops: true,
		Expiry:  now.Add(24 * time.Hour),
	})

	server, err := signLeaf(rootKeyID, rootPriv, "server", now)
	if err != nil {
		return nil, handshake.Identity{}, handshake.Identity{}, err
	}
	client, err := signLeaf(rootKeyID, rootPriv, "client", now)
	if err != nil {
		return nil, handshake.Identity{}, handshake.Identity{}, err
	}
	return store, server, client, nil
}

func signLeaf(rootKeyID string, rootPriv ed25519.PrivateKey, identity string, now time.Time) (handshake.Identity, error) {
	leafPub, leafPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return handshake.Identity{}, err
	}
	cert := &certstore.Cert{
		KeyType:     "Ed25519",
		KeyData:     leafPub,
		Identity:    identity,
		AppIDs:      []certstore.AppID{1},
		TimeCreated: now,
		TimeExpiry:  now.Add(24 * time.Hour),
	}
	certBytes, err := certstore.EncodeCert(cert)
	if err != nil {
		return handshake.Identity{}, err
	}
	sig := ed25519.Sign(rootPriv, certBytes)
	signed := certstore.SignedCert{
		SignedCertBytes: certBytes,
		CAKeyID:         []byte(rootKeyID),
		CASignature:     sig,
	}
	return handshake.Identity{Cert: signed, SignKey: leafPriv}, nil
}

func logFinalMetrics(logger *log.Logger, collector *metrics.Collector) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		logger.Warnf("registering collector for final dump: %v", err)
		return
	}
	families, err := reg.Gather()
	if err != nil {
		logger.Warnf("gathering metrics: %v", err)
		return
	}
	enc := expfmt.NewEncoder(os.Stdout, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			logger.Warnf("encoding metric family %s: %v", mf.GetName(), err)
		}
	}
	fmt.Fprintln(os.Stdout)
}
