// Package gate authenticates peers before any request reaches the dispatcher.
// Every connection is mutual TLS 1.3 with ed25519 certificates; a client is
// admitted only if its certificate key is in the trusted keystore and its
// address passes the allow filter.
package gate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/keystore"
	"github.com/derivkit/jobhub/sym"
)

// AllowAny accepts peers from every address
const AllowAny = "*"

// Gate admits or rejects peers
type Gate struct {
	hub     *keystore.Keypair
	trusted *keystore.Store
	allow   *net.IPNet // nil = any address
	cert    tls.Certificate
	logger  *zap.SugaredLogger
}

// New builds a gate around the hub keypair. A nil keypair is fatal: the hub
// must never listen unauthenticated.
func New(hub *keystore.Keypair, trusted *keystore.Store, allow string, logger *zap.SugaredLogger) (*Gate, error) {
	if hub == nil || len(hub.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("hub private key is required to listen")
	}
	if trusted == nil {
		return nil, errors.New("trusted keystore is required")
	}

	allowNet, err := parseAllow(allow)
	if err != nil {
		return nil, err
	}

	cert, err := Certificate(hub)
	if err != nil {
		return nil, err
	}

	return &Gate{
		hub:     hub,
		trusted: trusted,
		allow:   allowNet,
		cert:    cert,
		logger:  logger.Named("gate"),
	}, nil
}

func parseAllow(allow string) (*net.IPNet, error) {
	if allow == "" || allow == AllowAny {
		return nil, nil
	}
	if ip := net.ParseIP(allow); ip != nil {
		bits := 8 * len(ip.To16())
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 32
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, ipNet, err := net.ParseCIDR(allow)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid allow filter %q", allow)
	}
	return ipNet, nil
}

// Certificate builds a self-signed certificate carrying the keypair's ed25519
// key. Peers authenticate the key, not the certificate chain.
func Certificate(kp *keystore.Keypair) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "failed to generate certificate serial")
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kp.DID()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "failed to create certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: kp.PrivateKey}, nil
}

// PeerKey extracts the ed25519 key from the leaf of a raw certificate chain
func PeerKey(rawCerts [][]byte) (ed25519.PublicKey, error) {
	if len(rawCerts) == 0 {
		return nil, errors.NewUnauthorizedError("peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, errors.NewUnauthorizedError("invalid peer certificate: %v", err)
	}
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.NewUnauthorizedError("peer certificate key is %T, expected ed25519", leaf.PublicKey)
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, errors.NewUnauthorizedError("peer certificate is outside its validity period")
	}
	return pub, nil
}

// ConnectionKey returns the did:key of an established TLS connection's peer
func ConnectionKey(state tls.ConnectionState) (string, error) {
	raw := make([][]byte, 0, len(state.PeerCertificates))
	for _, c := range state.PeerCertificates {
		raw = append(raw, c.Raw)
	}
	pub, err := PeerKey(raw)
	if err != nil {
		return "", err
	}
	return keystore.EncodeDIDKey(pub), nil
}

// Admit decides whether a peer presenting rawCerts may connect.
// Both outcomes are logged.
func (g *Gate) Admit(rawCerts [][]byte) error {
	pub, err := PeerKey(rawCerts)
	if err != nil {
		g.logger.Warnw(sym.Gate+" Rejected peer", "error", err)
		return err
	}
	did := keystore.EncodeDIDKey(pub)
	key, ok := g.trusted.Lookup(pub)
	if !ok {
		g.logger.Warnw(sym.Gate+" Rejected untrusted key", "peer_key", did)
		return errors.NewUnauthorizedError("key %s is not trusted", did)
	}
	g.logger.Infow(sym.Gate+" Admitted peer", "peer_key", did, "name", key.Name)
	return nil
}

// AllowAddr applies the address filter
func (g *Gate) AllowAddr(addr net.Addr) bool {
	if g.allow == nil {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	return ip != nil && g.allow.Contains(ip)
}

// ServerTLSConfig requires a client certificate and runs Admit during the handshake
func (g *Gate) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{g.cert},
		// Chains are self-signed; trust comes from the keystore, not a CA
		ClientAuth: tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return g.Admit(rawCerts)
		},
	}
}

// HubDID returns the hub's own did:key
func (g *Gate) HubDID() string {
	return g.hub.DID()
}

// ClientTLSConfig is the worker side: present client's certificate and accept
// the server only if it holds hubKey.
func ClientTLSConfig(client *keystore.Keypair, hubKey ed25519.PublicKey) (*tls.Config, error) {
	cert, err := Certificate(client)
	if err != nil {
		return nil, err
	}
	want := keystore.EncodeDIDKey(hubKey)
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		// Server identity is pinned by key below instead of by CA and hostname
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			pub, err := PeerKey(rawCerts)
			if err != nil {
				return err
			}
			if got := keystore.EncodeDIDKey(pub); got != want {
				return errors.NewUnauthorizedError("hub presented %s, expected %s", got, want)
			}
			return nil
		},
	}, nil
}
