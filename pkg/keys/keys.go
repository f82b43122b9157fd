// Package keys generates tunnel key pairs.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"modernvpn/pkg/log"
)

// ErrGenerationFailed is returned when no key pair could be produced.
var ErrGenerationFailed = errors.New("key generation failed")

// KeyPair is a Curve25519 key pair encoded as base64 strings.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
	// Synthetic marks pairs from the demo fallback. Never set in production mode.
	Synthetic bool
}

// Generator produces fresh key pairs. The zero value is not usable; use New.
type Generator struct {
	rand           io.Reader
	allowSynthetic bool

	mu      sync.Mutex
	seed    [32]byte
	counter uint64
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand replaces the entropy source (crypto/rand by default).
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithSynthetic enables the demo fallback used when the entropy source fails.
func WithSynthetic(allow bool) Option {
	return func(g *Generator) { g.allowSynthetic = allow }
}

func New(opts ...Option) *Generator {
	g := &Generator{rand: rand.Reader}
	for _, o := range opts {
		o(g)
	}
	binary.BigEndian.PutUint64(g.seed[:8], uint64(time.Now().UnixNano()))
	return g
}

// Generate returns a new key pair. With the synthetic fallback disabled a
// failing entropy source yields ErrGenerationFailed.
func (g *Generator) Generate(ctx context.Context) (KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return KeyPair{}, err
	}
	priv, err := g.primary()
	if err == nil {
		return KeyPair{PrivateKey: priv.String(), PublicKey: priv.PublicKey().String()}, nil
	}
	if !g.allowSynthetic {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	log.G(ctx).WithError(err).Warn("entropy source failed; issuing SYNTHETIC demo key pair")
	return g.synthetic()
}

func (g *Generator) primary() (wgtypes.Key, error) {
	var b [wgtypes.KeyLen]byte
	if _, err := io.ReadFull(g.rand, b[:]); err != nil {
		return wgtypes.Key{}, err
	}
	clamp(&b)
	return wgtypes.NewKey(b[:])
}

// synthetic derives a private key from a process seed and counter. The keys
// are valid Curve25519 pairs but predictable to anyone who knows the seed.
func (g *Generator) synthetic() (KeyPair, error) {
	g.mu.Lock()
	g.counter++
	var msg [40]byte
	copy(msg[:32], g.seed[:])
	binary.BigEndian.PutUint64(msg[32:], g.counter)
	g.mu.Unlock()

	priv := blake2b.Sum256(msg[:])
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: synthetic: %v", ErrGenerationFailed, err)
	}
	privKey, _ := wgtypes.NewKey(priv[:])
	pubKey, err := wgtypes.NewKey(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: synthetic: %v", ErrGenerationFailed, err)
	}
	return KeyPair{PrivateKey: privKey.String(), PublicKey: pubKey.String(), Synthetic: true}, nil
}

func clamp(b *[32]byte) {
	b[0] &= 248
	b[31] = (b[31] & 127) | 64
}

// ParsePublicKey validates a base64 encoded tunnel key.
func ParsePublicKey(s string) (wgtypes.Key, error) {
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("invalid key: %w", err)
	}
	return k, nil
}
