/*

Package custodian renews pointer records that are about to expire, on
behalf of owners who are offline.  The owner wraps the pointer's
signing private key to the custodian's public key and registers it;
the custodian stores only the wrapped form, decrypts it for the
duration of a single signing operation, and zeroes it immediately
after.  A durable plaintext copy never exists here.

*/
package custodian

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/pointer"
)

// DefaultWindow is how close to expiry a record must be before the
// custodian renews it.
const DefaultWindow = 48 * time.Hour

// registration is one pointer under the custodian's care.  Only the
// wrapped key is held.
type registration struct {
	name       string
	wrappedKey []byte
	epoch      time.Time // stop renewing after this
}

// Custodian is the renewal service.
type Custodian struct {
	Window   time.Duration
	Interval time.Duration
	TTL      time.Duration // validity of renewed records

	id  *keys.Identity
	net pointer.Network

	mu   sync.Mutex
	regs map[string]registration
}

func New(id *keys.Identity, net pointer.Network) *Custodian {
	return &Custodian{
		Window:   DefaultWindow,
		Interval: time.Hour,
		id:       id,
		net:      net,
		regs:     make(map[string]registration),
	}
}

// PublicKey is what owners wrap signing keys to.
func (c *Custodian) PublicKey() []byte {
	return c.id.Public[:]
}

// RegisterForRenewal puts a pointer under the custodian's care until
// epoch.  wrappedKey is the pointer's ed25519 private key wrapped to
// the custodian's public key; it stays wrapped at rest.
func (c *Custodian) RegisterForRenewal(name string, wrappedKey []byte, epoch time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[name] = registration{name: name, wrappedKey: wrappedKey, epoch: epoch}
	log.Debugf("registered %s for renewal until %v", name, epoch)
}

// Deregister removes a pointer from care.
func (c *Custodian) Deregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.regs, name)
}

// Sweep renews every registered record that is within Window of
// expiry.  Returns how many records were renewed.
func (c *Custodian) Sweep(ctx context.Context) (renewed int) {
	c.mu.Lock()
	regs := make([]registration, 0, len(c.regs))
	now := time.Now().UTC()
	for name, reg := range c.regs {
		if now.After(reg.epoch) {
			delete(c.regs, name)
			continue
		}
		regs = append(regs, reg)
	}
	c.mu.Unlock()

	for _, reg := range regs {
		ok, err := c.renew(ctx, reg)
		if err != nil {
			log.Warnf("renew %s: %v", reg.name, err)
			continue
		}
		if ok {
			renewed++
		}
	}
	return
}

// renew resolves one record and, if it is near expiry, re-signs it.
// The signing key exists in plaintext only between unwrap and the
// deferred zero.
func (c *Custodian) renew(ctx context.Context, reg registration) (renewed bool, err error) {
	rec, err := c.net.Resolve(ctx, reg.name)
	if err == pointer.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return
	}
	if !rec.NearExpiry(c.Window) {
		return false, nil
	}

	priv, err := c.id.Unwrap(reg.wrappedKey)
	if err != nil {
		return
	}
	defer keys.Zero(priv)

	sk, err := keys.SigningKeyFromPrivate(priv)
	if err != nil {
		return
	}
	defer sk.Zero()

	next, err := rec.Resign(sk, c.TTL)
	if err != nil {
		return
	}
	err = c.net.Publish(ctx, next)
	if err != nil {
		return
	}
	log.Debugf("renewed %s at seq %d", reg.name, next.Sequence)
	return true, nil
}

// Run sweeps on a timer until ctx is done.
func (c *Custodian) Run(ctx context.Context) {
	interval := c.Interval
	if interval == 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// WrapForCustodian is the owner-side half of registration: wrap a
// pointer's signing private key to the custodian's public key.
func WrapForCustodian(sk *keys.SigningKey, custodianPub []byte) (wrapped []byte, err error) {
	return keys.Wrap(sk.Private, custodianPub)
}
