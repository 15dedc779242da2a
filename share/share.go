/*

Package share grants and revokes read access to folders and files.

A grant wraps the item's content key to the recipient's public key and
delivers it out of band through an Outbox; nothing about a grant ever
touches the pointer network or the blob store.  Revocation rotates the
item's content key and re-wraps the new key for the recipients that
remain.

Rotation cannot reach content a recipient already fetched and
decrypted while their grant was live.  Revocation protects everything
written after it, not what was already read.

A folder grant is a capability on the whole subtree: the folder key
opens each child entry's sealed signing key, so the recipient can
publish under descendant pointers, not just read them.  The current
model has one permission level per grant; read-only folder grants
would need child signers sealed under a separate write key.

*/
package share

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/tasks"
)

// Invite is the out-of-band payload a recipient needs to reach a
// shared item: where to look and the key, wrapped so only they can
// open it.
type Invite struct {
	ShareID     string `msgpack:"id"`
	PointerName string `msgpack:"ptr"`
	ItemType    string `msgpack:"type"`
	WrappedKey  []byte `msgpack:"wkey"`
	Permission  string `msgpack:"perm"`
}

func (inv *Invite) Marshal() ([]byte, error) {
	return msgpack.Marshal(inv)
}

func UnmarshalInvite(buf []byte) (inv *Invite, err error) {
	inv = &Invite{}
	err = msgpack.Unmarshal(buf, inv)
	if err != nil {
		return nil, err
	}
	return
}

// Outbox delivers invite payloads to a recipient, out of band.
type Outbox interface {
	Deliver(ctx context.Context, recipientPub []byte, payload []byte) error
}

// MemOutbox is an in-memory outbox for tests and single-process use.
type MemOutbox struct {
	mu    sync.Mutex
	boxes map[string][][]byte
}

func NewMemOutbox() *MemOutbox {
	return &MemOutbox{boxes: make(map[string][][]byte)}
}

func (ob *MemOutbox) Deliver(ctx context.Context, recipientPub []byte, payload []byte) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	k := hex.EncodeToString(recipientPub)
	ob.boxes[k] = append(ob.boxes[k], payload)
	return nil
}

// Take drains a recipient's pending payloads.
func (ob *MemOutbox) Take(recipientPub []byte) (payloads [][]byte) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	k := hex.EncodeToString(recipientPub)
	payloads = ob.boxes[k]
	delete(ob.boxes, k)
	return
}

// Manager runs grant and revocation operations against the grant
// ledger and the outbox.
type Manager struct {
	DB     *DB
	Outbox Outbox
	Queue  *tasks.Queue
	// Owner is the granting identity's public key, recorded on every
	// grant.
	Owner []byte
}

// Share grants recipientPub read access to the item behind
// pointerName.  The grant is durable before the invite leaves the
// process; delivery retries in the background.
func (m *Manager) Share(ctx context.Context, pointerName, itemType string, key keys.ContentKey, recipientPub []byte, perm string) (rec *codec.ShareRecord, err error) {
	defer Return(&err)

	if perm == "" {
		perm = codec.PermRead
	}
	wrapped, err := keys.Wrap(key, recipientPub)
	if err != nil {
		return
	}
	rec = &codec.ShareRecord{
		ID:          uuid.NewString(),
		Owner:       append([]byte(nil), m.Owner...),
		Recipient:   append([]byte(nil), recipientPub...),
		PointerName: pointerName,
		ItemType:    itemType,
		WrappedKey:  wrapped,
		Permission:  perm,
		Status:      codec.ShareActive,
		Created:     time.Now().UTC(),
	}
	err = m.DB.Put(rec)
	Ck(err)
	m.deliver(rec)
	return
}

// deliver queues the out-of-band invite.  Delivery failures retry in
// the background; the grant itself is already durable.
func (m *Manager) deliver(rec *codec.ShareRecord) {
	inv := &Invite{
		ShareID:     rec.ID,
		PointerName: rec.PointerName,
		ItemType:    rec.ItemType,
		WrappedKey:  rec.WrappedKey,
		Permission:  rec.Permission,
	}
	payload, err := inv.Marshal()
	if err != nil {
		log.Warnf("invite %s: %v", rec.ID, err)
		return
	}
	recipient := rec.Recipient
	m.Queue.Enqueue("deliver invite "+rec.ID, func(ctx context.Context) error {
		return m.Outbox.Deliver(ctx, recipient, payload)
	})
}

// Revoke ends one grant.  rotate must re-key the underlying item and
// return the new content key; the new key is then re-wrapped for every
// recipient whose grant is still active.  Rotation happens before the
// record flips to revoked, so a failed rotation leaves the grant
// active and Revoke retryable.  Idempotent once revoked.
func (m *Manager) Revoke(ctx context.Context, shareID string, rotate func(ctx context.Context) (keys.ContentKey, error)) (err error) {
	rec, err := m.DB.Get(shareID)
	if err != nil {
		return
	}
	if rec.Status == codec.ShareRevoked {
		return nil
	}

	newKey, err := rotate(ctx)
	if err != nil {
		return
	}

	rec.Status = codec.ShareRevoked
	rec.RevokedAt = time.Now().UTC()
	err = m.DB.Put(rec)
	if err != nil {
		return
	}

	return m.ReWrap(ctx, rec.PointerName, newKey)
}

// ReWrap wraps a rotated key for every remaining active grant on the
// item and re-delivers the invites.
func (m *Manager) ReWrap(ctx context.Context, pointerName string, key keys.ContentKey) (err error) {
	recs, err := m.DB.ActiveForItem(pointerName)
	if err != nil {
		return
	}
	for _, rec := range recs {
		wrapped, err := keys.Wrap(key, rec.Recipient)
		if err != nil {
			return err
		}
		rec.WrappedKey = wrapped
		if err := m.DB.Put(rec); err != nil {
			return err
		}
		m.deliver(rec)
	}
	return nil
}
