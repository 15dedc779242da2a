/*

Package vaultbase is a zero-knowledge storage metadata engine built on
the IPFS/IPNS model: immutable encrypted blobs addressed by content
hash, plus mutable signed pointer records that name the current state
of each folder and file.  The server side of a deployment only ever
sees ciphertext, wrapped keys, and pointer records; every key that
matters is wrapped to the owner's identity key and unwrapped in
process memory only.

An Engine ties the layers together over one data directory:

	objects/    content-addressed blob store
	pointers/   pointer records, one file per name
	shares.db   grant ledger
	root.cap    the root capability, wrapped to the identity

*/
package vaultbase

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"

	"github.com/t7a/vaultbase/blob"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/pointer"
	"github.com/t7a/vaultbase/share"
	"github.com/t7a/vaultbase/tasks"
	"github.com/t7a/vaultbase/tree"
	"github.com/t7a/vaultbase/version"
)

const capFile = "root.cap"

// Engine is one account's view of the store: blob layer, pointer
// layer, decrypted namespace, version chains, and grants, all rooted
// in a single data directory.
type Engine struct {
	Dir string
	ID  *keys.Identity

	Blobs  *blob.Store
	Net    pointer.Network
	Pub    *pointer.Publisher
	Queue  *tasks.Queue
	Files  *version.Manager
	Tree   *tree.Store
	Shares *share.Manager
	Poller *pointer.Poller

	dirnet  *pointer.DirNet
	rootPtr string
}

// assemble wires the layers over an opened blob store and network.
func assemble(dir string, id *keys.Identity, blobs *blob.Store, net pointer.Network, sdb *share.DB, outbox share.Outbox) *Engine {
	queue := tasks.NewQueue()
	pub := pointer.NewPublisher(net)
	files := &version.Manager{Blobs: blobs, Pub: pub, Net: net, Queue: queue}
	e := &Engine{
		Dir:   dir,
		ID:    id,
		Blobs: blobs,
		Net:   net,
		Pub:   pub,
		Queue: queue,
		Files: files,
		Tree:  tree.New(blobs, net, pub, queue, files),
		Shares: &share.Manager{
			DB:     sdb,
			Outbox: outbox,
			Queue:  queue,
			Owner:  id.Public[:],
		},
	}
	e.Poller = pointer.NewPoller(net, func(name string, rec *pointer.Record) {
		e.Tree.HandleRemote(context.Background(), name, rec)
	})
	return e
}

// Create initializes a brand-new data directory for id: empty blob
// store, a fresh namespace root, and the root capability wrapped to
// the identity and persisted.  The identity needs only its public
// half here.
func Create(ctx context.Context, dir string, id *keys.Identity, outbox share.Outbox) (e *Engine, err error) {
	defer Return(&err)

	err = os.MkdirAll(dir, 0755)
	Ck(err)
	blobs, err := blob.Store{Dir: filepath.Join(dir, "objects")}.Create()
	Ck(err)
	dn, err := pointer.OpenDirNet(filepath.Join(dir, "pointers"))
	Ck(err)
	sdb, err := share.OpenDB(filepath.Join(dir, "shares.db"))
	Ck(err)

	e = assemble(dir, id, blobs, dn, sdb, outbox)
	e.dirnet = dn

	_, key, signer, err := e.Tree.InitRoot(ctx, "")
	Ck(err)
	err = e.saveRootCapability(key, signer)
	Ck(err)
	e.rootPtr = signer.PointerName()
	e.Poller.Watch(e.rootPtr, 0)
	return
}

// Open opens an existing data directory, recovering the namespace
// root from the persisted capability.  The identity must hold its
// private half or the capability will not unwrap.
func Open(dir string, id *keys.Identity, outbox share.Outbox) (e *Engine, err error) {
	defer Return(&err)

	blobs, err := blob.Open(filepath.Join(dir, "objects"))
	Ck(err)
	dn, err := pointer.OpenDirNet(filepath.Join(dir, "pointers"))
	Ck(err)
	sdb, err := share.OpenDB(filepath.Join(dir, "shares.db"))
	Ck(err)

	e = assemble(dir, id, blobs, dn, sdb, outbox)
	e.dirnet = dn

	key, signer, ptr, err := e.loadRootCapability()
	Ck(err)
	e.Tree.AttachRoot("", key, signer, ptr)
	e.rootPtr = ptr
	e.Poller.Watch(ptr, -1)
	return
}

// NewWith assembles an engine over externally provided backends: a
// recipient attaching to the same pointer network and blob store as a
// sharer, or a deployment that swaps DirNet for a real network.  The
// caller owns the backends' lifecycles.
func NewWith(dir string, id *keys.Identity, blobs *blob.Store, net pointer.Network, sdb *share.DB, outbox share.Outbox) *Engine {
	return assemble(dir, id, blobs, net, sdb, outbox)
}

// Start launches the background machinery: the task queue worker, the
// poller, and the watcher that turns pointer-file events into
// immediate sweeps.  Runs until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.Queue.Start(ctx)
	go e.Poller.Run(ctx)
	if e.dirnet != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-e.dirnet.Events:
					if !ok {
						return
					}
					e.Poller.Kick()
				}
			}
		}()
	}
}

// Close flushes queued background work and releases the directory.
func (e *Engine) Close() error {
	e.Queue.Drain(context.Background())
	if e.dirnet != nil {
		e.dirnet.Close()
	}
	e.Shares.DB.Close()
	return e.Blobs.Close()
}

// RootPointer is the pointer name of the namespace root.
func (e *Engine) RootPointer() string {
	return e.rootPtr
}

// rootCapability is the persisted shape of the root grant: the root
// folder's content key and pointer signing key, each wrapped to the
// owner's identity.  Nothing in this file is usable without the
// identity's private half.
type rootCapability struct {
	PointerName   string `msgpack:"ptr"`
	WrappedKey    []byte `msgpack:"wkey"`
	WrappedSigner []byte `msgpack:"wsigner"`
}

func (e *Engine) saveRootCapability(key keys.ContentKey, signer *keys.SigningKey) (err error) {
	defer Return(&err)

	wkey, err := keys.Wrap(key, e.ID.Public[:])
	Ck(err)
	wsigner, err := keys.Wrap(signer.Private, e.ID.Public[:])
	Ck(err)
	buf, err := msgpack.Marshal(&rootCapability{
		PointerName:   signer.PointerName(),
		WrappedKey:    wkey,
		WrappedSigner: wsigner,
	})
	Ck(err)
	return renameio.WriteFile(filepath.Join(e.Dir, capFile), buf, 0600)
}

func (e *Engine) loadRootCapability() (key keys.ContentKey, signer *keys.SigningKey, ptr string, err error) {
	buf, err := ioutil.ReadFile(filepath.Join(e.Dir, capFile))
	if err != nil {
		return
	}
	var rc rootCapability
	err = msgpack.Unmarshal(buf, &rc)
	if err != nil {
		return
	}

	raw, err := e.ID.Unwrap(rc.WrappedKey)
	if err != nil {
		return
	}
	key = keys.ContentKey(raw)

	priv, err := e.ID.Unwrap(rc.WrappedSigner)
	if err != nil {
		key.Zero()
		return nil, nil, "", err
	}
	defer keys.Zero(priv)
	signer, err = keys.SigningKeyFromPrivate(priv)
	if err != nil {
		key.Zero()
		return nil, nil, "", err
	}
	return key, signer, rc.PointerName, nil
}

// RegisterWithCustodian wraps the root signing key to a custodian's
// public key so the custodian can renew the root pointer while this
// account is offline, until epoch.
func (e *Engine) RegisterWithCustodian(ctx context.Context, custodianPub []byte, epoch time.Time) (name string, wrapped []byte, err error) {
	key, signer, ptr, err := e.loadRootCapability()
	if err != nil {
		return
	}
	key.Zero()
	defer signer.Zero()
	wrapped, err = keys.Wrap(signer.Private, custodianPub)
	if err != nil {
		return
	}
	return ptr, wrapped, nil
}
