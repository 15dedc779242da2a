package share

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/google/uuid"
)

// DirOutbox spools invite payloads to disk, one file per delivery
// under a per-recipient directory, for pickup by whatever carries
// them to the recipient.  Payloads hold only wrapped keys, so the
// spool directory is no more sensitive than the pointer network.
type DirOutbox struct {
	Dir string
}

func (ob *DirOutbox) Deliver(ctx context.Context, recipientPub []byte, payload []byte) error {
	dir := filepath.Join(ob.Dir, hex.EncodeToString(recipientPub))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, uuid.NewString()), payload, 0600)
}
