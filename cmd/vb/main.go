package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
	"golang.org/x/crypto/nacl/box"

	vb "github.com/t7a/vaultbase"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/share"
	"github.com/t7a/vaultbase/version"
)

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	logrus.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d", strings.TrimPrefix(f.File, p), f.Line)
	}
}

type Opts struct {
	Init      bool
	Mkdir     bool
	Ls        bool
	Put       bool
	Get       bool
	Rm        bool
	Mv        bool
	Rename    bool
	Versions  bool
	Restore   bool
	Share     bool
	Shares    bool
	Revoke    bool
	Path      string `docopt:"<path>"`
	Folder    string `docopt:"<folder>"`
	Name      string `docopt:"<name>"`
	Index     string `docopt:"<index>"`
	Recipient string `docopt:"<recipient>"`
	ShareID   string `docopt:"<share-id>"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {

	usage := `vaultbase

Usage:
  vb init
  vb mkdir <path>
  vb ls [<path>]
  vb put <path>
  vb get <path>
  vb rm <path>
  vb mv <path> <folder>
  vb rename <path> <name>
  vb versions <path>
  vb restore <path> <index>
  vb share <path> <recipient>
  vb shares
  vb revoke <share-id>

Options:
  -h --help     Show this screen.
  --version     Show version.
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	ctx := context.Background()

	if opts.Init {
		msg, err := create(ctx)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Println(msg)
		return 0
	}

	e, err := open()
	if err != nil {
		log.Error(err)
		return 42
	}
	defer e.Close()

	switch true {
	case opts.Mkdir:
		_, err = e.Mkdir(ctx, opts.Path)
	case opts.Ls:
		children, lserr := e.List(ctx, opts.Path)
		err = lserr
		for _, c := range children {
			fmt.Printf("%s %s\n", c.Kind, c.Name)
		}
	case opts.Put:
		err = e.Put(ctx, opts.Path, os.Stdin, "", version.SaveExplicit, false)
	case opts.Get:
		plain, geterr := e.Get(ctx, opts.Path)
		err = geterr
		if err == nil {
			_, err = os.Stdout.Write(plain)
		}
	case opts.Rm:
		err = e.Remove(ctx, opts.Path)
	case opts.Mv:
		err = e.Move(ctx, opts.Path, opts.Folder)
	case opts.Rename:
		err = e.Rename(ctx, opts.Path, opts.Name)
	case opts.Versions:
		versions, verr := e.Versions(ctx, opts.Path)
		err = verr
		for i, v := range versions {
			fmt.Printf("%d %d %s\n", i, v.Size, v.SavedAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
	case opts.Restore:
		index, perr := strconv.Atoi(opts.Index)
		if perr != nil {
			log.Error(perr)
			return 22
		}
		err = e.Restore(ctx, opts.Path, index)
	case opts.Share:
		pub, derr := hex.DecodeString(opts.Recipient)
		if derr != nil {
			log.Error(derr)
			return 22
		}
		rec, serr := e.SharePath(ctx, opts.Path, pub, "")
		err = serr
		if err == nil {
			fmt.Println(rec.ID)
		}
	case opts.Shares:
		recs, lerr := e.Shares.DB.List()
		err = lerr
		for _, rec := range recs {
			fmt.Printf("%s %s %s\n", rec.ID, rec.Status, rec.PointerName)
		}
	case opts.Revoke:
		err = e.Revoke(ctx, opts.ShareID)
	}
	if err != nil {
		log.Error(err)
		return 42
	}
	return 0
}

func vbdir() (dir string) {
	dir = os.Getenv("VBDIR")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			panic("can't get current directory")
		}
		dir = filepath.Join(cwd, ".vaultbase")
	}
	return
}

// identityFile is the on-disk identity keypair.  This file keystore
// stands in for the platform keystore an identity provider would use;
// it is the one secret the data directory holds.
type identityFile struct {
	Pub  []byte `msgpack:"pub"`
	Priv []byte `msgpack:"priv"`
}

func identityPath() string {
	return filepath.Join(vbdir(), "identity")
}

func newIdentity() (id *keys.Identity, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	buf, err := msgpack.Marshal(&identityFile{Pub: pub[:], Priv: priv[:]})
	if err != nil {
		return
	}
	err = os.MkdirAll(vbdir(), 0755)
	if err != nil {
		return
	}
	err = renameio.WriteFile(identityPath(), buf, 0600)
	if err != nil {
		return
	}
	return keys.NewIdentity(pub[:], priv[:])
}

func loadIdentity() (id *keys.Identity, err error) {
	buf, err := ioutil.ReadFile(identityPath())
	if err != nil {
		return
	}
	var f identityFile
	err = msgpack.Unmarshal(buf, &f)
	if err != nil {
		return
	}
	return keys.NewIdentity(f.Pub, f.Priv)
}

func outbox() share.Outbox {
	return &share.DirOutbox{Dir: filepath.Join(vbdir(), "outbox")}
}

func create(ctx context.Context) (msg string, err error) {
	if _, err := os.Stat(identityPath()); err == nil {
		return "", fmt.Errorf("already initialized in %s", vbdir())
	}
	id, err := newIdentity()
	if err != nil {
		return
	}
	e, err := vb.Create(ctx, vbdir(), id, outbox())
	if err != nil {
		return
	}
	defer e.Close()
	return "Initialized vaultbase", nil
}

func open() (e *vb.Engine, err error) {
	id, err := loadIdentity()
	if err != nil {
		return
	}
	return vb.Open(vbdir(), id, outbox())
}
