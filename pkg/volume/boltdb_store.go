package volume

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

var (
	bucketVolumes = []byte("volumes")
	bucketCurrent = []byte("current")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists the volume table in BoltDB. Volumes are JSON values
// keyed by big-endian id; current volumes are keyed by type.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens or creates the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "volume.NewBoltStore", "path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindService, "volume.NewBoltStore", cfg.Path, err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.wrap("init", b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVolumes, bucketCurrent} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	}))
}

func (b *BoltStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		return err
	}
	return xerrors.Wrap(xerrors.KindService, "volume.BoltStore."+op, b.cfg.Path, err)
}

func (b *BoltStore) List(ctx context.Context) ([]Volume, error) {
	var out []Volume
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			vol, err := decodeVolume(v)
			if err != nil {
				return err
			}
			out = append(out, vol)
			return nil
		})
	})
	return out, b.wrap("List", err)
}

func (b *BoltStore) Get(ctx context.Context, id ID) (Volume, error) {
	var vol Volume
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get(idKey(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "volume.Get", id.String())
		}
		var err error
		vol, err = decodeVolume(data)
		return err
	})
	return vol, b.wrap("Get", err)
}

func (b *BoltStore) Put(ctx context.Context, v Volume) error {
	return b.wrap("Put", b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVolumes).Put(idKey(v.ID), data)
	}))
}

func (b *BoltStore) Delete(ctx context.Context, id ID) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketVolumes)
		existed = bkt.Get(idKey(id)) != nil
		return bkt.Delete(idKey(id))
	})
	return existed, b.wrap("Delete", err)
}

func (b *BoltStore) Current(ctx context.Context) (map[Type]ID, error) {
	out := make(map[Type]ID)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCurrent).ForEach(func(k, v []byte) error {
			if len(k) != 1 || len(v) != 2 {
				return fmt.Errorf("malformed current entry %x", k)
			}
			out[Type(k[0])] = ID(binary.BigEndian.Uint16(v))
			return nil
		})
	})
	return out, b.wrap("Current", err)
}

func (b *BoltStore) SetCurrent(ctx context.Context, typ Type, id ID) error {
	return b.wrap("SetCurrent", b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketCurrent)
		if id == IDNone {
			return bkt.Delete([]byte{byte(typ)})
		}
		return bkt.Put([]byte{byte(typ)}, idKey(id))
	}))
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func decodeVolume(data []byte) (Volume, error) {
	var vol Volume
	if err := json.Unmarshal(data, &vol); err != nil {
		return Volume{}, err
	}
	return vol, nil
}

func idKey(id ID) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(id))
	return buf
}
