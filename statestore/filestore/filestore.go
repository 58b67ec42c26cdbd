// Package filestore keeps state on a local or network file system, one file
// per key under a root directory. Several processes may share one root: every
// mutation holds an exclusive flock on <root>/.lock and every read a shared one.
// Not durable beyond the underlying file system.
package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/twitter/corral/statestore"
)

const (
	lockFileName = ".lock"
	tmpPrefix    = ".tmp-"
)

type fileStore struct {
	root     string
	lockPath string
}

// MakeFileStore creates a store rooted at dir, creating the directory if needed.
func MakeFileStore(dir string) (statestore.Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating file store root %s", dir)
	}
	lockPath := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating lock file %s", lockPath)
	}
	f.Close()
	log.Infof("Making new file store rooted at %s", dir)
	return &fileStore{root: dir, lockPath: lockPath}, nil
}

// withLock runs fn while holding the root lock in the given flock mode.
func (s *fileStore) withLock(op, key string, how int, fn func() error) error {
	f, err := os.OpenFile(s.lockPath, os.O_RDWR, 0644)
	if err != nil {
		return statestore.Unavailable(op, key, err)
	}
	defer f.Close()
	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return statestore.Unavailable(op, key, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func (s *fileStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return "", errors.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, ".") {
			return "", errors.Errorf("invalid key %q", key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func versionOf(data []byte) statestore.Version {
	sum := md5.Sum(data)
	return statestore.Version(hex.EncodeToString(sum[:]))
}

// readLocked returns the value at p, or ErrNotFound. Caller holds the lock.
func readLocked(op, key, p string) ([]byte, statestore.Version, error) {
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, statestore.NoVersion, statestore.ErrNotFound
	} else if err != nil {
		return nil, statestore.NoVersion, statestore.Unavailable(op, key, err)
	}
	return data, versionOf(data), nil
}

func (s *fileStore) Get(ctx context.Context, key string) (value []byte, v statestore.Version, err error) {
	p, err := s.path(key)
	if err != nil {
		return nil, statestore.NoVersion, err
	}
	err = s.withLock("get", key, unix.LOCK_SH, func() error {
		var e error
		value, v, e = readLocked("get", key, p)
		return e
	})
	return value, v, err
}

func (s *fileStore) PutIfMatch(ctx context.Context, key string, value []byte, v statestore.Version) (newV statestore.Version, err error) {
	p, err := s.path(key)
	if err != nil {
		return statestore.NoVersion, err
	}
	err = s.withLock("put", key, unix.LOCK_EX, func() error {
		_, cur, e := readLocked("put", key, p)
		switch {
		case statestore.IsNotFound(e):
			if v != statestore.NoVersion {
				return statestore.ErrConflict
			}
		case e != nil:
			return e
		case v == statestore.NoVersion || cur != v:
			return statestore.ErrConflict
		}
		if e := writeAtomic(p, value); e != nil {
			return statestore.Unavailable("put", key, e)
		}
		newV = versionOf(value)
		return nil
	})
	return newV, err
}

// writeAtomic writes data next to p and renames it into place so readers never
// observe a partial file.
func writeAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *fileStore) List(ctx context.Context, prefix string) (keys []string, err error) {
	// Start the walk at the deepest directory the prefix pins down.
	start := s.root
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		start = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}
	keys = []string{}
	err = s.withLock("list", prefix, unix.LOCK_SH, func() error {
		walkErr := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return nil
		})
		return statestore.Unavailable("list", prefix, walkErr)
	})
	sort.Strings(keys)
	return keys, err
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	return s.withLock("delete", key, unix.LOCK_EX, func() error {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return statestore.Unavailable("delete", key, err)
		}
		// prune now-empty parents, best effort
		for dir := filepath.Dir(p); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
			if os.Remove(dir) != nil {
				break
			}
		}
		return nil
	})
}
