// Package depinstall implements the dependency installer (C5): in-container
// two-phase npm install with a host-side hash cache.
package depinstall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/ploinky/ploinky/pkg/metrics"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/runtime"
	bolt "go.etcd.io/bbolt"
)

var cacheBucket = []byte("depcache")

// cacheEntry describes a {hash, installedAt} pair; the bolt bucket itself
// stores only the hash string, keyed by agent name.
type cacheEntry struct {
	Hash        string
	InstalledAt time.Time
}

// Installer runs C5's two-phase install and maintains the install-hash
// cache in .ploinky/.depcache (bbolt — redirected here from the teacher's
// main registry use, see DESIGN.md).
type Installer struct {
	Runtime  runtime.Adapter
	CacheDB  *bolt.DB
}

// Open opens (creating if absent) the bbolt cache database at path.
func Open(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, perr.Wrap(perr.Internal, err, "create dir for %s", path)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, perr.Wrap(perr.Internal, err, "open %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, perr.Wrap(perr.Internal, err, "init bucket in %s", path)
	}
	return db, nil
}

// Install performs the policy described in spec §4.5: skip entirely if
// /code/package.json is absent; otherwise check the cache, install the core
// template, then merge+install agent dependencies with core taking
// precedence on conflict.
func (in *Installer) Install(ctx context.Context, containerName, agentName, codeDir, agentsDir string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DepInstallDuration, agentName)

	codePackageJSON := filepath.Join(codeDir, "package.json")
	if _, err := os.Stat(codePackageJSON); os.IsNotExist(err) {
		return nil // no package.json: skip entirely
	}

	corePackageJSON := filepath.Join(agentsDir, "package.base.json")
	hash, err := hashInputs(corePackageJSON, codePackageJSON)
	if err != nil {
		return perr.Wrap(perr.Internal, err, "hash dependency inputs for %s", agentName)
	}

	nodeModules := filepath.Join(agentsDir, "node_modules")
	if cached, ok := in.cacheHit(agentName); ok && cached == hash {
		if _, err := os.Stat(nodeModules); err == nil {
			return nil // cache hit: skip
		}
	}

	// Phase 1: core template install.
	if _, err := os.Stat(corePackageJSON); err == nil {
		if err := copyFile(corePackageJSON, filepath.Join(agentsDir, "package.json")); err != nil {
			return perr.Wrap(perr.Internal, err, "stage core package.json")
		}
		if _, err := in.Runtime.Exec(ctx, containerName, []string{"npm", "install"}, runtime.ExecOptions{Timeout: 5 * time.Minute}); err != nil {
			if rerr := in.retryOnRefused(ctx, containerName, []string{"npm", "install"}, err); rerr != nil {
				return rerr
			}
		}
	}

	// Phase 2: merge agent deps, core taking precedence on conflict.
	merged, conflict, err := mergePackageJSON(corePackageJSON, codePackageJSON)
	if err != nil {
		return perr.Wrap(perr.Internal, err, "merge package.json for %s", agentName)
	}
	if conflict {
		return perr.New(perr.DepConflict, "dependency version conflict between core template and agent %s", agentName)
	}
	if err := os.WriteFile(filepath.Join(agentsDir, "package.json"), merged, 0o644); err != nil {
		return perr.Wrap(perr.Internal, err, "write merged package.json")
	}
	if _, err := in.Runtime.Exec(ctx, containerName, []string{"npm", "install"}, runtime.ExecOptions{Timeout: 5 * time.Minute}); err != nil {
		if rerr := in.retryOnRefused(ctx, containerName, []string{"npm", "install"}, err); rerr != nil {
			return rerr
		}
	}

	return in.setCacheHit(agentName, hash)
}

// retryOnRefused retries once, only when the failure classifies as
// transport_refused from the runtime (spec §7's retry policy).
func (in *Installer) retryOnRefused(ctx context.Context, containerName string, cmd []string, first error) error {
	if perr.As(first) != perr.TransportRefused {
		return first
	}
	_, err := in.Runtime.Exec(ctx, containerName, cmd, runtime.ExecOptions{Timeout: 5 * time.Minute})
	return err
}

func (in *Installer) cacheHit(agentName string) (string, bool) {
	var hash string
	_ = in.CacheDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		v := b.Get([]byte(agentName))
		if v != nil {
			hash = string(v)
		}
		return nil
	})
	return hash, hash != ""
}

func (in *Installer) setCacheHit(agentName, hash string) error {
	return in.CacheDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		return b.Put([]byte(agentName), []byte(hash))
	})
}

func hashInputs(paths ...string) (string, error) {
	h := sha256.New()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
