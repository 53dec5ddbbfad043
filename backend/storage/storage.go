// Package storage manages the data directory of one replica:
// its signing key and the document snapshots.
package storage

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"weft/backend/core"
	"weft/backend/logging"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

/*
Current data dir layout:

<data-dir>/
├─ keys/
│  ├─ replica_ed25519
├─ snapshots/
│  ├─ <name>.weft
├─ VERSION

When making changes to the directory layout,
make sure to update the initialization code which creates everything from scratch,
and add the necessary migrations to drive the current state of the directory to the new desired state.
*/

var mCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "weft_storage_calls_total",
	Help: "The total of method calls on the storage Store public interface.",
}, []string{"method"})

const (
	keysDir      = "keys"
	snapshotsDir = "snapshots"

	replicaKeyPath = keysDir + "/replica_ed25519"

	versionFilename = "VERSION"
)

// Store is a directory-backed store for one replica's key and snapshots.
type Store struct {
	path string
	kp   *core.KeyPair
	log  *zap.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open initializes (if necessary) and opens the data directory.
// If kp is nil the key is loaded from the directory, generating a fresh one
// on first use; a non-nil kp must match any key already on disk.
func Open(path string, kp *core.KeyPair, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = logging.New("weft/storage", "info")
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:    path,
		kp:      kp,
		log:     log,
		encoder: enc,
		decoder: dec,
	}

	ver, err := readVersionFile(path)
	if err != nil {
		return nil, err
	}

	if ver == "" {
		if err := s.init(); err != nil {
			return nil, fmt.Errorf("failed to initialize data directory %q: %w", path, err)
		}
		return s, nil
	}

	if err := s.migrate(ver); err != nil {
		return nil, fmt.Errorf("failed to migrate data directory %q: %w", path, err)
	}

	return s, nil
}

func (s *Store) init() error {
	for _, dir := range []string{keysDir, snapshotsDir} {
		if err := os.MkdirAll(filepath.Join(s.path, dir), 0700); err != nil {
			return err
		}
	}

	if s.kp == nil {
		kp, err := core.GenerateKeyPair(nil)
		if err != nil {
			return err
		}
		s.kp = kp
	}

	if err := writeReplicaKeyFile(s.path, s.kp); err != nil {
		return err
	}

	if err := writeVersionFile(s.path, desiredVersion()); err != nil {
		return err
	}

	s.log.Info("StorageInitialized",
		zap.String("path", s.path),
		zap.String("replica", s.kp.Principal().String()),
	)

	return nil
}

// Path returns the data directory path.
func (s *Store) Path() string {
	return s.path
}

// KeyPair returns the replica's signing key.
func (s *Store) KeyPair() *core.KeyPair {
	return s.kp
}

// Close flushes and releases the compression state.
func (s *Store) Close() error {
	err := multierr.Combine(s.encoder.Close())
	s.decoder.Close()
	return err
}

func readVersionFile(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, versionFilename))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	return string(data), err
}

func writeVersionFile(dir, version string) error {
	return os.WriteFile(filepath.Join(dir, versionFilename), []byte(version), 0600)
}

func writeReplicaKeyFile(dir string, kp *core.KeyPair) error {
	return os.WriteFile(filepath.Join(dir, replicaKeyPath), kp.Seed(), 0600)
}

func readReplicaKeyFile(dir string) (*core.KeyPair, error) {
	data, err := os.ReadFile(filepath.Join(dir, replicaKeyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read the replica key file: %w", err)
	}

	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("replica key file has invalid size %d", len(data))
	}

	return core.NewKeyPair(ed25519.NewKeyFromSeed(data)), nil
}
