package storage

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// migration specifies the version of the desired state of the directory,
// and provides a run function to drive the directory to that state from the previous version.
// The Run function should be as idempotent as possible to avoid issues with partially applied migrations.
type migration struct {
	Version string
	Run     func(*Store) error
}

// In order for a migration to actually run, it has to have a version higher
// than the version of the data directory. Migrations should be idempotent as
// much as we can make them, to prevent issues with partially applied ones.
var migrations = []migration{
	// New beginning.
	{Version: "2026-08-28.01", Run: func(*Store) error {
		return nil
	}},
}

func desiredVersion() string {
	ver := migrations[len(migrations)-1].Version
	if ver == "" {
		panic("BUG: couldn't find the desired storage layout version")
	}

	return ver
}

func (s *Store) migrate(currentVersion string) error {
	desiredVersion := migrations[len(migrations)-1].Version
	if currentVersion > desiredVersion {
		return fmt.Errorf("OLD VERSION: your data dir version is %q and it can't be downgraded to %q", currentVersion, desiredVersion)
	}

	idx, ok := slices.BinarySearchFunc(migrations, currentVersion, func(m migration, target string) int {
		if m.Version == target {
			return 0
		}

		if m.Version < target {
			return -1
		}

		return +1
	})
	if !ok {
		return fmt.Errorf("BREAKING CHANGE: this version of Weft is incompatible with your existing data: remove your data directory located in %q", s.path)
	}

	for _, mig := range migrations[idx+1:] {
		// In case of a problem like a power outage, we could end up with an
		// applied migration but without the version file being written.
		// To reduce this risk to some extent, we write the version file
		// after each migration.
		if err := mig.Run(s); err != nil {
			return err
		}

		if err := writeVersionFile(s.path, mig.Version); err != nil {
			return fmt.Errorf("failed to write version file: %w", err)
		}
	}

	// Preparing the replica key.
	{
		kp, err := readReplicaKeyFile(s.path)
		if err != nil {
			return fmt.Errorf("failed to load replica key from file: %w", err)
		}

		if s.kp != nil {
			if !s.kp.Principal().Equal(kp.Principal()) {
				return fmt.Errorf("replica key loaded from file (%s) doesn't match the desired key (%s)", kp.Principal(), s.kp.Principal())
			}
		} else {
			s.kp = kp
		}
	}

	return nil
}
