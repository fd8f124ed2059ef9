// Package seal moves a raw data directory through its one-way transition from
// writable to sealed. Sealing makes every file 0444 and every directory 0555
// and records the Merkle root of the sealed content; nothing unseals.
package seal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/fsx"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/jcs"
	schemaseal "github.com/davidahmann/sterile/core/schema/v1/seal"
	"github.com/davidahmann/sterile/core/schema/validate"
	"github.com/davidahmann/sterile/core/sterility"
)

type State = schemaseal.State

// Load reads the recorded state. A missing state file means the directory is
// still writable.
func Load(statePath, dir string) (State, error) {
	// #nosec G304 -- state path is explicit caller input.
	data, err := os.ReadFile(statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{
				SchemaID:      schemaseal.StateSchemaID,
				SchemaVersion: schemaseal.StateSchemaVersion,
				Dir:           filepath.ToSlash(filepath.Clean(dir)),
				Status:        schemaseal.StatusWritable,
			}, nil
		}
		return State{}, fmt.Errorf("read seal state: %w", err)
	}
	if err := validate.ValidateJSON(validate.KindSealState, data); err != nil {
		return State{}, fmt.Errorf("invalid seal state %s: %w", statePath, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode seal state: %w", err)
	}
	return state, nil
}

// Seal makes dir read-only and records the sealed state at statePath. Sealing
// an already sealed directory re-checks that its content still hashes to the
// recorded root and changes nothing.
func Seal(dir, statePath string, now time.Time) (State, error) {
	if err := outsideDir(dir, statePath); err != nil {
		return State{}, err
	}
	state, err := Load(statePath, dir)
	if err != nil {
		return State{}, err
	}
	if err := sterility.VerifyNoSymlinks(dir, []string{}); err != nil {
		return State{}, err
	}
	tree, err := hashtree.BuildDir(dir, hashtree.Options{})
	if err != nil {
		return State{}, err
	}
	if state.Status == schemaseal.StatusSealed {
		if tree.Root != state.TreeRoot {
			return state, hashtree.MismatchError(state.TreeRoot, tree.Root, dir)
		}
		return state, nil
	}

	if err := makeReadOnly(dir); err != nil {
		return State{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeSterilityViolation, "check ownership of the raw directory")
	}
	sealedAt := now.UTC()
	state.Status = schemaseal.StatusSealed
	state.SealedAt = &sealedAt
	state.TreeRoot = tree.Root
	state.FileCount = len(tree.Files)

	encoded, err := jcs.Marshal(state)
	if err != nil {
		return State{}, fmt.Errorf("encode seal state: %w", err)
	}
	if err := validate.ValidateJSON(validate.KindSealState, encoded); err != nil {
		return State{}, fmt.Errorf("seal state failed validation: %w", err)
	}
	if err := fsx.WriteFileAtomic(statePath, append(encoded, '\n'), 0o644); err != nil {
		return State{}, fmt.Errorf("write seal state: %w", err)
	}
	return state, nil
}

// makeReadOnly sets files before directories, deepest directory first, so the
// walk never loses write access to a directory it still has to visit.
func makeReadOnly(dir string) error {
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		return os.Chmod(path, sterility.ReadOnlyFileMode)
	})
	if err != nil {
		return err
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, path := range dirs {
		if err := os.Chmod(path, sterility.ReadOnlyDirMode); err != nil {
			return err
		}
	}
	return nil
}

// AssertWritable fails with raw_sealed when the directory tracked by
// statePath has been sealed. Writers call it before touching the directory.
func AssertWritable(statePath, dir string) error {
	state, err := Load(statePath, dir)
	if err != nil {
		return err
	}
	if state.Status != schemaseal.StatusSealed {
		return nil
	}
	sealedAt := ""
	if state.SealedAt != nil {
		sealedAt = state.SealedAt.Format(time.RFC3339)
	}
	return coreerrors.New(
		coreerrors.CategoryVerification,
		coreerrors.CodeRawSealed,
		"sealed raw data is immutable; write derived outputs elsewhere",
		[]string{state.Dir},
		"%s was sealed at %s with root %s", state.Dir, sealedAt, state.TreeRoot,
	)
}

// GuardWrite rejects target when it falls under a sealed dir.
func GuardWrite(statePath, dir, target string) error {
	inside, err := contains(dir, target)
	if err != nil || !inside {
		return err
	}
	return AssertWritable(statePath, dir)
}

func outsideDir(dir, statePath string) error {
	inside, err := contains(dir, statePath)
	if err != nil {
		return err
	}
	if inside {
		return coreerrors.New(coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "keep the seal state outside the sealed directory", []string{statePath}, "seal state %s lies inside %s", statePath, dir)
	}
	return nil
}

func contains(dir, target string) (bool, error) {
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", dir, err)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", target, err)
	}
	rel, err := filepath.Rel(dirAbs, targetAbs)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}
