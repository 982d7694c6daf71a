// Package artifact persists fitted encoder parameters and isolation forests.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hed1ad/txguard/pkg/detectors/iforest"
	"github.com/hed1ad/txguard/pkg/features"
)

const (
	// EncoderFile is the default file name for encoder parameters.
	EncoderFile = "encoder.msgpack"
	// ForestFile is the default file name for the isolation forest.
	ForestFile = "iforest.msgpack"

	paramsVersion = 2
	forestVersion = 1
)

// PersistenceError reports a failed artifact load or save.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type paramsEnvelope struct {
	Version int              `msgpack:"version"`
	FitID   string           `msgpack:"fit_id"`
	Params  *features.Params `msgpack:"params"`
}

// forestEnvelope wraps the forest's own encoding so both files carry the
// same fit ID.
type forestEnvelope struct {
	Version int    `msgpack:"version"`
	FitID   string `msgpack:"fit_id"`
	Forest  []byte `msgpack:"forest"`
}

// Bundle is a matched pair of encoder parameters and forest.
type Bundle struct {
	Params *features.Params
	Forest *iforest.IsolationForest
}

// Save writes both artifacts into dir, stamped with a fresh fit ID. Neither
// file is replaced unless both were encoded and written successfully, and a
// failed swap restores the previous encoder file when it can.
func Save(dir string, b Bundle) error {
	if b.Params == nil || b.Forest == nil {
		return &PersistenceError{Op: "save", Path: dir, Err: errors.New("incomplete bundle")}
	}

	fitID := uuid.NewString()
	params, err := msgpack.Marshal(paramsEnvelope{Version: paramsVersion, FitID: fitID, Params: b.Params})
	if err != nil {
		return &PersistenceError{Op: "encode", Path: filepath.Join(dir, EncoderFile), Err: err}
	}
	raw, err := b.Forest.Save()
	if err != nil {
		return &PersistenceError{Op: "encode", Path: filepath.Join(dir, ForestFile), Err: err}
	}
	forest, err := msgpack.Marshal(forestEnvelope{Version: forestVersion, FitID: fitID, Forest: raw})
	if err != nil {
		return &PersistenceError{Op: "encode", Path: filepath.Join(dir, ForestFile), Err: err}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}

	var cleanup []string
	defer func() {
		for _, tmp := range cleanup {
			_ = os.Remove(tmp)
		}
	}()

	staged := make([]string, 0, 2)
	for _, f := range []struct {
		name string
		data []byte
	}{{EncoderFile, params}, {ForestFile, forest}} {
		tmp, err := writeTemp(dir, f.name, f.data)
		if err != nil {
			return err
		}
		staged = append(staged, tmp)
		cleanup = append(cleanup, tmp)
	}

	encoderDst := filepath.Join(dir, EncoderFile)
	backup, err := backupFile(dir, encoderDst)
	if err != nil {
		return err
	}
	if backup != "" {
		cleanup = append(cleanup, backup)
	}

	if err := os.Rename(staged[0], encoderDst); err != nil {
		return &PersistenceError{Op: "rename", Path: encoderDst, Err: err}
	}
	forestDst := filepath.Join(dir, ForestFile)
	if err := os.Rename(staged[1], forestDst); err != nil {
		if backup != "" {
			_ = os.Rename(backup, encoderDst)
		} else {
			_ = os.Remove(encoderDst)
		}
		return &PersistenceError{Op: "rename", Path: forestDst, Err: err}
	}
	return nil
}

// backupFile hard-links an existing path to a hidden name in dir. It returns
// "" when there is nothing to back up or the filesystem has no hard links.
func backupFile(dir, path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".bak.*")
	if err != nil {
		return "", &PersistenceError{Op: "create", Path: dir, Err: err}
	}
	name := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(name)
	if err := os.Link(path, name); err != nil {
		return "", nil
	}
	return name, nil
}

// Load reads both artifacts from dir and checks that they come from the same
// Save.
func Load(dir string) (Bundle, error) {
	paramsEnv, err := readParams(filepath.Join(dir, EncoderFile))
	if err != nil {
		return Bundle{}, err
	}
	forestEnv, forest, err := readForest(filepath.Join(dir, ForestFile))
	if err != nil {
		return Bundle{}, err
	}
	if paramsEnv.FitID != forestEnv.FitID {
		return Bundle{}, &PersistenceError{
			Op:   "load",
			Path: dir,
			Err:  fmt.Errorf("encoder fit %q does not match forest fit %q", paramsEnv.FitID, forestEnv.FitID),
		}
	}
	params := paramsEnv.Params
	if params.Dim() != forest.Dim() {
		return Bundle{}, &PersistenceError{
			Op:   "load",
			Path: dir,
			Err:  fmt.Errorf("encoder width %d does not match forest width %d", params.Dim(), forest.Dim()),
		}
	}
	return Bundle{Params: params, Forest: forest}, nil
}

// LoadParams reads encoder parameters from path.
func LoadParams(path string) (*features.Params, error) {
	env, err := readParams(path)
	if err != nil {
		return nil, err
	}
	return env.Params, nil
}

// LoadForest reads an isolation forest from path.
func LoadForest(path string) (*iforest.IsolationForest, error) {
	_, f, err := readForest(path)
	return f, err
}

func readParams(path string) (*paramsEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}

	var env paramsEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	if env.Version != paramsVersion || env.Params == nil {
		return nil, &PersistenceError{Op: "decode", Path: path, Err: fmt.Errorf("unsupported encoder artifact version %d", env.Version)}
	}
	if err := env.Params.Validate(); err != nil {
		return nil, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	return &env, nil
}

func readForest(path string) (*forestEnvelope, *iforest.IsolationForest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}

	var env forestEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, nil, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	if env.Version != forestVersion {
		return nil, nil, &PersistenceError{Op: "decode", Path: path, Err: fmt.Errorf("unsupported forest artifact version %d", env.Version)}
	}

	f := iforest.New()
	if err := f.Load(env.Forest); err != nil {
		return nil, nil, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	return &env, f, nil
}

func writeTemp(dir, name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", &PersistenceError{Op: "create", Path: dir, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", &PersistenceError{Op: "write", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", &PersistenceError{Op: "sync", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", &PersistenceError{Op: "close", Path: tmp.Name(), Err: err}
	}
	return tmp.Name(), nil
}
