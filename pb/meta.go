package pb

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/google/renameio"
)

// Meta is the per-output registry entry the driver consults to decide
// whether a package needs rebuilding: the input digest it was last built
// with. The registry on disk is just a directory of these, one per built
// package — "a tiny JSON list" rather than a database.
type Meta struct {
	InputDigest_ string `json:"input_digest"`
}

func (m *Meta) GetInputDigest() string {
	if m == nil {
		return ""
	}
	return m.InputDigest_
}

var metaBufPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// ReadMetaFile reads and decodes a meta registry entry at path.
func ReadMetaFile(path string) (*Meta, error) {
	b := metaBufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer metaBufPool.Put(b)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(b, f); err != nil {
		return nil, err
	}

	var meta Meta
	if err := json.Unmarshal(b.Bytes(), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// WriteMetaFile atomically writes a meta registry entry to path, using
// renameio so a crash or concurrent reader never observes a partial file.
func WriteMetaFile(path string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(data); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
