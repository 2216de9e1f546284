// Package state keeps what the host remembers about each chip between
// sessions: its bad block table, its wear ledger and the block mappings of
// clones written to it.
//
// Every chip gets its own directory, named after its identifier. Files are
// replaced atomically, so a crash leaves either the old or the new version.
package state

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/cloner"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/wear"
)

const (
	tableFileName    = "bbt.bin"
	ledgerFileName   = "wear.bin"
	mappingDirectory = "mappings"
	mappingSuffix    = ".nmap"
)

// FileRepository stores named blobs under one directory.
type FileRepository struct {
	dir string
}

func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

func (r *FileRepository) Dir() string {
	return r.dir
}

// Path returns the full path of the blob called `name`.
func (r *FileRepository) Path(name string) string {
	return filepath.Join(r.dir, filepath.FromSlash(name))
}

// Load reads a blob. A missing blob is [errors.ErrNotFound].
func (r *FileRepository) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(r.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotFound.WithMessage(name)
		}
		return nil, err
	}
	return data, nil
}

// Save replaces a blob atomically: the data goes to a temporary file that is
// then renamed over the old one.
func (r *FileRepository) Save(name string, data []byte) error {
	path := r.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (r *FileRepository) Remove(name string) error {
	err := os.Remove(r.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *FileRepository) Exists(name string) bool {
	_, err := os.Stat(r.Path(name))
	return err == nil
}

////////////////////////////////////////////////////////////////////////////////
// Per-chip state

// ChipKey turns a chip identifier into the name of its directory.
func ChipKey(id []byte) string {
	if len(id) == 0 {
		return "unknown"
	}
	return strings.ToLower(hex.EncodeToString(id))
}

// Chip is the saved state of one chip.
type Chip struct {
	repo *FileRepository
	key  string
}

func (r *FileRepository) Chip(id []byte) *Chip {
	return &Chip{repo: r, key: ChipKey(id)}
}

func (c *Chip) Key() string {
	return c.key
}

func (c *Chip) name(parts ...string) string {
	return strings.Join(append([]string{c.key}, parts...), "/")
}

// LoadTable reads the saved bad block table. A missing table is
// [errors.ErrNotFound]; a damaged one is [errors.ErrTableUnknown].
func (c *Chip) LoadTable() (*bbt.Table, error) {
	data, err := c.repo.Load(c.name(tableFileName))
	if err != nil {
		return nil, err
	}
	return bbt.Load(data)
}

func (c *Chip) SaveTable(table *bbt.Table) error {
	data, err := table.MarshalBinary()
	if err != nil {
		return err
	}
	return c.repo.Save(c.name(tableFileName), data)
}

// LoadLedger reads the saved wear ledger and attaches it to `table`.
func (c *Chip) LoadLedger(table *bbt.Table) (*wear.Ledger, error) {
	data, err := c.repo.Load(c.name(ledgerFileName))
	if err != nil {
		return nil, err
	}
	return wear.Load(data, table)
}

func (c *Chip) SaveLedger(ledger *wear.Ledger) error {
	data, err := ledger.MarshalBinary()
	if err != nil {
		return err
	}
	return c.repo.Save(c.name(ledgerFileName), data)
}

// SaveMapping stores a clone's block mapping under its ID. It makes Chip a
// [cloner.MappingStore].
func (c *Chip) SaveMapping(m *cloner.Mapping) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return c.repo.Save(c.name(mappingDirectory, m.ID.String()+mappingSuffix), data)
}

func (c *Chip) LoadMapping(id string) (*cloner.Mapping, error) {
	data, err := c.repo.Load(c.name(mappingDirectory, id+mappingSuffix))
	if err != nil {
		return nil, err
	}
	return cloner.LoadMapping(data)
}

// Mappings lists the IDs of the saved mappings.
func (c *Chip) Mappings() ([]string, error) {
	entries, err := os.ReadDir(c.repo.Path(c.name(mappingDirectory)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing mappings of chip %s: %w", c.key, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, mappingSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, mappingSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}
