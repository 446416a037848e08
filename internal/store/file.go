package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrun/rotor/internal/domain"
)

// FileStore persists the portfolio state as a JSON document. Saves go through
// a temp file in the same directory followed by an atomic rename, so a crash
// mid-write can never leave a corrupt store for the next run.
type FileStore struct {
	path    string
	aliases map[string]string // symbol normalization applied on load
}

// NewFileStore creates a store at path. aliases maps stale or shorthand
// symbols found in an existing state file to their canonical form (e.g. a
// ticker missing its market suffix); it may be nil.
func NewFileStore(path string, aliases map[string]string) *FileStore {
	return &FileStore{path: path, aliases: aliases}
}

// Load reads the persisted state. A missing file is the first-run case and
// yields an empty portfolio, not an error.
func (s *FileStore) Load(initialCash float64) (*domain.State, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info().Str("path", s.path).Msg("no state file, starting with empty portfolio")
		return domain.NewState(initialCash), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state domain.State
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", s.path, err)
	}
	if state.Positions == nil {
		state.Positions = map[string]*domain.Position{}
	}
	if state.Cooldowns == nil {
		state.Cooldowns = map[string]time.Time{}
	}
	s.normalize(&state)
	return &state, nil
}

// Save atomically overwrites the store with the full state.
func (s *FileStore) Save(state *domain.State) (err error) {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(b); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}

// normalize rewrites position and cooldown keys through the alias table so a
// state file written against an older universe keeps matching.
func (s *FileStore) normalize(state *domain.State) {
	if len(s.aliases) == 0 {
		return
	}
	for old, canonical := range s.aliases {
		if pos, ok := state.Positions[old]; ok {
			pos.Symbol = canonical
			state.Positions[canonical] = pos
			delete(state.Positions, old)
			log.Info().Str("from", old).Str("to", canonical).Msg("normalized position symbol")
		}
		if until, ok := state.Cooldowns[old]; ok {
			state.Cooldowns[canonical] = until
			delete(state.Cooldowns, old)
		}
	}
}
