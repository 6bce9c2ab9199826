// Package profile stores non-secret LLM connection profiles as JSON records,
// one file per profile. A profile carries the name of the credential env var,
// never a credential value.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const schemaVersion = 1

var (
	profileIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	envVarPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var ErrNotFound = errors.New("profile not found")

// Record is one stored profile. Invariant: no field ever holds a secret
// value; APIKeyEnv is the environment variable name to resolve at call time.
type Record struct {
	SchemaVersion int    `json:"schema_version"`
	ProfileID     string `json:"profile_id"`
	Model         string `json:"model"`
	BaseURL       string `json:"base_url,omitempty"`
	APIKeyEnv     string `json:"api_key_env"`
	SupportsTools bool   `json:"supports_tools"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// Store reads and writes profile records under a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// ValidateID rejects ids that could escape the store directory or collide
// with path syntax.
func ValidateID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." {
		return "", fmt.Errorf("invalid profile id")
	}
	if filepath.Base(id) != id {
		return "", fmt.Errorf("profile id cannot contain path separators")
	}
	if !profileIDPattern.MatchString(id) {
		return "", fmt.Errorf("profile id may only contain alphanumerics, '.', '_', or '-'")
	}
	return id, nil
}

// ValidateEnvVarName rejects names that are not valid environment variable
// identifiers.
func ValidateEnvVarName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !envVarPattern.MatchString(name) {
		return "", fmt.Errorf("invalid env var name %q (expected [A-Za-z_][A-Za-z0-9_]*)", name)
	}
	return name, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create writes a new record. With overwrite false an existing profile is an
// error.
func (s *Store) Create(rec Record, overwrite bool) (Record, error) {
	id, err := ValidateID(rec.ProfileID)
	if err != nil {
		return Record{}, err
	}
	envName, err := ValidateEnvVarName(rec.APIKeyEnv)
	if err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(rec.Model) == "" {
		return Record{}, fmt.Errorf("profile %s: model is required", id)
	}

	rec.ProfileID = id
	rec.APIKeyEnv = envName
	rec.SchemaVersion = schemaVersion
	rec.CreatedAt = utcNow()

	path := s.path(id)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return Record{}, fmt.Errorf("profile already exists: %s", id)
		}
	}
	if err := s.write(path, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get loads one record by id.
func (s *Store) Get(id string) (Record, error) {
	id, err := ValidateID(id)
	if err != nil {
		return Record{}, err
	}
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode profile %s: %w", id, err)
	}
	return rec, nil
}

// Update edits non-secret fields of an existing record. Nil pointers leave
// the field unchanged; an empty BaseURL pointer clears the base URL.
type Update struct {
	Model         *string
	BaseURL       *string
	APIKeyEnv     *string
	SupportsTools *bool
}

func (s *Store) Update(id string, upd Update) (Record, error) {
	rec, err := s.Get(id)
	if err != nil {
		return Record{}, err
	}
	if upd.Model != nil {
		if strings.TrimSpace(*upd.Model) == "" {
			return Record{}, fmt.Errorf("profile %s: model cannot be empty", id)
		}
		rec.Model = strings.TrimSpace(*upd.Model)
	}
	if upd.BaseURL != nil {
		rec.BaseURL = strings.TrimSpace(*upd.BaseURL)
	}
	if upd.APIKeyEnv != nil {
		envName, err := ValidateEnvVarName(*upd.APIKeyEnv)
		if err != nil {
			return Record{}, err
		}
		rec.APIKeyEnv = envName
	}
	if upd.SupportsTools != nil {
		rec.SupportsTools = *upd.SupportsTools
	}
	rec.UpdatedAt = utcNow()
	if err := s.write(s.path(rec.ProfileID), rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes a record. With missingOK, deleting an absent profile is not
// an error.
func (s *Store) Delete(id string, missingOK bool) error {
	id, err := ValidateID(id)
	if err != nil {
		return err
	}
	err = os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		if missingOK {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// List returns all records sorted by profile id. Unreadable or malformed
// files are skipped.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if _, err := ValidateID(id); err != nil {
			continue
		}
		rec, err := s.Get(id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ProfileID < records[j].ProfileID })
	return records, nil
}

func (s *Store) write(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}

func utcNow() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}
