package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filenames: 001_name.up.sql / 001_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	ErrNoMigrations     = errors.New("no migration files found")
	ErrInvalidFilename  = errors.New("invalid migration filename")
	ErrUnpairedStep     = errors.New("migration step is missing its up or down file")
	ErrSequenceGap      = errors.New("gap in migration sequence")
	ErrChecksumMismatch = errors.New("migration file changed since it was validated")
)

type (
	// MigrationSet is the validated collection of SQL steps shipped with the binary.
	MigrationSet struct {
		fs        fs.FS
		checksums map[string]string
	}

	// Step describes one migration file.
	Step struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewMigrationSet wraps filesystem. Pass nil to use the embedded SQL files.
func NewMigrationSet(filesystem fs.FS) *MigrationSet {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &MigrationSet{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the filesystem holding the SQL files.
func (m *MigrationSet) FS() fs.FS {
	return m.fs
}

// Files lists the files that match the naming standard, sorted lexically
// (001_x.down.sql, 001_x.up.sql, 002_y.down.sql, ...).
func (m *MigrationSet) Files() ([]string, error) {
	entries, err := fs.ReadDir(m.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		if migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Content returns the bytes of one migration file.
func (m *MigrationSet) Content(filename string) ([]byte, error) {
	return fs.ReadFile(m.fs, filename)
}

// Validate checks pairing, sequence and integrity of the steps. The first call records
// checksums; later calls fail if a file changed in between.
func (m *MigrationSet) Validate() error {
	files, err := m.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	steps := make(map[int]map[string]Step)

	for _, file := range files {
		step, err := parseStep(file)
		if err != nil {
			return err
		}

		if steps[step.Sequence] == nil {
			steps[step.Sequence] = make(map[string]Step)
		}

		steps[step.Sequence][step.Direction] = step
	}

	sequences := make([]int, 0, len(steps))

	for seq, directions := range steps {
		if _, ok := directions["up"]; !ok {
			return fmt.Errorf("%w: %03d has no up file", ErrUnpairedStep, seq)
		}

		if _, ok := directions["down"]; !ok {
			return fmt.Errorf("%w: %03d has no down file", ErrUnpairedStep, seq)
		}

		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return m.verifyChecksums(files)
}

func (m *MigrationSet) verifyChecksums(files []string) error {
	for _, file := range files {
		content, err := m.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if previous, ok := m.checksums[file]; ok && previous != checksum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, file)
		}

		m.checksums[file] = checksum
	}

	return nil
}

// LatestVersion returns the highest sequence number in the set, or 0.
func (m *MigrationSet) LatestVersion() int {
	files, err := m.Files()
	if err != nil {
		return 0
	}

	latest := 0

	for _, file := range files {
		if step, err := parseStep(file); err == nil && step.Sequence > latest {
			latest = step.Sequence
		}
	}

	return latest
}

func parseStep(filename string) (Step, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return Step{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	seq, err := strconv.Atoi(matches[1])
	if err != nil {
		return Step{}, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return Step{Sequence: seq, Name: matches[2], Direction: matches[3], Filename: filename}, nil
}
