// Package migrations embeds the IngestRelay state schema and applies it with golang-migrate.
//
// Files follow the NNN_name.(up|down).sql convention. Every up migration must have a down
// counterpart and sequence numbers must be contiguous starting at 001.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the source contains no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrUnpairedMigration is returned when an up migration has no down counterpart or vice versa.
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when migration sequence numbers are not contiguous.
	ErrSequenceGap = errors.New("gap in migration sequence")
)

// File describes one migration file.
type File struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// Source is a validated set of migration files.
type Source struct {
	fs fs.FS
}

// NewSource wraps filesystem as a migration source. A nil filesystem selects the embedded schema.
func NewSource(filesystem fs.FS) *Source {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Source{fs: filesystem}
}

// FS returns the underlying filesystem.
func (s *Source) FS() fs.FS {
	return s.fs
}

// Files lists the migration files in lexical order. Files that do not follow the naming
// convention are ignored.
func (s *Source) Files() ([]File, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []File

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		file, ok := parseFilename(entry.Name())
		if ok {
			files = append(files, file)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })

	return files, nil
}

// LatestVersion returns the highest sequence number in the source.
func (s *Source) LatestVersion() (int, error) {
	files, err := s.Files()
	if err != nil {
		return 0, err
	}

	latest := 0
	for _, f := range files {
		latest = max(latest, f.Sequence)
	}

	return latest, nil
}

// Validate checks pairing and sequence contiguity.
func (s *Source) Validate() error {
	files, err := s.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]string)

	for _, f := range files {
		if pairs[f.Sequence] == nil {
			pairs[f.Sequence] = make(map[string]string)
		}

		pairs[f.Sequence][f.Direction] = f.Name
	}

	sequences := make([]int, 0, len(pairs))

	for seq, directions := range pairs {
		up, hasUp := directions["up"]
		down, hasDown := directions["down"]

		switch {
		case !hasUp:
			return fmt.Errorf("%w: %03d_%s has no up migration", ErrUnpairedMigration, seq, down)
		case !hasDown:
			return fmt.Errorf("%w: %03d_%s has no down migration", ErrUnpairedMigration, seq, up)
		case up != down:
			return fmt.Errorf("%w: %03d has differing names %q and %q", ErrUnpairedMigration, seq, up, down)
		}

		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}

func parseFilename(name string) (File, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return File{}, false
	}

	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return File{}, false
	}

	return File{Sequence: seq, Name: m[2], Direction: m[3], Filename: name}, true
}
