package cipher

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed programs.yaml
var programsRaw []byte

type tableEntry struct {
	Version string `yaml:"version"`
	Program string `yaml:"program"`
}

var (
	tableOnce sync.Once
	table     map[string]Program
	tableErr  error
)

func loadTable() {
	var entries []tableEntry
	if err := yaml.Unmarshal(programsRaw, &entries); err != nil {
		tableErr = fmt.Errorf("parsing embedded program table: %w", err)
		return
	}
	table = make(map[string]Program, len(entries))
	for _, entry := range entries {
		program, err := ParseProgram(entry.Program)
		if err != nil {
			tableErr = fmt.Errorf("program table entry %q: %w", entry.Version, err)
			return
		}
		program.VersionKey = entry.Version
		table[entry.Version] = program
	}
}

// Lookup returns the transform program for a player version key.
func Lookup(versionKey string) (Program, error) {
	tableOnce.Do(loadTable)
	if tableErr != nil {
		return Program{}, tableErr
	}
	program, ok := table[versionKey]
	if !ok {
		return Program{}, fmt.Errorf("%w: %q", ErrUnknownVersion, versionKey)
	}
	return program, nil
}

// KnownVersions lists the version keys in the embedded table.
func KnownVersions() ([]string, error) {
	tableOnce.Do(loadTable)
	if tableErr != nil {
		return nil, tableErr
	}
	versions := make([]string, 0, len(table))
	for version := range table {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}
