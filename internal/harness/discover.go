package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// NoScenariosError is returned when a directory holds no scenario files.
type NoScenariosError struct {
	Dir string
}

func (e *NoScenariosError) Error() string {
	return fmt.Sprintf("no scenario files (*.yaml, *.yml) in %s", e.Dir)
}

// FindScenarios returns the scenario files under path in lexical order. A
// path naming a file is returned as is.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("find scenarios: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var found []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find scenarios: %w", err)
	}
	if len(found) == 0 {
		return nil, &NoScenariosError{Dir: path}
	}
	slices.Sort(found)
	return found, nil
}
