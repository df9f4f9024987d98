package resources

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ManifestFile is the manifest inspected to pick a run command.
const ManifestFile = "package.json"

// Run command sources, in order of preference.
const (
	RunSourceDev    = "dev"
	RunSourceStart  = "start"
	RunSourceStatic = "static"
)

// RunCommand is the command chosen to serve a workspace.
type RunCommand struct {
	Argv   []string
	Source string
	// HasManifest is true when dependencies should be installed first.
	HasManifest bool
}

type manifest struct {
	Scripts map[string]string `json:"scripts"`
}

// DetectRunCommand inspects dir and returns the command to serve it on
// port: the manifest's dev script, else its start script, else
// staticServer with {port} expanded.
func DetectRunCommand(dir string, port int, staticServer []string) (RunCommand, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return RunCommand{Argv: expandPort(staticServer, port), Source: RunSourceStatic}, nil
	}
	if err != nil {
		return RunCommand{}, err
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return RunCommand{}, err
	}
	switch {
	case m.Scripts[RunSourceDev] != "":
		return RunCommand{Argv: []string{"npm", "run", "dev"}, Source: RunSourceDev, HasManifest: true}, nil
	case m.Scripts[RunSourceStart] != "":
		return RunCommand{Argv: []string{"npm", "start"}, Source: RunSourceStart, HasManifest: true}, nil
	default:
		return RunCommand{Argv: expandPort(staticServer, port), Source: RunSourceStatic, HasManifest: true}, nil
	}
}

func expandPort(argv []string, port int) []string {
	out := make([]string, len(argv))
	p := strconv.Itoa(port)
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, "{port}", p)
	}
	return out
}
