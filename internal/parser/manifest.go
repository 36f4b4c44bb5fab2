package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"
)

// ManifestParser reads dependency manifests. The declared module or package
// name lands in Analysis.Module and each declared dependency becomes a
// depends_on dependency.
type ManifestParser struct{}

// NewManifestParser creates a manifest parser.
func NewManifestParser() *ManifestParser {
	return &ManifestParser{}
}

func (p *ManifestParser) Name() string { return "manifest" }

func (p *ManifestParser) Supports(path string) bool { return IsManifest(path) }

// Analyze parses a manifest.
func (p *ManifestParser) Analyze(ctx context.Context, filePath string, content []byte) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		module string
		deps   []string
		err    error
	)
	switch path.Base(filePath) {
	case "go.mod":
		module, deps, err = parseGoMod(filePath, content)
	case "package.json":
		module, deps, err = parsePackageJSON(content)
	case "Cargo.toml":
		module, deps, err = parseCargo(content)
	case "pyproject.toml":
		module, deps, err = parsePyProject(content)
	case "pubspec.yaml":
		module, deps, err = parsePubspec(content)
	default:
		return nil, ErrUnsupported
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}

	a := &Analysis{Path: filePath, Language: LangManifest, Module: module, Analyzer: p.Name()}
	sort.Strings(deps)
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		a.Dependencies = append(a.Dependencies, Dependency{Kind: DepDependsOn, Target: d})
	}
	return a, nil
}

func parseGoMod(name string, content []byte) (string, []string, error) {
	f, err := modfile.ParseLax(name, content, nil)
	if err != nil {
		return "", nil, err
	}
	var module string
	if f.Module != nil {
		module = f.Module.Mod.Path
	}
	deps := make([]string, 0, len(f.Require))
	for _, r := range f.Require {
		deps = append(deps, r.Mod.Path)
	}
	return module, deps, nil
}

type packageJSON struct {
	Name                 string            `json:"name"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

func parsePackageJSON(content []byte) (string, []string, error) {
	var pkg packageJSON
	if err := json.Unmarshal(content, &pkg); err != nil {
		return "", nil, err
	}
	return pkg.Name, keys(pkg.Dependencies, pkg.DevDependencies, pkg.PeerDependencies, pkg.OptionalDependencies), nil
}

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Dependencies      map[string]any `toml:"dependencies"`
	DevDependencies   map[string]any `toml:"dev-dependencies"`
	BuildDependencies map[string]any `toml:"build-dependencies"`
}

func parseCargo(content []byte) (string, []string, error) {
	var m cargoManifest
	if err := toml.Unmarshal(content, &m); err != nil {
		return "", nil, err
	}
	return m.Package.Name, keys(m.Dependencies, m.DevDependencies, m.BuildDependencies), nil
}

type pyProject struct {
	Project struct {
		Name                 string              `toml:"name"`
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name         string         `toml:"name"`
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func parsePyProject(content []byte) (string, []string, error) {
	var m pyProject
	if err := toml.Unmarshal(content, &m); err != nil {
		return "", nil, err
	}
	name := m.Project.Name
	if name == "" {
		name = m.Tool.Poetry.Name
	}
	var deps []string
	for _, req := range m.Project.Dependencies {
		deps = append(deps, requirementName(req))
	}
	for _, group := range m.Project.OptionalDependencies {
		for _, req := range group {
			deps = append(deps, requirementName(req))
		}
	}
	for d := range m.Tool.Poetry.Dependencies {
		if d != "python" {
			deps = append(deps, d)
		}
	}
	return name, deps, nil
}

// requirementName strips version specifiers, extras and markers.
func requirementName(req string) string {
	req = strings.TrimSpace(req)
	if i := strings.IndexAny(req, " <>=!~;[(@"); i >= 0 {
		req = req[:i]
	}
	return req
}

type pubspec struct {
	Name            string         `yaml:"name"`
	Dependencies    map[string]any `yaml:"dependencies"`
	DevDependencies map[string]any `yaml:"dev_dependencies"`
}

func parsePubspec(content []byte) (string, []string, error) {
	var m pubspec
	if err := yaml.Unmarshal(content, &m); err != nil {
		return "", nil, err
	}
	var deps []string
	for d := range m.Dependencies {
		if d != "flutter" {
			deps = append(deps, d)
		}
	}
	for d := range m.DevDependencies {
		deps = append(deps, d)
	}
	return m.Name, deps, nil
}

func keys[V any](maps ...map[string]V) []string {
	var out []string
	for _, m := range maps {
		for k := range m {
			out = append(out, k)
		}
	}
	return out
}
