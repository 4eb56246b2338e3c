// Package discovery locates suite files under configured roots, parses
// and validates them, assigns stable node IDs, builds the depends_on[]
// graph, detects cycles, and produces a topological run order.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/model"
)

var excludedDirs = []string{"node_modules", "drafts"}

// Find walks roots and returns every file matching **/*.test.{yml,yaml},
// skipping excluded directories and hidden paths.
func Find(roots []string) ([]string, error) {
	var files []string
	for _, root := range roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return errs.New(errs.KindDiscovery, errs.CodeFileUnreadable, "cannot walk "+path, err)
			}
			name := info.Name()
			if info.IsDir() {
				if name != "." && strings.HasPrefix(name, ".") {
					return filepath.SkipDir
				}
				for _, excl := range excludedDirs {
					if name == excl {
						return filepath.SkipDir
					}
				}
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return nil
			}
			if isTestSuiteFile(name) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func isTestSuiteFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".test.yml") || strings.HasSuffix(lower, ".test.yaml")
}

// schemaValidator is the go-playground struct-tag validator, shared
// across Load calls so its per-type tag cache is built once.
var schemaValidator = validator.New()

// Load reads, parses and validates every file, assigning node_id from the
// document's own field or, if absent, a stable id derived from the file
// path.
func Load(files []string, schema *gojsonschema.Schema) ([]model.Suite, error) {
	suites := make([]model.Suite, 0, len(files))
	seen := make(map[string]string, len(files))

	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.New(errs.KindDiscovery, errs.CodeFileUnreadable, "cannot read "+path, err)
		}

		if schema != nil {
			if verr := validateSchema(schema, raw, path); verr != nil {
				return nil, verr
			}
		}

		var suite model.Suite
		if err := yaml.Unmarshal(raw, &suite); err != nil {
			return nil, errs.New(errs.KindDiscovery, errs.CodeInvalidYAML, "invalid YAML in "+path, err)
		}
		suite.SourcePath = path

		if suite.NodeID == "" {
			suite.NodeID = nodeIDFromPath(path)
		}

		if err := schemaValidator.Struct(suite); err != nil {
			return nil, errs.New(errs.KindDiscovery, errs.CodeMissingField, "schema violation in "+path, err)
		}

		if other, dup := seen[suite.NodeID]; dup {
			return nil, errs.New(errs.KindDiscovery, errs.CodeSchemaViolation,
				fmt.Sprintf("duplicate node_id %q in %s and %s", suite.NodeID, other, path), nil)
		}
		seen[suite.NodeID] = path

		suites = append(suites, suite)
	}
	return suites, nil
}

func validateSchema(schema *gojsonschema.Schema, raw []byte, path string) error {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errs.New(errs.KindDiscovery, errs.CodeInvalidYAML, "invalid YAML in "+path, err)
	}
	normalized, err := toJSONCompatible(doc)
	if err != nil {
		return errs.New(errs.KindDiscovery, errs.CodeInvalidYAML, "cannot normalize "+path, err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(normalized))
	if err != nil {
		return errs.New(errs.KindDiscovery, errs.CodeSchemaViolation, "schema check failed for "+path, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errs.New(errs.KindDiscovery, errs.CodeSchemaViolation,
			strings.Join(msgs, "; ")+" in "+path, nil)
	}
	return nil
}

// toJSONCompatible converts yaml.v3's native map[string]interface{} (it
// does not produce map[interface{}]interface{} like gopkg.in/yaml.v2
// does, but nested documents still need interface{} key normalization
// when they came through an intermediate any-typed decode) into a form
// gojsonschema's loader accepts.
func toJSONCompatible(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			converted, err := toJSONCompatible(item)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := toJSONCompatible(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return val, nil
	}
}

func nodeIDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSuffix(base, ".test")
	return base
}

// node is one entry in the dependency graph built from depends_on[].
type node struct {
	suite   model.Suite
	index   int
	visited int // 0 unvisited, 1 in-progress, 2 done
}

// Order performs cycle detection and returns suites in topological order
// by depth-first search: suites are visited by priority (critical > high
// > medium > low) then discovery order, and each suite's dependencies,
// taken in that same order, are emitted before it. Suites are not
// grouped into dependency layers, so a low-priority dependency of an
// early suite precedes unrelated higher-priority suites.
func Order(suites []model.Suite) ([]model.Suite, error) {
	byID := make(map[string]*node, len(suites))
	for i := range suites {
		byID[suites[i].NodeID] = &node{suite: suites[i], index: i}
	}

	for id, n := range byID {
		for _, dep := range n.suite.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, errs.New(errs.KindDiscovery, errs.CodeUnknownNodeRef,
					fmt.Sprintf("suite %q depends_on unknown node_id %q", id, dep), nil)
			}
		}
	}

	var ordered []model.Suite
	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		n := byID[id]
		switch n.visited {
		case 2:
			return nil
		case 1:
			return errs.New(errs.KindDiscovery, errs.CodeCircularDependency,
				"circular depends_on: "+strings.Join(append(stack, id), " -> "), nil)
		}
		n.visited = 1
		deps := append([]string{}, n.suite.DependsOn...)
		sort.Slice(deps, func(i, j int) bool { return dependencyLess(byID, deps[i], deps[j]) })
		for _, dep := range deps {
			if err := visit(dep, append(stack, id)); err != nil {
				return err
			}
		}
		n.visited = 2
		ordered = append(ordered, n.suite)
		return nil
	}

	ids := make([]string, 0, len(suites))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return dependencyLess(byID, ids[i], ids[j]) })

	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func dependencyLess(byID map[string]*node, a, b string) bool {
	na, nb := byID[a], byID[b]
	if ra, rb := na.suite.EffectivePriority().Rank(), nb.suite.EffectivePriority().Rank(); ra != rb {
		return ra < rb
	}
	return na.index < nb.index
}
