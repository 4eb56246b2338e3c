// Package importer generates suite YAML from a Postman Collection or an
// OpenAPI document: each discovered operation is emitted as a runnable
// model.Suite step, one suite per folder/tag group.
package importer

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pb33f/libopenapi"
	v3 "github.com/pb33f/libopenapi/datamodel/high/v3"
	"github.com/rbretecher/go-postman-collection"
	"gopkg.in/yaml.v3"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/model"
)

// FromPostman parses a Postman Collection v2.1 export into suites, one
// Step per request, in collection order. Each folder, nested folders
// included, yields its own suite whose node_id joins the collection's
// slug and the folder slugs with "_"; a collection without folders
// yields a single suite whose node_id is the collection's slug.
func FromPostman(path string) ([]model.Suite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, errs.CodeFileUnreadable, "cannot read "+path, err)
	}

	collection, err := postman.ParseCollection(strings.NewReader(string(raw)))
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, errs.CodeInvalidYAML, "failed to parse postman collection", err)
	}

	builder := &postmanBuilder{nodeID: slugify(collection.Info.Name)}
	builder.walk(collection.Items)
	if len(builder.suites) == 0 {
		return nil, nil
	}
	return builder.suites, nil
}

type postmanBuilder struct {
	nodeID string
	suites []model.Suite
}

func (b *postmanBuilder) walk(items []*postman.Items) {
	for _, item := range items {
		if item.IsGroup() {
			sub := &postmanBuilder{nodeID: b.nodeID + "_" + slugify(item.Name)}
			sub.walk(item.Items)
			b.suites = append(b.suites, sub.suites...)
			continue
		}
		if item.Request == nil {
			continue
		}
		b.addRequest(item.Name, item.Request)
	}
}

func (b *postmanBuilder) addRequest(name string, req *postman.Request) {
	if len(b.suites) == 0 {
		b.suites = append(b.suites, model.Suite{NodeID: b.nodeID, SuiteName: humanize(b.nodeID)})
	}
	suite := &b.suites[len(b.suites)-1]

	step := model.Step{Name: slugify(name)}
	reqSpec := &model.RequestSpec{Method: string(req.Method)}
	if req.URL != nil {
		reqSpec.URL = req.URL.Raw
		if len(req.URL.Query) > 0 {
			reqSpec.Query = map[string]string{}
			for _, q := range req.URL.Query {
				reqSpec.Query[q.Key] = q.Value
			}
		}
	}
	if len(req.Header) > 0 {
		reqSpec.Headers = map[string]string{}
		for _, h := range req.Header {
			reqSpec.Headers[h.Key] = h.Value
		}
	}
	step.Request = reqSpec
	step.Assert = &model.AssertSpec{StatusCode: model.CheckSet{"less_than": 500}}
	suite.Steps = append(suite.Steps, step)
}

// FromOpenAPI parses an OpenAPI 3.x document into one Suite per tag (or a
// single "imported" suite if operations carry no tags), one Step per
// operation, ordered by path then method.
func FromOpenAPI(path string) ([]model.Suite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, errs.CodeFileUnreadable, "cannot read "+path, err)
	}

	doc, err := libopenapi.NewDocument(raw)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, errs.CodeInvalidYAML, "failed to parse OpenAPI document", err)
	}
	built, err := doc.BuildV3Model()
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, errs.CodeSchemaViolation, "failed to build OpenAPI v3 model", err)
	}

	suitesByTag := map[string]*model.Suite{}
	var order []string

	baseURL := ""
	if built.Model.Servers != nil && len(built.Model.Servers) > 0 {
		baseURL = built.Model.Servers[0].URL
	}

	for pair := built.Model.Paths.PathItems.First(); pair != nil; pair = pair.Next() {
		path := pair.Key()
		item := pair.Value()
		ops := map[string]*v3.Operation{
			"GET": item.Get, "POST": item.Post, "PUT": item.Put,
			"DELETE": item.Delete, "PATCH": item.Patch,
		}
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "PATCH"} {
			op := ops[method]
			if op == nil {
				continue
			}
			tag := "imported"
			if len(op.Tags) > 0 {
				tag = op.Tags[0]
			}
			nodeID := slugify(tag)
			suite, ok := suitesByTag[nodeID]
			if !ok {
				suite = &model.Suite{NodeID: nodeID, SuiteName: humanize(tag), BaseURL: baseURL}
				suitesByTag[nodeID] = suite
				order = append(order, nodeID)
			}

			stepName := op.OperationId
			if stepName == "" {
				stepName = slugify(method + "_" + path)
			}
			suite.Steps = append(suite.Steps, model.Step{
				Name:   stepName,
				Request: &model.RequestSpec{Method: method, URL: baseURL + path},
				Assert: &model.AssertSpec{StatusCode: model.CheckSet{"less_than": 500}},
			})
		}
	}

	suites := make([]model.Suite, 0, len(order))
	for _, id := range order {
		suites = append(suites, *suitesByTag[id])
	}
	return suites, nil
}

// WriteSuites marshals each suite to <dir>/<node_id>.test.yaml.
func WriteSuites(dir string, suites []model.Suite) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindConfiguration, errs.CodeFileUnreadable, "cannot create "+dir, err)
	}
	for _, suite := range suites {
		out, err := yaml.Marshal(suite)
		if err != nil {
			return errs.New(errs.KindConfiguration, errs.CodeInvalidYAML, "cannot marshal suite "+suite.NodeID, err)
		}
		path := filepath.Join(dir, suite.NodeID+".test.yaml")
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return errs.New(errs.KindConfiguration, errs.CodeFileUnreadable, "cannot write "+path, err)
		}
	}
	return nil
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	slug := nonSlugChars.ReplaceAllString(lower, "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		slug = "imported"
	}
	return slug
}

func humanize(nodeID string) string {
	parts := strings.Split(nodeID, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
