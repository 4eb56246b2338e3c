package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/flowtestlabs/flowtest/internal/model"
)

const postmanCollection = `{
  "info": {
    "name": "Demo API",
    "schema": "https://schema.getpostman.com/json/collection/v2.1.0/collection.json"
  },
  "item": [
    {
      "name": "Users",
      "item": [
        {
          "name": "List Users",
          "request": {
            "method": "GET",
            "header": [{"key": "Accept", "value": "application/json"}],
            "url": {
              "raw": "https://api.example.com/users?page=1",
              "query": [{"key": "page", "value": "1"}]
            }
          }
        }
      ]
    }
  ]
}`

const openAPIDocument = `openapi: 3.0.3
info:
  title: Demo
  version: "1.0"
servers:
  - url: https://api.example.com
paths:
  /users:
    get:
      operationId: listUsers
      tags: [users]
      responses:
        "200":
          description: ok
    post:
      operationId: createUser
      tags: [users]
      responses:
        "201":
          description: created
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFromPostman(t *testing.T) {
	suites, err := FromPostman(writeTemp(t, "demo.postman.json", postmanCollection))
	require.NoError(t, err)
	require.Len(t, suites, 1)

	suite := suites[0]
	assert.Equal(t, "demo_api_users", suite.NodeID)
	require.Len(t, suite.Steps, 1)

	step := suite.Steps[0]
	assert.Equal(t, "list_users", step.Name)
	require.NotNil(t, step.Request)
	assert.Equal(t, "GET", step.Request.Method)
	assert.Equal(t, "https://api.example.com/users?page=1", step.Request.URL)
	assert.Equal(t, map[string]string{"page": "1"}, step.Request.Query)
	assert.Equal(t, map[string]string{"Accept": "application/json"}, step.Request.Headers)
	require.NotNil(t, step.Assert)
}

func TestFromPostmanUnreadable(t *testing.T) {
	_, err := FromPostman(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestFromOpenAPI(t *testing.T) {
	suites, err := FromOpenAPI(writeTemp(t, "demo.yaml", openAPIDocument))
	require.NoError(t, err)
	require.Len(t, suites, 1)

	suite := suites[0]
	assert.Equal(t, "users", suite.NodeID)
	assert.Equal(t, "Users", suite.SuiteName)
	assert.Equal(t, "https://api.example.com", suite.BaseURL)
	require.Len(t, suite.Steps, 2)
	assert.Equal(t, "listUsers", suite.Steps[0].Name)
	assert.Equal(t, "GET", suite.Steps[0].Request.Method)
	assert.Equal(t, "https://api.example.com/users", suite.Steps[0].Request.URL)
	assert.Equal(t, "createUser", suite.Steps[1].Name)
	assert.Equal(t, "POST", suite.Steps[1].Request.Method)
}

func TestWriteSuitesRoundTrips(t *testing.T) {
	dir := t.TempDir()
	suites, err := FromOpenAPI(writeTemp(t, "demo.yaml", openAPIDocument))
	require.NoError(t, err)
	require.NoError(t, WriteSuites(dir, suites))

	raw, err := os.ReadFile(filepath.Join(dir, "users.test.yaml"))
	require.NoError(t, err)

	var got model.Suite
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, suites[0].NodeID, got.NodeID)
	assert.Len(t, got.Steps, 2)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "list_users", slugify("List Users"))
	assert.Equal(t, "get_users_id", slugify("GET /users/{id}"))
	assert.Equal(t, "imported", slugify("!!!"))
}
