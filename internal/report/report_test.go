package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtestlabs/flowtest/internal/model"
)

func sampleResult() model.RunResult {
	result := model.RunResult{
		ProjectName: "flowtest",
		StartTime:   time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		EndTime:     time.Date(2026, 3, 14, 9, 27, 0, 0, time.UTC),
		SuitesResults: []model.SuiteResult{
			{
				NodeID: "users", SuiteName: "User CRUD", Status: model.StatusSuccess,
				Priority: model.PriorityHigh,
				StepsResults: []model.StepResult{
					{StepName: "get user", Status: model.StatusSuccess},
					{StepName: "update user", Status: model.StatusFailure},
				},
			},
		},
	}
	result.SuitesResults[0].Finalize()
	result.Finalize()
	return result
}

func TestWriteProducesLatestAndStamped(t *testing.T) {
	dir := t.TempDir()
	stamped, err := Write(dir, sampleResult(), map[string]string{
		"FLOW_TEST_ENV": "staging",
		"HOME":          "/home/nobody",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-20260314-092653.json"), stamped)

	latest, err := Read(filepath.Join(dir, "latest.json"))
	require.NoError(t, err)
	assert.Equal(t, "flowtest", latest.ProjectName)
	assert.Equal(t, 2, latest.TotalTests)
	assert.Equal(t, map[string]string{"FLOW_TEST_ENV": "staging"}, latest.Environment)

	// Both artifacts hold the same document.
	copied, err := Read(stamped)
	require.NoError(t, err)
	assert.Equal(t, latest, copied)
}

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := sampleResult()
	_, err := Write(dir, want, nil)
	require.NoError(t, err)

	got, err := Read(filepath.Join(dir, "latest.json"))
	require.NoError(t, err)
	assert.Equal(t, want.TotalTests, got.TotalTests)
	assert.Equal(t, want.SuccessRate, got.SuccessRate)
	require.Len(t, got.SuitesResults, 1)
	assert.Equal(t, want.SuitesResults[0].StepsResults, got.SuitesResults[0].StepsResults)
}

func TestWriteCreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "results")
	_, err := Write(dir, sampleResult(), nil)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "latest.json"))
	require.NoError(t, err)
}
