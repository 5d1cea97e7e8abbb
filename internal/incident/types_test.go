package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEnvironment(t *testing.T) {
	event := &Event{Context: map[string]string{"environment": "production"}}
	assert.Equal(t, "production", event.Environment())

	assert.Equal(t, "default", (&Event{}).Environment())
	assert.Equal(t, "default", (&Event{Context: map[string]string{"environment": ""}}).Environment())
}

func TestEventValidate(t *testing.T) {
	valid := &Event{ID: "inc-1", Source: SourceKubernetes, ErrorText: "OOMKilled"}
	require.NoError(t, valid.Validate())

	// Failure type alone is enough when there is no error text.
	typeOnly := &Event{ID: "inc-1", Source: SourceGitHubActions, FailureType: "workflow_failure"}
	require.NoError(t, typeOnly.Validate())

	assert.Error(t, (&Event{Source: SourceKubernetes, ErrorText: "x"}).Validate())
	assert.Error(t, (&Event{ID: "inc-1", ErrorText: "x"}).Validate())
	assert.Error(t, (&Event{ID: "inc-1", Source: SourceKubernetes}).Validate())
}

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory("resource"))
	assert.True(t, ValidCategory("unknown"))
	assert.False(t, ValidCategory("hardware"))
}

func TestValidFixability(t *testing.T) {
	assert.True(t, ValidFixability("auto"))
	assert.True(t, ValidFixability("investigate"))
	assert.False(t, ValidFixability("maybe"))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.3))
	assert.Equal(t, 1.0, Clamp(1.4))
	assert.Equal(t, 0.5, Clamp(0.5))
}
