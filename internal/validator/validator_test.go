package validator

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adam-Doria/GuardDog/internal/contracts"
)

func TestNewContractValidator_LoadsEmbeddedSchemas(t *testing.T) {
	validator, err := NewContractValidator()
	require.NoError(t, err)

	assert.Equal(t, []string{"health", "intruder-detected", "register"}, validator.Contracts())
}

func TestNewContractValidatorFS_EmptyDirectory_ReturnsError(t *testing.T) {
	_, err := NewContractValidatorFS(fstest.MapFS{}, "schemas")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no schema files found")
}

func TestNewContractValidatorFS_BrokenSchema_ReturnsError(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/bad.schema.json": &fstest.MapFile{Data: []byte(`{"type": 12}`)},
	}
	_, err := NewContractValidatorFS(fsys, "schemas")
	assert.Error(t, err)
}

func TestValidate_IntruderDetected(t *testing.T) {
	validator, err := NewContractValidator()
	require.NoError(t, err)

	event := contracts.IntruderDetected{
		EventID:    "550e8400-e29b-41d4-a716-446655440000",
		Category:   "Man",
		Confidence: 91.5,
		Timestamp:  time.Now().UnixMilli(),
		RobotID:    "chien-001",
	}
	assert.NoError(t, validator.Validate(event, contracts.TypeIntruderDetected))

	event.Confidence = 130
	err = validator.Validate(event, contracts.TypeIntruderDetected)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_MissingRequiredField_ReturnsError(t *testing.T) {
	validator, err := NewContractValidator()
	require.NoError(t, err)

	err = validator.ValidateJSON([]byte(`{"event_id":"x","confidence":90,"timestamp":1,"robot_id":"r"}`), contracts.TypeIntruderDetected)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_Register(t *testing.T) {
	validator, err := NewContractValidator()
	require.NoError(t, err)

	assert.NoError(t, validator.Validate(contracts.NewRegister("chien-001"), contracts.TypeRegister))
	assert.Error(t, validator.Validate(contracts.Register{Type: "human", ID: "x"}, contracts.TypeRegister))
	assert.Error(t, validator.Validate(contracts.NewRegister(""), contracts.TypeRegister))
}

func TestValidate_Health(t *testing.T) {
	validator, err := NewContractValidator()
	require.NoError(t, err)

	h := contracts.Health{
		HealthID:  "h-1",
		RobotID:   "chien-001",
		Timestamp: time.Now().UTC(),
		Mode:      "patrol",
		Link:      "connected",
		Detection: "RUNNING",
		Patrol:    "RUNNING",
	}
	assert.NoError(t, validator.Validate(h, contracts.TypeHealth))

	h.Mode = "sleep"
	assert.Error(t, validator.Validate(h, contracts.TypeHealth))
}

func TestValidate_UnknownContractType_ReturnsError(t *testing.T) {
	validator, err := NewContractValidator()
	require.NoError(t, err)

	err = validator.Validate(map[string]interface{}{"a": 1}, "nonexistent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown contract type")
}

func TestValidateJSON_Garbage_ReturnsError(t *testing.T) {
	validator, err := NewContractValidator()
	require.NoError(t, err)

	err = validator.ValidateJSON([]byte(`{not json`), contracts.TypeRegister)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}
