package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	for _, channel := range []string{
		"health-check",
		"ping",
		"select-file",
		"preview-file",
		"import-data",
		"get-strategies",
		"get-settings",
		"save-settings",
	} {
		assert.True(t, s.Has(channel), channel)
	}
}

func TestValidate_PreviewFile(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	res, err := s.Validate("preview-file", []byte(`{"filePath":"/tmp/data.csv"}`))
	require.NoError(t, err)
	assert.True(t, res.Valid())

	res, err = s.Validate("preview-file", []byte(`{"filePath":""}`))
	require.NoError(t, err)
	assert.False(t, res.Valid())

	res, err = s.Validate("preview-file", []byte(`null`))
	require.NoError(t, err)
	assert.False(t, res.Valid())
}

func TestValidate_NullPayloadForParameterlessChannel(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	res, err := s.Validate("health-check", []byte(`null`))
	require.NoError(t, err)
	assert.True(t, res.Valid())

	res, err = s.Validate("health-check", []byte(`{"unexpected":1}`))
	require.NoError(t, err)
	assert.False(t, res.Valid())
}

func TestValidate_UnknownChannel(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.Validate("run-backtest", []byte(`{}`))
	assert.ErrorIs(t, err, ErrSchemaNotFound)
}
