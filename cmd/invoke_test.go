package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvoke_RejectsArgumentsAfterChannel(t *testing.T) {
	err := rootApp.RunContext(context.Background(), []string{
		"bridge", "invoke", "import-data", "--data", `{"symbol":"BTC"}`,
	})

	assert.ErrorContains(t, err, `unexpected arguments after "import-data"`)
	assert.ErrorContains(t, err, "--data")
}

func TestInvoke_RequiresChannel(t *testing.T) {
	err := rootApp.RunContext(context.Background(), []string{"bridge", "invoke"})

	assert.EqualError(t, err, "missing channel")
}
