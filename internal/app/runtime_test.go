package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	// Flips CREWBASE_TEST_MODE on before any binary entrypoint can run.
	_ "github.com/crewbase/crewbase/internal/testing/guard"
)

func TestInTestModeUnderGoTest(t *testing.T) {
	require.True(t, InTestMode())
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}
