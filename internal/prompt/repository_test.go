package prompt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultScriptBuiltin(t *testing.T) {
	prompts, err := DefaultScript("")
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	require.True(t, prompts[2].IsRating)

	prompts[0].Text = "changed"
	again, err := DefaultScript("")
	require.NoError(t, err)
	require.NotEqual(t, "changed", again[0].Text)
}

func TestDefaultScriptFromConfig(t *testing.T) {
	prompts, err := DefaultScript(`[{"text":"How are you?"},{"text":"Rate it.","is_rating":true}]`)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	require.Equal(t, "How are you?", prompts[0].Text)
	require.True(t, prompts[1].IsRating)
}

func TestDefaultScriptRejectsBadInput(t *testing.T) {
	_, err := DefaultScript(`[]`)
	require.ErrorIs(t, err, ErrEmptyScript)

	_, err = DefaultScript(`{"text":"x"}`)
	require.Error(t, err)
}
