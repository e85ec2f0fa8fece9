package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"accounts", "open"},
		{"accounts", "approve"},
		{"accounts", "set-limit"},
		{"accounts", "release-hold"},
		{"api-keys", "issue"},
		{"verify"},
		{"statement"},
		{"purge-keys"},
		{"report"},
		{"migrate"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dbURL = ""
	rootCmd.SetArgs([]string{"verify"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
