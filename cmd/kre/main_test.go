package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCmd(t *testing.T, path ...string) *cobra.Command {
	t.Helper()
	cmd, rest, err := rootCmd.Find(path)
	require.NoError(t, err)
	require.Empty(t, rest)
	return cmd
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"decay", "refresh"},
		{"aggregate", "discover"},
		{"aggregate", "synthesize"},
		{"aggregate", "provenance"},
		{"interests", "refresh"},
	} {
		cmd := findCmd(t, path...)
		assert.Equal(t, path[len(path)-1], cmd.Name())
		assert.NotEmpty(t, cmd.Short)
		assert.NotNil(t, cmd.RunE)
	}
}

func TestRequiredFlags(t *testing.T) {
	tests := [][]string{
		{"aggregate", "synthesize", "--concept", "vpn"},
		{"aggregate", "provenance"},
		{"interests", "refresh"},
	}
	for _, args := range tests {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(args)

		err := rootCmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "required flag")
	}
}

func TestSynthesizeItemsFlagSplitsOnComma(t *testing.T) {
	cmd := findCmd(t, "aggregate", "synthesize")
	require.NoError(t, cmd.Flags().Set("items", "a,b,c"))
	got, err := cmd.Flags().GetStringSlice("items")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
