package main

import (
	"bytes"
	"strings"
	"testing"

	"cityflow/forecaster/config"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestDefaultsFrom(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Architecture.Layer1Size = 32
	cfg.Architecture.TCNDilations = []int{1, 2}
	cfg.Training.LearningRate = 0.01

	d := defaultsFrom(cfg)
	assert.Equal(t, 32, d.Recurrent.Layer1Size)
	assert.Equal(t, 64, d.Recurrent.Layer2Size)
	assert.Equal(t, []int{1, 2}, d.Conv.Dilations)
	assert.Equal(t, 50, d.Training.Epochs)
	require.NotNil(t, d.Training.LearningRate)
	assert.Equal(t, 0.01, *d.Training.LearningRate)

	cfg.Training.LearningRate = 0
	assert.Nil(t, defaultsFrom(cfg).Training.LearningRate)
}

func TestOverridesFromFlags(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "x"}
		c.Flags().Int("epochs", 0, "")
		c.Flags().Int("batch-size", 0, "")
		c.Flags().Float64("test-size", 0, "")
		return c
	}

	c := newCmd()
	require.NoError(t, c.ParseFlags(nil))
	o, err := overridesFromFlags(c)
	require.NoError(t, err)
	assert.Nil(t, o)

	c = newCmd()
	require.NoError(t, c.ParseFlags([]string{"--epochs", "7", "--test-size", "0.3"}))
	o, err = overridesFromFlags(c)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 7, *o.Epochs)
	assert.Nil(t, o.BatchSize)
	assert.Equal(t, 0.3, *o.TestSize)
}

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	defer hashPasswordCmd.SetOut(nil)

	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, []string{"pw"}))
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
}

func TestCommandsRequireSelector(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	for _, args := range [][]string{{"train"}, {"predict"}} {
		rootCmd.SetArgs(args)
		err := rootCmd.Execute()
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "required")
	}
}
