package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/handoff/pkg/config"
)

func TestConfigSchemaCmd(t *testing.T) {
	var buf bytes.Buffer
	configSchemaCmd.SetOut(&buf)
	t.Cleanup(func() { configSchemaCmd.SetOut(nil) })

	require.NoError(t, configSchemaCmd.RunE(configSchemaCmd, nil))

	var schema map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &schema))
	assert.Equal(t, "handoff configuration", schema["title"])
	assert.Contains(t, schema["properties"], "services")
}

func TestConfigShowCmd(t *testing.T) {
	previous := appConfig
	t.Cleanup(func() { appConfig = previous })

	v := viper.New()
	config.Setup(v)
	v.Set("store.type", "sqlite")
	cfg, err := config.Load(v)
	require.NoError(t, err)
	appConfig = cfg

	var buf bytes.Buffer
	configShowCmd.SetOut(&buf)
	t.Cleanup(func() { configShowCmd.SetOut(nil) })

	require.NoError(t, configShowCmd.Flags().Set("format", "yaml"))
	require.NoError(t, configShowCmd.RunE(configShowCmd, nil))

	var shown map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &shown))
	store, ok := shown["store"].(map[string]any)
	require.True(t, ok, "got %s", buf.String())
	assert.Equal(t, "sqlite", store["type"])
	assert.Equal(t, "info", shown["log_level"])

	require.NoError(t, configShowCmd.Flags().Set("format", "table"))
	assert.EqualError(t, configShowCmd.RunE(configShowCmd, nil), "config show supports json or yaml")
	require.NoError(t, configShowCmd.Flags().Set("format", "yaml"))
}
