package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	conf := filepath.Join(dir, "tworld.yaml")
	require.NoError(t, os.WriteFile(conf, []byte(
		"db: "+filepath.Join(dir, "data", "world.db")+"\n"+
			"feed_db: \"\"\n"+
			"jwt_secret: test\n"+
			"log:\n  level: error\n"), 0644))
	return conf
}

const world = `
worlds:
  - id: start
    name: Beginning
    start: hall
    locations:
      - key: hall
        name: Hall
players:
  - name: Ada
    password: lovelace
`

func TestSchemaCommand(t *testing.T) {
	out, err := run(t, "", "schema")
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "Tworld client commands", schema["title"])
	assert.NotEmpty(t, schema["oneOf"])
}

func TestImportPasswdTokenBackup(t *testing.T) {
	conf := writeConfig(t)
	file := filepath.Join(filepath.Dir(conf), "world.yaml")
	require.NoError(t, os.WriteFile(file, []byte(world), 0644))

	out, err := run(t, "", "import", "--check", file)
	require.NoError(t, err)
	assert.Contains(t, out, "1 file(s) OK")

	out, err = run(t, "", "-c", conf, "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "1 worlds, 1 locations, 0 properties, 1 players")

	out, err = run(t, "babbage\n", "-c", conf, "passwd", "ada")
	require.NoError(t, err)
	assert.Contains(t, out, "password set for Ada")

	_, err = run(t, "", "-c", conf, "passwd", "Nobody", "--password", "x")
	assert.ErrorContains(t, err, "no player named")

	out, err = run(t, "", "-c", conf, "token", "Ada")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."), "a JWT has three parts")

	backups := filepath.Join(filepath.Dir(conf), "backups")
	out, err = run(t, "", "-c", conf, "backup", "--dir", backups)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), backups))

	out, err = run(t, "", "backup", "--list", "--dir", backups)
	require.NoError(t, err)
	assert.Contains(t, out, "tworld-")
}
