package worldfile

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crystal-mush/tworld/pkg/boltstore"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
scopes:
  - id: guild
    group: Lamplighters
worlds:
  - id: start
    name: Beginning
    creator: p1
    start: hall
    props:
      - key: weather
        text: Drizzly.
    locations:
      - key: hall
        name: Entrance Hall
        desc: A bare hall. A [door|yard] leads out.
        props:
          - key: yard
            type: move
            loc: yard
            text: You step outside.
            otext: "[[name]] steps outside."
          - key: visits
            type: value
            value: {count: 3, tags: [old, dusty]}
      - key: yard
        name: Yard
        desc: Weeds.
        props:
          - key: sign
            type: editstr
            text: A sign reads
            field: signtext
players:
  - id: p1
    name: Ada
    password: lovelace
    pronoun: she
    admin: true
    portals:
      - world: start
        loc: yard
      - world: start
        loc: hall
        scope: personal
`

func fakeHash(pw string) ([]byte, error) { return []byte("h:" + pw), nil }

func openStore(t *testing.T) *boltstore.Store {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "world.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestParseSample(t *testing.T) {
	wf, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, wf.Worlds, 1)
	assert.Len(t, wf.Worlds[0].Locations, 2)

	v, err := wf.Worlds[0].Locations[0].Props[1].value()
	require.NoError(t, err)
	assert.Equal(t, worlddb.KindPlain, v.Kind)
	assert.JSONEq(t, `{"count":3,"tags":["old","dusty"]}`, string(v.Plain))

	v, err = wf.Worlds[0].Props[0].value()
	require.NoError(t, err)
	assert.Equal(t, worlddb.KindText, v.Kind, "type defaults to text")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, doc, want string
	}{
		{"unknown key", "worlds:\n  - id: w\n    colour: red\n", "colour"},
		{"missing start", "worlds:\n  - id: w\n    name: W\n    start: nowhere\n", "start location"},
		{"bad move", "worlds:\n  - id: w\n    name: W\n    start: a\n    locations:\n      - key: a\n        props:\n          - key: go\n            type: move\n            loc: b\n", "unknown location b"},
		{"bad kind", "worlds:\n  - id: w\n    name: W\n    start: a\n    locations:\n      - key: a\n        props:\n          - key: x\n            type: sound\n", "unknown type"},
		{"bad pronoun", "players:\n  - name: Ada\n    pronoun: xe\n", "bad pronoun"},
		{"duplicate player", "players:\n  - name: Ada\n  - name: ADA\n", "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestImport(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	wf, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	im := &Importer{Store: store, Hash: fakeHash}
	sum, err := im.Import(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scopes: 1, Worlds: 1, Locations: 2, Props: 4, Players: 1, Portals: 2}, sum)

	w, err := store.GetWorld(ctx, "start")
	require.NoError(t, err)
	assert.Equal(t, worlddb.InstancingStandard, w.Instancing)
	assert.Equal(t, worlddb.LocationKey("hall"), w.StartLocation)

	sc, err := store.GetScope(ctx, "guild")
	require.NoError(t, err)
	assert.Equal(t, "(Group: Lamplighters)", sc.Label(""))

	props, err := store.ListProperties(ctx, worlddb.TableKey{Kind: worlddb.TableLocation, World: "start", Location: "hall"})
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "visits", props[0].Key)
	assert.Equal(t, "yard", props[1].Key)
	assert.Equal(t, worlddb.LocationKey("yard"), props[1].Value.Loc)
	assert.EqualValues(t, 1, props[1].Version)

	p, err := store.FindPlayer(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, worlddb.PlayerID("p1"), p.ID)
	assert.Equal(t, []byte("h:lovelace"), p.PasswordHash)
	assert.True(t, p.Admin)
	require.NotEmpty(t, p.PortList)

	portals, err := store.ListPortals(ctx, p.PortList)
	require.NoError(t, err)
	require.Len(t, portals, 2)
	assert.Equal(t, worlddb.LocationKey("yard"), portals[0].Location)
	assert.Equal(t, worlddb.ScopeRefGlobal, portals[0].ScopeRef)
	assert.Equal(t, worlddb.ScopeRefPersonal, portals[1].ScopeRef)
	assert.Equal(t, worlddb.PlayerID("p1"), portals[1].Creator)
}

func TestImportTwiceUpdatesInPlace(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	im := &Importer{Store: store, Hash: fakeHash}

	wf, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	_, err = im.Import(ctx, wf)
	require.NoError(t, err)

	wf.Worlds[0].Props[0].Text = "Sunny."
	wf.Players[0].Password = ""
	sum, err := im.Import(ctx, wf)
	require.NoError(t, err)
	assert.Zero(t, sum.Portals, "portals already present are skipped")

	props, err := store.ListProperties(ctx, worlddb.TableKey{Kind: worlddb.TableWorld, World: "start"})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "Sunny.", props[0].Value.Text)
	assert.EqualValues(t, 2, props[0].Version)

	p, err := store.FindPlayer(ctx, "Ada")
	require.NoError(t, err)
	assert.Equal(t, []byte("h:lovelace"), p.PasswordHash, "empty password keeps the old hash")
}
