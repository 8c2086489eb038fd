package worlddb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableKeyString(t *testing.T) {
	tests := []struct {
		key  TableKey
		want string
	}{
		{TableKey{Kind: TableWorld, World: "w1"}, "world/w1"},
		{TableKey{Kind: TableLocation, World: "w1", Location: "start"}, "loc/w1/start"},
		{TableKey{Kind: TableInstance, World: "w1", Scope: "s1", Location: "start"}, "inst/w1/s1/start"},
		{TableKey{Kind: TablePlayer, World: "w1", Player: "p1"}, "player/w1/p1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.key.String())
		got, err := ParseTableKey(tt.want)
		require.NoError(t, err)
		assert.Equal(t, tt.key, got)
	}
}

func TestParseTableKeyRejects(t *testing.T) {
	for _, s := range []string{"", "loc", "loc/w1", "loc//x", "world/w1/extra", "bogus/w1"} {
		_, err := ParseTableKey(s)
		assert.Error(t, err, "key %q", s)
	}
}

func TestValueValidate(t *testing.T) {
	assert.NoError(t, Value{Kind: KindText, Text: "hello"}.Validate())
	assert.NoError(t, Value{Kind: KindPlain, Plain: json.RawMessage(`{"a":1}`)}.Validate())
	assert.ErrorIs(t, Value{Kind: KindMove}.Validate(), ErrInvalidValue)
	assert.ErrorIs(t, Value{Kind: KindPlain, Plain: json.RawMessage(`{`)}.Validate(), ErrInvalidValue)
	assert.ErrorIs(t, Value{Kind: KindDatetime}.Validate(), ErrInvalidValue)
	assert.ErrorIs(t, Value{Kind: "sprocket"}.Validate(), ErrInvalidValue)
}

func TestScopeLabel(t *testing.T) {
	assert.Equal(t, "(Global instance)", Scope{Type: ScopeGlobal}.Label(""))
	assert.Equal(t, "(Personal instance: Ada)", Scope{Type: ScopePersonal}.Label("Ada"))
	assert.Equal(t, "(Group: crew)", Scope{Type: ScopeGroup, Group: "crew"}.Label(""))
}

func TestNameKeyFolds(t *testing.T) {
	assert.Equal(t, NameKey("  Ada "), NameKey("ADA"))
}

func TestPrefsMerge(t *testing.T) {
	p := Prefs{"font": json.RawMessage(`110`)}
	p.Merge(Prefs{"font": json.RawMessage(`115`), "theme": json.RawMessage(`"dark"`)})
	assert.JSONEq(t, `115`, string(p["font"]))
	assert.Len(t, p, 2)
}

func TestRetryRead(t *testing.T) {
	calls := 0
	v, err := RetryRead(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = RetryRead(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, ErrNotFound
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}
