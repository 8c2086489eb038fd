package boltstore

import (
	"bytes"
	"encoding/gob"

	"github.com/crystal-mush/tworld/pkg/worlddb"
)

func init() {
	gob.Register(worlddb.World{})
	gob.Register(worlddb.Location{})
	gob.Register(worlddb.Scope{})
	gob.Register(worlddb.Player{})
	gob.Register(worlddb.PlayState{})
	gob.Register(worlddb.Prefs{})
	gob.Register(worlddb.Property{})
	gob.Register(worlddb.PortalList{})
	gob.Register(worlddb.Portal{})
}

// encode serializes a record to bytes using gob.
func encode[T any](v *T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode deserializes bytes back into a record.
func decode[T any](data []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}
