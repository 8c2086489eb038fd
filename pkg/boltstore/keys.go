package boltstore

import "github.com/crystal-mush/tworld/pkg/worlddb"

// Bucket name constants for bbolt storage.
var (
	bucketMeta        = []byte("meta")
	bucketWorlds      = []byte("worlds")
	bucketLocations   = []byte("locations")
	bucketScopes      = []byte("scopes")
	bucketPlayers     = []byte("players")
	bucketPlayerNames = []byte("playernames")
	bucketPlayState   = []byte("playstate")
	bucketPrefs       = []byte("prefs")
	bucketProps       = []byte("props")
	bucketPortLists   = []byte("portlists")
	bucketPortals     = []byte("portals")
	bucketTrash       = []byte("trash")
)

var allBuckets = [][]byte{
	bucketMeta, bucketWorlds, bucketLocations, bucketScopes, bucketPlayers,
	bucketPlayerNames, bucketPlayState, bucketPrefs, bucketProps,
	bucketPortLists, bucketPortals, bucketTrash,
}

// Meta key constants.
var (
	keyGlobalScope = []byte("globalscope")
)

// locationKey joins world and location with a NUL so that all locations of
// a world sort together.
func locationKey(world worlddb.WorldID, loc worlddb.LocationKey) []byte {
	return []byte(string(world) + "\x00" + string(loc))
}

// tableBucketName names the nested bucket holding one property table.
func tableBucketName(table worlddb.TableKey) []byte {
	return []byte(table.String())
}

// trashPropsName and trashPortalsName name the nested trash buckets that
// receive deleted properties and portals.
func trashPropsName(table worlddb.TableKey) []byte {
	return []byte("props:" + table.String())
}

func trashPortalsName(list worlddb.PortalListID) []byte {
	return []byte("portals:" + string(list))
}
