package worlddb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when adding a property whose key is already
	// in use within its table.
	ErrDuplicateKey = errors.New("duplicate key")
)

// WriteResult is the outcome of a versioned write. A stale expected version
// is not an error: Committed is false and Current holds the stored record.
type WriteResult[T any] struct {
	Committed bool
	Version   uint64
	Current   T
}

// PropertyStore holds versioned property tables.
type PropertyStore interface {
	GetProperty(ctx context.Context, table TableKey, id PropID) (Property, error)
	ListProperties(ctx context.Context, table TableKey) ([]Property, error)
	AddProperty(ctx context.Context, table TableKey, key string, val Value) (Property, error)
	WriteProperty(ctx context.Context, table TableKey, id PropID, expected uint64, val Value) (WriteResult[Property], error)
	// DeleteProperty moves the property to the trash table. It is versioned
	// like any other write.
	DeleteProperty(ctx context.Context, table TableKey, id PropID, expected uint64) (WriteResult[Property], error)
}

// PortalStore holds portal lists and their entries.
type PortalStore interface {
	GetPortalList(ctx context.Context, id PortalListID) (PortalList, error)
	PutPortalList(ctx context.Context, list PortalList) error
	GetPortal(ctx context.Context, list PortalListID, id PortalID) (Portal, error)
	// ListPortals returns the live entries ordered by Position.
	ListPortals(ctx context.Context, list PortalListID) ([]Portal, error)
	AddPortal(ctx context.Context, p Portal) (Portal, error)
	WritePortal(ctx context.Context, p Portal, expected uint64) (WriteResult[Portal], error)
	DeletePortal(ctx context.Context, list PortalListID, id PortalID, expected uint64) (WriteResult[Portal], error)
	// RenumberPortals rewrites positions as 1, 2, 3... keeping the order.
	RenumberPortals(ctx context.Context, list PortalListID) ([]Portal, error)
}

// WorldStore holds the static parts of the world.
type WorldStore interface {
	GetWorld(ctx context.Context, id WorldID) (World, error)
	PutWorld(ctx context.Context, w World) error
	GetLocation(ctx context.Context, world WorldID, key LocationKey) (Location, error)
	PutLocation(ctx context.Context, loc Location) error
	GetScope(ctx context.Context, id ScopeID) (Scope, error)
	PutScope(ctx context.Context, s Scope) error
	GlobalScope(ctx context.Context) (Scope, error)
	// GetScopeMembers lists the players with persisted presence in a scope.
	GetScopeMembers(ctx context.Context, id ScopeID) ([]PlayerID, error)
}

// PlayerStore holds accounts and their persisted per-player state.
type PlayerStore interface {
	GetPlayer(ctx context.Context, id PlayerID) (Player, error)
	FindPlayer(ctx context.Context, name string) (Player, error)
	PutPlayer(ctx context.Context, p Player) error
	GetPlayState(ctx context.Context, id PlayerID) (PlayState, error)
	PutPlayState(ctx context.Context, st PlayState) error
	GetPrefs(ctx context.Context, id PlayerID) (Prefs, error)
	PutPrefs(ctx context.Context, id PlayerID, prefs Prefs) error
}

// Store is the complete world state store.
type Store interface {
	PropertyStore
	PortalStore
	WorldStore
	PlayerStore
}

// ReadAttempts bounds RetryRead.
const ReadAttempts = 3

// RetryRead runs an idempotent read up to ReadAttempts times. ErrNotFound and
// context errors are returned immediately. Writes must never go through here.
func RetryRead[T any](ctx context.Context, read func(context.Context) (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < ReadAttempts; attempt++ {
		v, err = read(ctx)
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return v, err
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return v, err
}
