// Package dispatch routes inbound client commands to their handlers.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/crystal-mush/tworld/pkg/action"
	"github.com/crystal-mush/tworld/pkg/collab"
	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/fanout"
	"github.com/crystal-mush/tworld/pkg/keylock"
	"github.com/crystal-mush/tworld/pkg/presence"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// MaxMessage is the largest inbound frame accepted.
const MaxMessage = 1000

// ClientError is a problem with what the client sent. It is reported to
// that client only and never ends the session.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string { return e.Msg }

func clientErrorf(format string, args ...any) error {
	return &ClientError{Msg: fmt.Sprintf(format, args...)}
}

// Handler implements one command. raw is the whole inbound object.
type Handler func(ctx context.Context, d *Dispatcher, s *session.Session, raw json.RawMessage) error

// Command is a registered inbound command.
type Command struct {
	Name    string
	Handler Handler
	// Payload is a zero value of the command's typed payload, used to
	// describe the wire format.
	Payload any
}

// payload is implemented by every typed command body.
type payload interface {
	validate() error
}

// typed wraps fn with decoding and validation of its payload.
func typed[T payload](fn func(ctx context.Context, d *Dispatcher, s *session.Session, p T) error) Handler {
	return func(ctx context.Context, d *Dispatcher, s *session.Session, raw json.RawMessage) error {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return clientErrorf("Malformed command: %v", err)
		}
		if err := p.validate(); err != nil {
			return err
		}
		return fn(ctx, d, s, p)
	}
}

// History returns recent feed lines seen at a place.
type History interface {
	Recent(ctx context.Context, place worlddb.Place, n int) ([]string, error)
}

// Texts serves named help texts.
type Texts interface {
	Text(name string) (string, bool)
}

// Hooks observe the dispatcher. All fields are optional.
type Hooks struct {
	// Command runs after every recognized command with its outcome:
	// "ok", "client_error", "error", "panic".
	Command func(cmd, outcome string)
	// Arrived runs when a session is bound into an instance.
	Arrived func(world worlddb.WorldID, scope worlddb.ScopeID)
}

// Options configure a Dispatcher.
type Options struct {
	Store       worlddb.Store
	Registry    *session.Registry
	Resolver    *presence.Resolver
	Notifier    *fanout.Notifier
	Coordinator *collab.Coordinator
	// Engine runs actions. Defaults to action.Basic.
	Engine action.Engine
	// StartWorld is where new players and /panicstart go.
	StartWorld worlddb.WorldID
	History    History
	Texts      Texts
	Hooks      Hooks
	Log        *zap.Logger
}

// Dispatcher is the command dispatcher.
type Dispatcher struct {
	store    worlddb.Store
	reg      *session.Registry
	res      *presence.Resolver
	notifier *fanout.Notifier
	coord    *collab.Coordinator
	engine   action.Engine
	start    worlddb.WorldID
	history  History
	texts    Texts
	hooks    Hooks
	log      *zap.Logger

	commands map[string]*Command
	scopes   keylock.Map
	players  keylock.Map
}

// New creates a dispatcher with every command registered.
func New(opts Options) *Dispatcher {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Engine == nil {
		opts.Engine = action.NewBasic(opts.Store, opts.Coordinator)
	}
	d := &Dispatcher{
		store:    opts.Store,
		reg:      opts.Registry,
		res:      opts.Resolver,
		notifier: opts.Notifier,
		coord:    opts.Coordinator,
		engine:   opts.Engine,
		start:    opts.StartWorld,
		history:  opts.History,
		texts:    opts.Texts,
		hooks:    opts.Hooks,
		log:      opts.Log,
	}
	d.commands = initCommands()
	return d
}

// initCommands registers every inbound command.
func initCommands() map[string]*Command {
	cmds := make(map[string]*Command)
	register := func(name string, h Handler, p any) {
		cmds[name] = &Command{Name: name, Handler: h, Payload: p}
	}

	// Feed
	register("say", typed(cmdSay), SayCmd{})
	register("pose", typed(cmdPose), PoseCmd{})
	register("meta", typed(cmdMeta), MetaCmd{})

	// World
	register("action", typed(cmdAction), ActionCmd{})
	register("selfdesc", typed(cmdSelfDesc), SelfDescCmd{})
	register("uiprefs", typed(cmdUIPrefs), UIPrefsCmd{})
	register("dropfocus", typed(cmdDropFocus), DropFocusCmd{})

	// Portals
	register("plistselect", typed(cmdPlistSelect), PlistSelectCmd{})
	register("portstart", typed(cmdPortStart), PortStartCmd{})
	register("deleteownportal", typed(cmdDeleteOwnPortal), DeleteOwnPortalCmd{})
	register("setpreferredportal", typed(cmdSetPreferredPortal), SetPreferredPortalCmd{})
	register("portalmove", typed(cmdPortalMove), PortalMoveCmd{})

	// Edit tables
	register("propopen", typed(cmdPropOpen), PropOpenCmd{})
	register("propclose", typed(cmdPropClose), PropCloseCmd{})
	register("propsave", typed(cmdPropSave), PropSaveCmd{})
	register("propadd", typed(cmdPropAdd), PropAddCmd{})
	register("propdelete", typed(cmdPropDelete), PropDeleteCmd{})

	return cmds
}

// Commands returns the registered commands by name.
func (d *Dispatcher) Commands() map[string]*Command {
	return d.commands
}

// Dispatch decodes and runs one inbound frame for s. It never panics and
// never returns an error: failures are reported to s.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, raw []byte) {
	var name string
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("command panicked",
				zap.String("session", string(s.ID)),
				zap.String("cmd", name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.Enqueue(events.NewError("Internal error."))
			d.outcome(name, "panic")
		}
	}()

	if len(raw) > MaxMessage {
		s.Enqueue(events.NewError("Message too long."))
		return
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		s.Enqueue(events.NewError("Malformed message."))
		return
	}
	var env struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		s.Enqueue(events.NewError("Malformed message."))
		return
	}
	name = env.Cmd

	cmd, ok := d.commands[name]
	if !ok {
		d.log.Warn("unknown command", zap.String("session", string(s.ID)), zap.String("cmd", name))
		return
	}
	d.report(s, name, cmd.Handler(ctx, d, s, raw))
}

func (d *Dispatcher) outcome(cmd, outcome string) {
	if d.hooks.Command != nil {
		d.hooks.Command(cmd, outcome)
	}
}

// report turns a handler error into what the client sees.
func (d *Dispatcher) report(s *session.Session, cmd string, err error) {
	if err == nil {
		d.outcome(cmd, "ok")
		return
	}

	var ce *ClientError
	var refusal action.Refusal
	switch {
	case errors.As(err, &ce):
		d.outcome(cmd, "client_error")
		s.Enqueue(events.NewError(ce.Msg))
	case errors.As(err, &refusal):
		d.outcome(cmd, "client_error")
		s.Enqueue(events.NewError(refusal.Error()))
	case errors.Is(err, worlddb.ErrInvalidValue):
		d.outcome(cmd, "client_error")
		s.Enqueue(events.NewError(capitalize(err.Error())))
	case errors.Is(err, presence.ErrInvariant):
		d.outcome(cmd, "error")
		d.reg.ForceDetach(s, err)
	default:
		d.outcome(cmd, "error")
		d.log.Warn("command failed",
			zap.String("session", string(s.ID)),
			zap.String("cmd", cmd),
			zap.Error(err))
		s.Enqueue(events.NewError("The world could not do that right now."))
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:] + "."
}

// scopeLock serializes changes to one instance's state.
func (d *Dispatcher) scopeLock(world worlddb.WorldID, scope worlddb.ScopeID) func() {
	return d.scopes.Lock(string(world) + "/" + string(scope))
}

func (d *Dispatcher) player(ctx context.Context, id worlddb.PlayerID) (worlddb.Player, error) {
	p, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Player, error) {
		return d.store.GetPlayer(ctx, id)
	})
	if err != nil {
		return p, fmt.Errorf("dispatch: player %s: %w", id, err)
	}
	return p, nil
}

// bound returns the session's place or a client error when it has none.
func bound(s *session.Session) (worlddb.Place, error) {
	place := s.Binding()
	if place.IsZero() {
		return place, action.ErrBetweenWorlds
	}
	return place, nil
}
