package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
)

// sayVerbs picks the verb for a line of speech from its last character.
func sayVerbs(text string) (say, says string) {
	switch {
	case strings.HasSuffix(text, "?"):
		return "ask", "asks"
	case strings.HasSuffix(text, "!"):
		return "exclaim", "exclaims"
	default:
		return "say", "says"
	}
}

// feedText renders action text for the feed, filling in [[name]] with the
// acting player's name.
func (d *Dispatcher) feedText(s *session.Session, src string) string {
	desc, _ := markup.Parse(src)
	name := s.Name()
	return markup.PlainText(markup.Render(desc, func(key string) (string, bool) {
		if key == "name" {
			return name, true
		}
		return "", false
	}))
}

func cmdSay(_ context.Context, d *Dispatcher, s *session.Session, p SayCmd) error {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil
	}
	place, err := bound(s)
	if err != nil {
		return err
	}
	say, says := sayVerbs(text)
	d.notifier.Tell(s, fmt.Sprintf("You %s, “%s”", say, text))
	d.notifier.Broadcast(place, events.Event{
		Type:   events.EvSay,
		Source: s.Player,
		Text:   fmt.Sprintf("%s %s, “%s”", s.Name(), says, text),
	}, s.ID)
	return nil
}

func cmdPose(_ context.Context, d *Dispatcher, s *session.Session, p PoseCmd) error {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil
	}
	place, err := bound(s)
	if err != nil {
		return err
	}
	d.notifier.Broadcast(place, events.Event{
		Type:   events.EvPose,
		Source: s.Player,
		Text:   s.Name() + " " + text,
	})
	return nil
}

// MetaHandler implements one slash command.
type MetaHandler func(ctx context.Context, d *Dispatcher, s *session.Session, args []string) error

type metaCommand struct {
	handler MetaHandler
	admin   bool
}

var metaCommands = map[string]metaCommand{
	"help":       {handler: metaHelp},
	"refresh":    {handler: metaRefresh},
	"panic":      {handler: metaPanic},
	"panicstart": {handler: metaPanicStart},
	"holler":     {handler: metaHoller, admin: true},
	"history":    {handler: metaHistory},
	"who":        {handler: metaWho},
}

func cmdMeta(ctx context.Context, d *Dispatcher, s *session.Session, p MetaCmd) error {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(p.Text), "/"))
	if len(fields) == 0 {
		return clientErrorf("You must supply a command after the slash. Try “/help”.")
	}
	key := strings.ToLower(fields[0])
	mc, ok := metaCommands[key]
	if !ok {
		return clientErrorf("Command “/%s” not understood. Try “/help”.", key)
	}
	if mc.admin {
		pl, err := d.player(ctx, s.Player)
		if err != nil {
			return err
		}
		if !pl.Admin {
			return clientErrorf("Command “/%s” not understood. Try “/help”.", key)
		}
	}
	return mc.handler(ctx, d, s, fields[1:])
}

const builtinHelp = `Quick help:
Type to speak out loud (to nearby players). A message that begins with a colon (":dance") will appear as a pose ("Belford dances").
Other commands:
/refresh: Reload the current location.
/panic: Jump to your selected panic location. /panicstart: Jump back to the start world.
/history [n]: Show what was said here recently. /who: List who is online.`

func metaHelp(_ context.Context, d *Dispatcher, s *session.Session, _ []string) error {
	text := builtinHelp
	if d.texts != nil {
		if t, ok := d.texts.Text("help"); ok {
			text = t
		}
	}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		s.Enqueue(events.NewMessage(line))
	}
	return nil
}

func metaRefresh(ctx context.Context, d *Dispatcher, s *session.Session, _ []string) error {
	if _, err := bound(s); err != nil {
		return err
	}
	s.Enqueue(events.NewMessage("Refreshing display..."))
	d.notifier.FullView(ctx, s)
	for _, id := range s.PortLists() {
		d.notifier.SendPortList(ctx, s, id)
	}
	d.notifier.SendScopes(ctx, s)
	return nil
}

func metaPanic(ctx context.Context, d *Dispatcher, s *session.Session, _ []string) error {
	pl, err := d.player(ctx, s.Player)
	if err != nil {
		return err
	}
	if pl.PortList != "" {
		list, err := d.store.GetPortalList(ctx, pl.PortList)
		if err == nil && list.Preferred != "" {
			if portal, err := d.store.GetPortal(ctx, pl.PortList, list.Preferred); err == nil {
				dest, err := d.portalDest(ctx, s.Player, portal)
				if err != nil {
					return err
				}
				return d.travel(ctx, s, dest, "", "")
			}
		}
	}
	return metaPanicStart(ctx, d, s, nil)
}

func metaPanicStart(ctx context.Context, d *Dispatcher, s *session.Session, _ []string) error {
	dest, err := d.startPlace(ctx, s.Player)
	if err != nil {
		return err
	}
	return d.travel(ctx, s, dest, "", "")
}

func metaHoller(_ context.Context, d *Dispatcher, s *session.Session, args []string) error {
	if len(args) == 0 {
		return clientErrorf("Holler what?")
	}
	d.notifier.Shout(events.Event{Type: events.EvHoller, Source: s.Player, Text: "Admin broadcast: " + strings.Join(args, " ")})
	return nil
}

// DefaultHistory is how many lines /history shows without an argument.
const DefaultHistory = 10

func metaHistory(ctx context.Context, d *Dispatcher, s *session.Session, args []string) error {
	place, err := bound(s)
	if err != nil {
		return err
	}
	if d.history == nil {
		return clientErrorf("No history is kept here.")
	}
	n := DefaultHistory
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 || v > 100 {
			return clientErrorf("Usage: /history [1-100]")
		}
		n = v
	}
	lines, err := d.history.Recent(ctx, place, n)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		s.Enqueue(events.NewMessage("Nothing has been said here lately."))
		return nil
	}
	for _, line := range lines {
		s.Enqueue(events.NewMessage(line))
	}
	return nil
}

func metaWho(_ context.Context, d *Dispatcher, s *session.Session, _ []string) error {
	seen := make(map[worlddb.PlayerID]bool)
	var names []string
	for _, other := range d.reg.Attached() {
		if seen[other.Player] {
			continue
		}
		seen[other.Player] = true
		names = append(names, other.Name())
	}
	sort.Strings(names)
	nodes := make([]markup.Node, len(names))
	for i, n := range names {
		nodes[i] = markup.Text{Text: n}
	}
	s.Enqueue(events.NewMessage(fmt.Sprintf("%d online: %s.", len(names), markup.PlainText(markup.List(nodes)))))
	return nil
}
