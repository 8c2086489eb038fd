package dispatch

import (
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
)

// Schema describes every inbound command frame as one JSON Schema, with a
// oneOf branch per command.
func (d *Dispatcher) Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}

	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	branches := make([]*jsonschema.Schema, 0, len(names))
	for _, name := range names {
		s := reflector.ReflectFromType(reflect.TypeOf(d.commands[name].Payload))
		s.Version = ""
		s.Title = name
		branches = append(branches, s)
	}
	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Tworld client commands",
		Description: "Frames a client may send over the websocket. Each is a JSON object whose cmd field selects the command.",
		OneOf:       branches,
	}
}
