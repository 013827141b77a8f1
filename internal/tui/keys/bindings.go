package keys

import "github.com/gdamore/tcell/v2"

// Action represents a keybinding action.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

type binding struct {
	name   string
	action *Action
}

// Registry holds keybindings organized by scope, in registration order.
type Registry struct {
	global []binding
	views  map[string][]binding
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{
		views: make(map[string][]binding),
	}
}

// AddGlobal registers a global keybinding, replacing one with the same name.
func (r *Registry) AddGlobal(name string, action *Action) {
	r.global = upsert(r.global, name, action)
}

// AddView registers a view-specific keybinding, replacing one with the
// same name.
func (r *Registry) AddView(view, name string, action *Action) {
	r.views[view] = upsert(r.views[view], name, action)
}

func upsert(bs []binding, name string, action *Action) []binding {
	for i := range bs {
		if bs[i].name == name {
			bs[i].action = action
			return bs
		}
	}
	return append(bs, binding{name: name, action: action})
}

// Hints returns visible keybinding descriptions for a view, view bindings
// first.
func (r *Registry) Hints(view string) []string {
	var hints []string
	for _, b := range r.views[view] {
		if b.action.Visible {
			hints = append(hints, b.action.Description)
		}
	}
	for _, b := range r.global {
		if b.action.Visible {
			hints = append(hints, b.action.Description)
		}
	}
	return hints
}

// HandleEvent dispatches a key event to the matching action of view, then
// to the global bindings. Returns true if a handler matched.
func (r *Registry) HandleEvent(view string, ev *tcell.EventKey) bool {
	for _, b := range r.views[view] {
		if b.action.Matches(ev) {
			b.action.Handler()
			return true
		}
	}
	for _, b := range r.global {
		if b.action.Matches(ev) {
			b.action.Handler()
			return true
		}
	}
	return false
}
