package ui

import "github.com/rivo/tview"

// Pages is a stack of components on top of tview.Pages.
type Pages struct {
	*tview.Pages
	components map[string]Component
	stack      []string
	onChange   func(stack []Component)
}

// NewPages creates an empty page stack.
func NewPages() *Pages {
	return &Pages{
		Pages:      tview.NewPages(),
		components: make(map[string]Component),
	}
}

// Add registers c under id, hidden.
func (p *Pages) Add(id string, c Component) {
	p.components[id] = c
	p.AddPage(id, c, true, false)
}

// Component returns the component registered under id.
func (p *Pages) Component(id string) Component {
	return p.components[id]
}

// SetOnChange sets a callback that fires when the stack changes.
func (p *Pages) SetOnChange(fn func(stack []Component)) {
	p.onChange = fn
}

// Push shows id on top of the stack. A page already on the stack is not
// duplicated: everything above it is popped instead.
func (p *Pages) Push(id string) {
	for i, s := range p.stack {
		if s == id {
			p.truncate(i + 1)
			return
		}
	}
	if top := p.Current(); top != "" {
		p.HidePage(top)
	}
	p.stack = append(p.stack, id)
	p.show(id)
}

// Pop removes the top page and shows the previous one. The last page is
// never popped. Returns the popped id, or empty.
func (p *Pages) Pop() string {
	if len(p.stack) <= 1 {
		return ""
	}
	top := p.Current()
	p.truncate(len(p.stack) - 1)
	return top
}

// Reset clears the stack down to id alone.
func (p *Pages) Reset(id string) {
	for _, s := range p.stack {
		p.HidePage(s)
	}
	p.stack = []string{id}
	p.show(id)
}

// Current returns the id of the top page.
func (p *Pages) Current() string {
	if len(p.stack) == 0 {
		return ""
	}
	return p.stack[len(p.stack)-1]
}

// Stack returns a copy of the page ids, bottom first.
func (p *Pages) Stack() []string {
	return append([]string(nil), p.stack...)
}

// Depth returns the current stack depth.
func (p *Pages) Depth() int {
	return len(p.stack)
}

func (p *Pages) truncate(n int) {
	for _, s := range p.stack[n:] {
		p.HidePage(s)
	}
	p.stack = p.stack[:n]
	p.show(p.Current())
}

func (p *Pages) show(id string) {
	p.ShowPage(id)
	p.SendToFront(id)
	if p.onChange == nil {
		return
	}
	cs := make([]Component, 0, len(p.stack))
	for _, s := range p.stack {
		if c, ok := p.components[s]; ok {
			cs = append(cs, c)
		}
	}
	p.onChange(cs)
}
