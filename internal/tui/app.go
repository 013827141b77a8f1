package tui

import (
	"context"
	"strconv"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/keys"
	"github.com/matheus3301/mlschat/internal/tui/model"
	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/matheus3301/mlschat/internal/tui/views"
)

const (
	pageGroups   = "groups"
	pageThread   = "thread"
	pageDetails  = "details"
	pageSearch   = "search"
	pageHelp     = "help"
	pageIdentity = "identity"
)

const callTimeout = 10 * time.Second

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	theme    *ui.Theme
	root     *tview.Flex
	pages    *ui.Pages
	vm       *model.ViewModel
	registry *keys.Registry
	profile  string

	identity     *ui.IdentityInfo
	menu         *ui.Menu
	logo         *ui.Logo
	crumbs       *ui.Crumbs
	flashBar     *ui.FlashBar
	prompt       *ui.Prompt
	promptOn     bool
	groupList    *views.GroupList
	thread       *views.MessageThread
	details      *views.GroupInfo
	detailsGroup string
	searchV      *views.SearchView
	help         *views.HelpView
	idView       *views.IdentityView

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI for the daemon behind b.
func NewApp(b model.Backend, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		theme:     theme,
		pages:     ui.NewPages(),
		vm:        model.NewViewModel(b),
		registry:  keys.NewRegistry(),
		profile:   profileName,
		identity:  ui.NewIdentityInfo(theme),
		menu:      ui.NewMenu(theme),
		logo:      ui.NewLogo(theme),
		crumbs:    ui.NewCrumbs(theme),
		flashBar:  ui.NewFlashBar(theme),
		prompt:    ui.NewPrompt(theme),
		groupList: views.NewGroupList(theme),
		thread:    views.NewMessageThread(theme),
		details:   views.NewGroupInfo(theme),
		searchV:   views.NewSearchView(theme),
		help:      views.NewHelpView(theme),
		idView:    views.NewIdentityView(theme),
		ctx:       ctx,
		cancel:    cancel,
	}
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	key := func(r rune, h func()) *keys.Action {
		return &keys.Action{Key: tcell.KeyRune, Rune: r, Handler: h}
	}

	a.registry.AddGlobal("quit", key('q', a.back))
	a.registry.AddGlobal("help", key('?', func() { a.push(pageHelp) }))
	a.registry.AddGlobal("command", key(':', func() { a.showPrompt(ui.PromptCommand) }))
	a.registry.AddGlobal("search", key('s', a.showSearch))
	a.registry.AddGlobal("identity", key('y', a.showIdentity))

	a.registry.AddView(pageGroups, "open", &keys.Action{Key: tcell.KeyEnter, Handler: func() {
		a.openGroup(a.groupList.SelectedGroup())
	}})
	a.registry.AddView(pageGroups, "filter", key('/', func() { a.showPrompt(ui.PromptFilter) }))
	a.registry.AddView(pageGroups, "details", key('d', func() { a.showDetails(a.groupList.SelectedGroup()) }))
	a.registry.AddView(pageGroups, "quit", key('q', a.Stop))
	for n := 1; n <= 9; n++ {
		n := n
		a.registry.AddView(pageGroups, "jump"+strconv.Itoa(n), key(rune('0'+n), func() {
			a.openGroup(a.groupList.GroupByIndex(n))
		}))
	}
	a.registry.AddView(pageGroups, "clear", key('0', a.groupList.ClearFilter))

	a.registry.AddView(pageThread, "compose", key('i', func() { a.app.SetFocus(a.thread.Composer()) }))
	a.registry.AddView(pageThread, "retry", key('r', func() { a.execute("retry " + a.thread.GroupID()) }))
	a.registry.AddView(pageThread, "fetch", key('f', func() { a.execute("fetch " + a.thread.GroupID()) }))
	a.registry.AddView(pageThread, "details", key('d', func() { a.showDetails(a.thread.GroupID()) }))

	a.registry.AddView(pageDetails, "link", key('l', func() { a.execute("link " + a.detailsGroup) }))

	a.registry.AddView(pageSearch, "results", &keys.Action{Key: tcell.KeyTab, Handler: func() {
		a.app.SetFocus(a.searchV.Results())
	}})
	a.registry.AddView(pageSearch, "open", &keys.Action{Key: tcell.KeyEnter, Handler: func() {
		a.openGroup(a.searchV.SelectedResult())
	}})
}

func (a *App) setupCallbacks() {
	a.pages.SetOnChange(func(stack []ui.Component) {
		a.crumbs.Update(stack)
		if len(stack) > 0 {
			a.menu.Update(stack[len(stack)-1].Hints())
		}
	})

	a.thread.SetOnSend(func(text string) {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			_ = a.vm.SendText(ctx, text)
			a.app.QueueUpdateDraw(a.redraw)
		}()
	})

	a.searchV.SetOnQuery(a.runSearch)

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		if mode == ui.PromptFilter {
			a.groupList.SetFilter(text)
			return
		}
		a.runCommand(ParseCommand(text))
	})
	a.prompt.SetOnCancel(a.hidePrompt)
}

func (a *App) setupLayout() {
	a.pages.Add(pageGroups, a.groupList)
	a.pages.Add(pageThread, a.thread)
	a.pages.Add(pageDetails, a.details)
	a.pages.Add(pageSearch, a.searchV)
	a.pages.Add(pageHelp, a.help)
	a.pages.Add(pageIdentity, a.idView)

	header := tview.NewFlex().
		AddItem(a.identity, 0, 2, false).
		AddItem(a.menu, 0, 3, false).
		AddItem(a.logo, 14, 0, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 7, 0, false).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false)
	a.root.SetBackgroundColor(a.theme.BgColor)

	a.app.SetRoot(a.root, true)
	a.pages.Reset(pageGroups)
	a.app.SetFocus(a.groupList)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if a.promptOn {
			return event
		}
		current := a.pages.Current()
		if event.Key() == tcell.KeyEscape {
			if a.app.GetFocus() == a.thread.Composer() {
				a.app.SetFocus(a.thread.Messages())
				return nil
			}
			a.back()
			return nil
		}
		// Text inputs keep their keys, except Tab in search.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			if current == pageSearch && event.Key() == tcell.KeyTab {
				a.app.SetFocus(a.searchV.Results())
				return nil
			}
			return event
		}
		if a.registry.HandleEvent(current, event) {
			return nil
		}
		return event
	})
}

func (a *App) push(page string) {
	a.pages.Push(page)
	a.focusPage(page)
}

func (a *App) back() {
	if a.pages.Depth() <= 1 {
		return
	}
	a.pages.Pop()
	a.focusPage(a.pages.Current())
}

func (a *App) focusPage(page string) {
	switch page {
	case pageGroups:
		a.app.SetFocus(a.groupList)
	case pageThread:
		a.app.SetFocus(a.thread.Messages())
	case pageSearch:
		a.app.SetFocus(a.searchV.Input())
	default:
		a.app.SetFocus(a.pages.Component(page))
	}
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.promptOn = true
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.promptOn = false
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusPage(a.pages.Current())
}

func (a *App) showSearch() {
	a.push(pageSearch)
}

func (a *App) showIdentity() {
	s := a.vm.GetStatus()
	if s == nil {
		a.idView.Show("", "")
	} else {
		a.idView.Show(s.Username, s.Fingerprint)
	}
	a.push(pageIdentity)
}

func (a *App) showDetails(groupID string) {
	if groupID == "" {
		return
	}
	a.detailsGroup = groupID
	a.details.Update(a.vm.Group(groupID))
	a.push(pageDetails)
}

func (a *App) runCommand(cmd Command) {
	if !cmd.Local {
		a.execute(cmd.Line)
		return
	}
	switch cmd.Name {
	case "quit":
		a.Stop()
	case "help":
		a.push(pageHelp)
	case "identity":
		a.showIdentity()
	case "groups":
		a.pages.Reset(pageGroups)
		a.focusPage(pageGroups)
	case "search":
		a.showSearch()
		if cmd.Args != "" {
			a.searchV.Input().SetText(cmd.Args)
			a.runSearch(cmd.Args)
		}
	case "open":
		for _, g := range a.vm.GetGroups() {
			if g.GroupID == cmd.Args || g.Name == cmd.Args {
				a.openGroup(g.GroupID)
				return
			}
		}
		a.vm.Flash.Warn("No group named " + cmd.Args)
	}
}

// execute forwards a command line to the daemon.
func (a *App) execute(line string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if _, err := a.vm.Execute(ctx, line); err == nil {
			_ = a.vm.LoadGroups(ctx)
			_ = a.vm.LoadStatus(ctx)
		}
		a.app.QueueUpdateDraw(a.redraw)
	}()
}

func (a *App) runSearch(query string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		results, err := a.vm.SearchMessages(ctx, query)
		if err != nil {
			a.vm.Flash.Error("Search failed: " + err.Error())
			return
		}
		names := make(map[string]string)
		for _, g := range a.vm.GetGroups() {
			names[g.GroupID] = g.Name
		}
		a.app.QueueUpdateDraw(func() {
			a.searchV.Update(results, names)
			a.app.SetFocus(a.searchV.Results())
		})
	}()
}

func (a *App) openGroup(groupID string) {
	if groupID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := a.vm.OpenGroup(ctx, groupID); err != nil {
			a.vm.Flash.Error("Open failed: " + err.Error())
			return
		}
		name := groupID
		if g := a.vm.Group(groupID); g != nil && g.Name != "" {
			name = g.Name
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.SetGroup(groupID, name)
			a.thread.Update(a.vm.GetMessages())
			a.pages.Reset(pageGroups)
			a.push(pageThread)
		})
	}()
}

// redraw refreshes every view from the view model. It must run on the UI
// goroutine.
func (a *App) redraw() {
	s := a.vm.GetStatus()
	active := ""
	if s != nil {
		active = s.ActiveGroup
		a.identity.Update(&ui.IdentityData{
			Profile:     a.profile,
			Username:    s.Username,
			Fingerprint: s.Fingerprint,
			State:       s.State,
			Address:     s.Address,
			Groups:      s.Groups,
			Linked:      s.Linked,
			Since:       time.UnixMilli(s.SinceUnixMs),
		})
	}
	a.groupList.Update(a.vm.GetGroups(), active)
	if a.thread.GroupID() != "" && a.thread.GroupID() == a.vm.ActiveGroup() {
		a.thread.Update(a.vm.GetMessages())
	}
	a.flashBar.Update(a.vm.Flash.GetMessage())
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	go a.load()
	go a.watch()
	go a.tick()
	defer a.cancel()
	return a.app.Run()
}

func (a *App) load() {
	ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
	defer cancel()
	if err := a.vm.LoadStatus(ctx); err != nil {
		a.vm.Flash.Error("Daemon unavailable: " + err.Error())
	}
	if err := a.vm.LoadGroups(ctx); err != nil {
		a.vm.Flash.Error("Load groups failed: " + err.Error())
	}
	a.app.QueueUpdateDraw(a.redraw)
}

// watch follows the daemon event stream, resubscribing after failures.
func (a *App) watch() {
	for a.ctx.Err() == nil {
		err := a.vm.Watch(a.ctx, func() { a.app.QueueUpdateDraw(a.redraw) })
		if a.ctx.Err() != nil {
			return
		}
		if err != nil {
			a.vm.Flash.Warn("Event stream lost: " + err.Error())
		}
		select {
		case <-time.After(time.Second):
		case <-a.ctx.Done():
			return
		}
		a.load()
	}
}

// tick expires flash messages and keeps the header clock-based fields fresh.
func (a *App) tick() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.app.QueueUpdateDraw(func() { a.flashBar.Update(a.vm.Flash.GetMessage()) })
		case <-a.vm.Flash.Watch():
			a.app.QueueUpdateDraw(func() { a.flashBar.Update(a.vm.Flash.GetMessage()) })
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop shuts the TUI down. The daemon keeps running.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

var _ model.Backend = (*api.Client)(nil)
