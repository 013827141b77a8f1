package model

import (
	"context"
	"sort"
	"sync"

	"google.golang.org/grpc/status"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/ui"
)

// Backend is the slice of the daemon API the TUI needs. *api.Client
// implements it.
type Backend interface {
	Execute(ctx context.Context, line string) (*api.CommandResponse, error)
	ListGroups(ctx context.Context) ([]*api.Group, error)
	ListMessages(ctx context.Context, req *api.MessagesRequest) ([]*api.Message, error)
	GetStatus(ctx context.Context) (*api.StatusResponse, error)
	WatchEvents(ctx context.Context, prefix string, fn func(*api.Event) error) error
}

const historyLimit = 200

// ViewModel caches daemon state for the views and signals UI refreshes.
type ViewModel struct {
	mu sync.RWMutex

	backend       Backend
	Status        *api.StatusResponse
	Groups        []*api.Group
	Messages      []*api.Message
	ActiveGroupID string
	Flash         *ui.FlashModel

	refreshCh chan struct{}
}

// NewViewModel creates a view model backed by the daemon.
func NewViewModel(b Backend) *ViewModel {
	return &ViewModel{
		backend:   b,
		Flash:     ui.NewFlashModel(),
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.backend.GetStatus(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.Status = resp
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// LoadGroups fetches the group list, newest first.
func (vm *ViewModel) LoadGroups(ctx context.Context) error {
	groups, err := vm.backend.ListGroups(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].CreatedAtUnixMs > groups[j].CreatedAtUnixMs
	})
	vm.mu.Lock()
	vm.Groups = groups
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// OpenGroup makes groupID the active group on the daemon and loads its
// history.
func (vm *ViewModel) OpenGroup(ctx context.Context, groupID string) error {
	if _, err := vm.backend.Execute(ctx, "select "+groupID); err != nil {
		return err
	}
	return vm.LoadMessages(ctx, groupID)
}

// LoadMessages fetches the history of groupID, oldest first.
func (vm *ViewModel) LoadMessages(ctx context.Context, groupID string) error {
	msgs, err := vm.backend.ListMessages(ctx, &api.MessagesRequest{GroupID: groupID, Limit: historyLimit})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.ActiveGroupID = groupID
	vm.Messages = msgs
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// SearchMessages searches every group's history.
func (vm *ViewModel) SearchMessages(ctx context.Context, query string) ([]*api.Message, error) {
	return vm.backend.ListMessages(ctx, &api.MessagesRequest{Query: query, Limit: 50})
}

// Execute runs a command line on the daemon and flashes its result.
func (vm *ViewModel) Execute(ctx context.Context, line string) (*api.CommandResponse, error) {
	resp, err := vm.backend.Execute(ctx, line)
	if err != nil {
		vm.Flash.Error(status.Convert(err).Message())
		return nil, err
	}
	if resp.Text != "" {
		if resp.Warning {
			vm.Flash.Warn(resp.Text)
		} else {
			vm.Flash.Info(resp.Text)
		}
	}
	vm.signalRefresh()
	return resp, nil
}

// SendText sends text to the active group. Lines starting with '/' are
// passed through as commands.
func (vm *ViewModel) SendText(ctx context.Context, text string) error {
	line := "send " + text
	if len(text) > 1 && text[0] == '/' {
		line = text[1:]
	}
	_, err := vm.Execute(ctx, line)
	return err
}

// Apply folds a daemon event into the cached state. It reports whether the
// views need to be redrawn.
func (vm *ViewModel) Apply(evt *api.Event) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	switch evt.Kind {
	case "group.registered", "group.updated":
		if evt.Group == nil {
			return false
		}
		for i, g := range vm.Groups {
			if g.GroupID == evt.Group.GroupID {
				vm.Groups[i] = evt.Group
				return true
			}
		}
		vm.Groups = append([]*api.Group{evt.Group}, vm.Groups...)
		return true
	case "group.selected":
		if vm.Status != nil {
			vm.Status.ActiveGroup = evt.GroupID
		}
		return true
	case "message.appended":
		if evt.Message == nil || evt.GroupID != vm.ActiveGroupID {
			return false
		}
		for _, m := range vm.Messages {
			if m.ID == evt.Message.ID {
				return false
			}
		}
		vm.Messages = append(vm.Messages, evt.Message)
		return true
	case "message.delivered", "message.undelivered":
		if evt.Message == nil {
			return false
		}
		for _, m := range vm.Messages {
			if m.ID == evt.Message.ID {
				m.Delivered = evt.Kind == "message.delivered"
				return true
			}
		}
		return false
	case "conn.state_changed":
		if vm.Status != nil {
			vm.Status.State = evt.State
		}
		return true
	case "status.notice":
		vm.Flash.Notify(ui.Level(evt.Level), evt.Text)
		return true
	}
	return false
}

// Watch streams daemon events into the view model until ctx is done,
// calling changed after each event that altered state.
func (vm *ViewModel) Watch(ctx context.Context, changed func()) error {
	return vm.backend.WatchEvents(ctx, "", func(evt *api.Event) error {
		if vm.Apply(evt) {
			vm.signalRefresh()
			if changed != nil {
				changed()
			}
		}
		return nil
	})
}

// GetGroups returns a snapshot of the group list.
func (vm *ViewModel) GetGroups() []*api.Group {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]*api.Group, len(vm.Groups))
	copy(out, vm.Groups)
	return out
}

// Group returns the cached group with the given id, or nil.
func (vm *ViewModel) Group(groupID string) *api.Group {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, g := range vm.Groups {
		if g.GroupID == groupID {
			return g
		}
	}
	return nil
}

// GetMessages returns a snapshot of the active group's messages.
func (vm *ViewModel) GetMessages() []*api.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]*api.Message, len(vm.Messages))
	for i, m := range vm.Messages {
		c := *m
		out[i] = &c
	}
	return out
}

// GetStatus returns a snapshot of the daemon status.
func (vm *ViewModel) GetStatus() *api.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.Status == nil {
		return nil
	}
	s := *vm.Status
	return &s
}

// ActiveGroup returns the group the thread view shows.
func (vm *ViewModel) ActiveGroup() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.ActiveGroupID
}
