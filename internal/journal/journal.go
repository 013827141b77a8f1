// Package journal persists what the orchestrator publishes on the bus into
// the SQLite store, so history survives daemon restarts.
package journal

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/store"
)

// Writer subscribes to group and message events and writes them through.
type Writer struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWriter(db *store.DB, b *bus.Bus, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{db: db, bus: b, logger: logger.Named("journal")}
}

// Start subscribes to the bus. Events published before Start are not
// journaled.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	groups, unsubGroups := w.bus.Subscribe("group.", 256)
	msgs, unsubMsgs := w.bus.Subscribe("message.", 1024)

	go func() {
		defer close(w.done)
		defer unsubGroups()
		defer unsubMsgs()
		for {
			// registrations first so messages always find their group row
			select {
			case evt := <-groups:
				w.handle(evt)
				continue
			default:
			}
			select {
			case evt := <-groups:
				w.handle(evt)
			case evt := <-msgs:
				w.handle(evt)
			case <-ctx.Done():
				w.drain(groups, msgs)
				return
			}
		}
	}()
}

// drain writes what is already buffered so a clean shutdown loses nothing
// the orchestrator published.
func (w *Writer) drain(groups, msgs <-chan bus.Event) {
	n := 0
	for _, ch := range []<-chan bus.Event{groups, msgs} {
		for done := false; !done; {
			select {
			case evt := <-ch:
				w.handle(evt)
				n++
			default:
				done = true
			}
		}
	}
	if n > 0 {
		w.logger.Debug("drained journal backlog", zap.Int("events", n))
	}
}

// Stop ends the subscription and waits for the writer to flush and return.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Writer) handle(evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindGroupRegistered, bus.KindGroupUpdated:
		snap, ok := evt.Payload.(registry.Snapshot)
		if !ok {
			return
		}
		err = w.IngestGroup(snap)
	case bus.KindMessageAppended:
		m, ok := evt.Payload.(registry.Message)
		if !ok {
			return
		}
		err = w.IngestMessage(m, false)
	case bus.KindMessageDelivered:
		m, ok := evt.Payload.(registry.Message)
		if !ok {
			return
		}
		err = w.IngestMessage(m, true)
	case bus.KindMessageUndelivered:
		u, ok := evt.Payload.(registry.Undelivered)
		if !ok {
			return
		}
		err = w.IngestUndelivered(u)
	default:
		return
	}
	if err != nil {
		w.logger.Error("failed to journal event", zap.String("kind", evt.Kind), zap.String("group_id", evt.GroupID), zap.Error(err))
	}
}

// IngestGroup records a session registration or mode change.
func (w *Writer) IngestGroup(s registry.Snapshot) error {
	if err := w.db.UpsertGroup(&store.Group{
		GroupID:   s.GroupID,
		Name:      s.DisplayName,
		Mode:      s.Mode.String(),
		CreatedAt: s.CreatedAt.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// IngestMessage records a history entry. delivered marks a retried
// message as accepted and closes its outbox entry.
func (w *Writer) IngestMessage(m registry.Message, delivered bool) error {
	if err := w.db.EnsureGroup(m.GroupID); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	if err := w.db.UpsertMessage(toStore(m)); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if delivered {
		if err := w.db.MarkOutboxDelivered(m.ID); err != nil {
			return fmt.Errorf("close outbox entry: %w", err)
		}
	}
	return nil
}

// IngestUndelivered records a message the delivery service did not accept.
func (w *Writer) IngestUndelivered(u registry.Undelivered) error {
	m := u.Message
	m.Delivered = false
	if err := w.IngestMessage(m, false); err != nil {
		return err
	}
	if err := w.db.RecordUndelivered(m.ID, m.GroupID, m.Body, u.Reason); err != nil {
		return fmt.Errorf("record outbox: %w", err)
	}
	return nil
}

func toStore(m registry.Message) *store.Message {
	return &store.Message{
		GroupID:   m.GroupID,
		MsgID:     m.ID,
		Sender:    m.Sender,
		Body:      m.Body,
		FromMe:    m.FromMe,
		Delivered: m.Delivered,
		Timestamp: m.Timestamp.UnixMilli(),
	}
}
