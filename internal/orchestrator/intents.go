package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/engine"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/wire"
)

const defaultHistoryLimit = 50

func (o *Orchestrator) handleIntent(req request) {
	in := req.intent
	switch in.Kind {
	case IntentCreate:
		o.create(in, req.reply)
	case IntentJoin:
		o.join(in, req.reply)
	case IntentLink:
		o.link(in, req.reply)
	case IntentPublish:
		o.publishKeyPackage(req.reply)
	case IntentFetchKeyPackages:
		o.fetchKeyPackages(in, req.reply)
	default:
		res, err := o.immediate(in)
		req.reply <- Outcome{Result: res, Err: err}
	}
}

// immediate handles intents that complete within one loop iteration.
func (o *Orchestrator) immediate(in Intent) (Result, error) {
	switch in.Kind {
	case IntentSend:
		return o.sendMessage(in)
	case IntentRetry:
		return o.retry(in)
	case IntentFetch:
		return o.fetch(in)
	case IntentSelect:
		return o.selectGroup(in)
	case IntentStatus:
		info := o.status()
		return Result{Text: statusText(info), Status: &info}, nil
	case IntentListGroups:
		return o.listGroups(), nil
	case IntentHistory:
		return o.historyOf(in)
	case IntentSearch:
		return o.search(in)
	case IntentSettings:
		return o.updateSettings(in)
	case IntentIdentity:
		return Result{Text: fmt.Sprintf("%s  %s", o.id.Name, o.id.Fingerprint())}, nil
	case IntentHelp:
		return Result{Text: HelpText}, nil
	}
	return Result{}, intentErr(in.Kind.String(), "", ErrUnknownCommand,
		fmt.Sprintf("Unknown command: %s. Available commands: %s", in.Kind, commandList))
}

func (o *Orchestrator) create(in Intent, reply chan<- Outcome) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		reply <- Outcome{Err: intentErr("create", "", ErrInvalidArgument, "Usage: create <group_name>")}
		return
	}
	scope := "name:" + name
	if p := o.pending.get(opCreate, scope); p != nil {
		p.waiters = append(p.waiters, reply)
		o.log.Debug("create coalesced", zap.String("name", name), zap.String("request_id", p.id))
		return
	}

	gid := uuid.NewString()
	st, err := o.eng.CreateGroup(gid)
	if err != nil {
		o.log.Warn("engine create failed", zap.String("name", name), zap.Error(err))
		reply <- Outcome{Err: intentErr("create", "", err, fmt.Sprintf("Could not create group %s: engine failure.", name))}
		return
	}
	mode := registry.Local
	if o.connected() {
		mode = registry.Linked
	}
	o.register(registry.NewSession(gid, name, mode, st))

	if mode == registry.Local {
		reply <- Outcome{Result: Result{
			GroupID: gid,
			Text:    fmt.Sprintf("Created local group: %s (ID: %s) - not connected to delivery service", name, gid),
		}}
		return
	}
	o.requestCreate(&pendingReq{
		id:      uuid.NewString(),
		kind:    opCreate,
		scope:   scope,
		groupID: gid,
		name:    name,
		waiters: []chan<- Outcome{reply},
	}, st)
}

// link publishes an existing local group. It is the only way a session
// moves from Local to Linked.
func (o *Orchestrator) link(in Intent, reply chan<- Outcome) {
	snap, err := o.resolveGroup("link", in.GroupID)
	if err != nil {
		reply <- Outcome{Err: err}
		return
	}
	if p := o.pending.forGroup(opCreate, snap.GroupID); p != nil {
		p.waiters = append(p.waiters, reply)
		return
	}
	if snap.Mode == registry.Linked {
		reply <- Outcome{Result: Result{GroupID: snap.GroupID, Text: fmt.Sprintf("Group %s is already linked.", snap.DisplayName)}}
		return
	}
	if !o.connected() {
		reply <- Outcome{Err: intentErr("link", snap.GroupID, ErrNotConnected, "Cannot link group: not connected to delivery service.")}
		return
	}
	st, _ := o.reg.EngineState(snap.GroupID)
	o.requestCreate(&pendingReq{
		id:      uuid.NewString(),
		kind:    opCreate,
		scope:   "group:" + snap.GroupID,
		groupID: snap.GroupID,
		name:    snap.DisplayName,
		waiters: []chan<- Outcome{reply},
	}, st)
}

func (o *Orchestrator) requestCreate(p *pendingReq, st engine.State) {
	info, err := o.eng.GroupInfo(st)
	if err != nil {
		o.createFailed(p, "engine could not export group info")
		return
	}
	if err := o.send(&wire.CreateGroup{GroupID: p.groupID, GroupInfo: info}); err != nil {
		o.createFailed(p, "not connected")
		return
	}
	o.addPending(p)
}

// createFailed keeps the group as a local session and reports a warning.
func (o *Orchestrator) createFailed(p *pendingReq, reason string) {
	o.pending.remove(p)
	o.metrics.Resolved(string(p.kind), "error")
	o.metrics.SetPending(o.pending.len())

	if snap, ok := o.reg.Get(p.groupID); ok && snap.Mode != registry.Local {
		_ = o.reg.SetMode(p.groupID, registry.Local)
		snap.Mode = registry.Local
		o.publishGroup(bus.KindGroupUpdated, snap)
	}
	o.log.Warn("group kept local", zap.String("group_id", p.groupID), zap.String("request_id", p.id), zap.String("reason", reason))
	text := fmt.Sprintf("Group %s (ID: %s) kept local: %s.", p.name, p.groupID, reason)
	o.notify("warn", text)
	p.resolve(Outcome{Result: Result{GroupID: p.groupID, Text: text, Warning: true}})
}

func (o *Orchestrator) join(in Intent, reply chan<- Outcome) {
	gid := strings.TrimSpace(in.GroupID)
	if gid == "" {
		reply <- Outcome{Err: intentErr("join", "", ErrInvalidArgument, "Usage: join <group_id>")}
		return
	}
	if o.reg.Has(gid) {
		reply <- Outcome{Err: intentErr("join", gid, ErrAlreadyJoined, fmt.Sprintf("Already in group: %s", gid))}
		return
	}
	if p := o.pending.get(opJoin, gid); p != nil {
		p.waiters = append(p.waiters, reply)
		return
	}
	if !o.connected() {
		reply <- Outcome{Err: intentErr("join", gid, ErrNotConnected,
			fmt.Sprintf("Cannot join group %s: not connected to delivery service. Use 'status' to check the connection.", gid))}
		return
	}

	kp, err := o.eng.GenerateKeyPackage(o.id.Name)
	if err != nil {
		reply <- Outcome{Err: intentErr("join", gid, err, "Could not generate a key package.")}
		return
	}
	if !o.published {
		o.publishQuietly(kp)
	}
	if err := o.send(&wire.JoinGroup{GroupID: gid, KeyPackage: kp}); err != nil {
		reply <- Outcome{Err: intentErr("join", gid, ErrNotConnected, fmt.Sprintf("Cannot join group %s: connection lost.", gid))}
		return
	}
	o.joinAttempt++
	o.addPending(&pendingReq{
		id:      uuid.NewString(),
		kind:    opJoin,
		scope:   gid,
		groupID: gid,
		attempt: o.joinAttempt,
		waiters: []chan<- Outcome{reply},
	})
	o.log.Info("join requested", zap.String("group_id", gid), zap.Uint64("attempt", o.joinAttempt))
}

func (o *Orchestrator) publishKeyPackage(reply chan<- Outcome) {
	if p := o.pending.get(opPublish, "self"); p != nil {
		p.waiters = append(p.waiters, reply)
		return
	}
	if !o.connected() {
		reply <- Outcome{Err: intentErr("publish", "", ErrNotConnected, "Cannot publish key package: not connected to delivery service.")}
		return
	}
	kp, err := o.eng.GenerateKeyPackage(o.id.Name)
	if err != nil {
		reply <- Outcome{Err: intentErr("publish", "", err, "Could not generate a key package.")}
		return
	}
	if err := o.send(&wire.PublishKeyPackage{KeyPackage: kp}); err != nil {
		reply <- Outcome{Err: intentErr("publish", "", ErrNotConnected, "Cannot publish key package: connection lost.")}
		return
	}
	o.addPending(&pendingReq{id: uuid.NewString(), kind: opPublish, scope: "self", waiters: []chan<- Outcome{reply}})
}

// publishQuietly publishes kp ahead of a join. Failure is only logged;
// the next join tries again.
func (o *Orchestrator) publishQuietly(kp []byte) {
	if o.pending.get(opPublish, "self") != nil {
		return
	}
	if err := o.send(&wire.PublishKeyPackage{KeyPackage: kp}); err != nil {
		o.log.Warn("key package publish failed", zap.Error(err))
		return
	}
	o.addPending(&pendingReq{id: uuid.NewString(), kind: opPublish, scope: "self"})
}

func (o *Orchestrator) fetchKeyPackages(in Intent, reply chan<- Outcome) {
	ident := strings.TrimSpace(in.Identity)
	if ident == "" {
		reply <- Outcome{Err: intentErr("keys", "", ErrInvalidArgument, "Usage: keys <identity>")}
		return
	}
	scope := "identity:" + ident
	if envs, expired := o.pushes.take(scope, o.now()); len(envs) > 0 || expired > 0 {
		o.discarded(scope, expired)
		if len(envs) > 0 {
			var kps [][]byte
			for _, env := range envs {
				kps = append(kps, env.(*wire.KeyPackagesFetched).KeyPackages...)
			}
			reply <- Outcome{Result: keysResult(ident, kps)}
			return
		}
	}
	if p := o.pending.get(opFetchKeys, scope); p != nil {
		p.waiters = append(p.waiters, reply)
		return
	}
	if !o.connected() {
		reply <- Outcome{Err: intentErr("keys", "", ErrNotConnected, "Cannot fetch key packages: not connected to delivery service.")}
		return
	}
	if err := o.send(&wire.FetchKeyPackages{Identity: ident}); err != nil {
		reply <- Outcome{Err: intentErr("keys", "", ErrNotConnected, "Cannot fetch key packages: connection lost.")}
		return
	}
	o.addPending(&pendingReq{id: uuid.NewString(), kind: opFetchKeys, scope: scope, identity: ident, waiters: []chan<- Outcome{reply}})
}

func keysResult(ident string, kps [][]byte) Result {
	return Result{Text: fmt.Sprintf("%d key package(s) for %s", len(kps), ident), KeyPackages: kps}
}

func (o *Orchestrator) sendMessage(in Intent) (Result, error) {
	snap, err := o.resolveGroup("send", in.GroupID)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Result{}, intentErr("send", snap.GroupID, ErrInvalidArgument, "Usage: send <message>")
	}
	st, _ := o.reg.EngineState(snap.GroupID)
	ct, err := o.eng.Encrypt(st, []byte(text))
	if err != nil {
		o.log.Warn("encrypt failed", zap.String("group_id", snap.GroupID), zap.Error(err))
		return Result{}, intentErr("send", snap.GroupID, err, fmt.Sprintf("Could not encrypt message for %s.", snap.DisplayName))
	}

	m := registry.Message{
		ID:        digest(ct),
		GroupID:   snap.GroupID,
		Sender:    o.id.Name,
		Body:      text,
		Timestamp: o.now(),
		FromMe:    true,
		Delivered: true,
	}
	if snap.Mode == registry.Local {
		o.appendMessage(m)
		return Result{GroupID: snap.GroupID, Text: fmt.Sprintf("Message saved in local group %s", snap.DisplayName)}, nil
	}

	sendErr := o.sendUnacked(&wire.SendMessage{GroupID: snap.GroupID, Message: ct},
		unacked{groupID: snap.GroupID, msgID: m.ID, payload: ct})
	if sendErr == nil {
		o.appendMessage(m)
		return Result{GroupID: snap.GroupID, Text: fmt.Sprintf("Message sent to %s", snap.DisplayName)}, nil
	}

	m.Delivered = false
	o.unsent[m.ID] = ct
	o.appendMessage(m)
	o.bus.Publish(bus.Event{
		Kind:    bus.KindMessageUndelivered,
		GroupID: m.GroupID,
		Payload: registry.Undelivered{Message: m, Reason: "not connected"},
	})
	o.log.Warn("message undelivered", zap.String("group_id", m.GroupID), zap.String("msg_id", m.ID), zap.Error(sendErr))
	return Result{
		GroupID: snap.GroupID,
		Warning: true,
		Text:    "Message not delivered: not connected to delivery service. Use 'retry' to resend.",
	}, nil
}

func (o *Orchestrator) retry(in Intent) (Result, error) {
	snap, err := o.resolveGroup("retry", in.GroupID)
	if err != nil {
		return Result{}, err
	}
	if snap.Mode == registry.Local {
		return Result{GroupID: snap.GroupID, Text: fmt.Sprintf("Group %s is local; nothing to deliver.", snap.DisplayName)}, nil
	}
	undelivered := o.reg.Undelivered(snap.GroupID)
	if len(undelivered) == 0 {
		return Result{GroupID: snap.GroupID, Text: "No undelivered messages."}, nil
	}
	if !o.connected() {
		return Result{}, intentErr("retry", snap.GroupID, ErrNotConnected, "Cannot retry: not connected to delivery service.")
	}

	sent := 0
	for _, m := range undelivered {
		ct, ok := o.unsent[m.ID]
		if !ok {
			continue
		}
		if err := o.sendUnacked(&wire.SendMessage{GroupID: snap.GroupID, Message: ct},
			unacked{groupID: snap.GroupID, msgID: m.ID, payload: ct}); err != nil {
			break
		}
		delete(o.unsent, m.ID)
		_ = o.reg.MarkDelivered(snap.GroupID, m.ID, true)
		m.Delivered = true
		o.bus.Publish(bus.Event{Kind: bus.KindMessageDelivered, GroupID: m.GroupID, Payload: m})
		sent++
	}
	res := Result{GroupID: snap.GroupID, Text: fmt.Sprintf("Delivered %d of %d undelivered message(s).", sent, len(undelivered))}
	res.Warning = sent < len(undelivered)
	return res, nil
}

func (o *Orchestrator) fetch(in Intent) (Result, error) {
	var targets []registry.Snapshot
	if in.GroupID != "" {
		snap, err := o.resolveGroup("fetch", in.GroupID)
		if err != nil {
			return Result{}, err
		}
		if snap.Mode == registry.Local {
			return Result{}, intentErr("fetch", snap.GroupID, ErrInvalidArgument, fmt.Sprintf("Group %s is local; nothing to fetch.", snap.DisplayName))
		}
		targets = append(targets, snap)
	} else {
		for _, s := range o.reg.ListOrdered() {
			if s.Mode == registry.Linked {
				targets = append(targets, s)
			}
		}
	}
	if !o.connected() {
		return Result{}, intentErr("fetch", in.GroupID, ErrNotConnected, "Cannot fetch: not connected to delivery service.")
	}
	for _, s := range targets {
		if err := o.sendUnacked(&wire.FetchMessages{GroupID: s.GroupID}, unacked{groupID: s.GroupID}); err != nil {
			return Result{}, intentErr("fetch", s.GroupID, ErrNotConnected, "Cannot fetch: connection lost.")
		}
	}
	return Result{Text: fmt.Sprintf("Fetching messages for %d group(s).", len(targets))}, nil
}

func (o *Orchestrator) selectGroup(in Intent) (Result, error) {
	snap, err := o.resolveGroup("select", in.GroupID)
	if err != nil {
		return Result{}, err
	}
	o.active = snap.GroupID
	snap.History = nil
	o.bus.Publish(bus.Event{Kind: bus.KindGroupSelected, GroupID: snap.GroupID, Payload: snap})
	return Result{GroupID: snap.GroupID, Text: fmt.Sprintf("Active group: %s", snap.DisplayName)}, nil
}

func (o *Orchestrator) status() StatusInfo {
	local, linked := o.reg.Count()
	return StatusInfo{
		State:       o.ch.State(),
		Since:       o.ch.Since(),
		Address:     o.ch.Addr(),
		Username:    o.id.Name,
		Fingerprint: o.id.Fingerprint(),
		ActiveGroup: o.active,
		Groups:      o.reg.Len(),
		Linked:      linked,
		Local:       local,
		Pending:     o.pending.len(),
	}
}

func statusText(s StatusInfo) string {
	switch s.State {
	case status.Connected:
		return fmt.Sprintf("Connected to delivery service at %s. %d groups available.", s.Address, s.Groups)
	case status.Connecting:
		return fmt.Sprintf("Connecting to delivery service at %s. %d groups available.", s.Address, s.Groups)
	}
	return fmt.Sprintf("Disconnected from delivery service at %s. Groups will be local only.", s.Address)
}

func (o *Orchestrator) listGroups() Result {
	groups := o.reg.ListOrdered()
	for i := range groups {
		groups[i].History = nil
	}
	if len(groups) == 0 {
		return Result{Text: "No groups available. Use 'create <group_name>' to create a group."}
	}
	var b strings.Builder
	b.WriteString("Available groups:")
	for _, g := range groups {
		fmt.Fprintf(&b, "\n• %s (ID: %s) - %d members, %s", g.DisplayName, g.GroupID, len(g.Members), g.Mode)
	}
	return Result{Text: b.String(), Groups: groups}
}

// historyOf answers from the live session and fills in from the journal
// only what the session does not hold: messages from earlier daemon runs.
// The journal is written behind the bus, so it may lag the session.
func (o *Orchestrator) historyOf(in Intent) (Result, error) {
	gid := in.GroupID
	if gid == "" {
		gid = o.active
	}
	if gid == "" {
		return Result{}, intentErr("history", "", ErrNoActiveGroup, "No active group selected")
	}
	if snap, ok := o.reg.FindByName(gid); ok && !o.reg.Has(gid) {
		gid = snap.GroupID
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	snap, live := o.reg.Get(gid)
	if !live && o.history == nil {
		return Result{}, intentErr("history", gid, ErrNotFound, fmt.Sprintf("Unknown group: %s", gid))
	}
	held := make(map[string]bool, len(snap.History))
	for _, m := range snap.History {
		held[m.ID] = true
	}

	var msgs []registry.Message
	if o.history != nil {
		rows, err := o.history.ListMessages(gid, 0, limit)
		if err != nil {
			o.log.Error("history read failed", zap.String("group_id", gid), zap.Error(err))
			return Result{}, intentErr("history", gid, err, "Could not read history.")
		}
		for _, r := range slices.Backward(rows) {
			if !held[r.MsgID] {
				msgs = append(msgs, fromStore(r))
			}
		}
	}
	msgs = append(msgs, snap.History...)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return Result{GroupID: gid, Messages: msgs, Text: fmt.Sprintf("%d message(s)", len(msgs))}, nil
}

// search matches live sessions first, then the journal. Hits are newest
// first.
func (o *Orchestrator) search(in Intent) (Result, error) {
	query := strings.TrimSpace(in.Text)
	if query == "" {
		return Result{}, intentErr("search", "", ErrInvalidArgument, "Usage: search <text>")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var msgs []registry.Message
	seen := make(map[string]bool)
	q := strings.ToLower(query)
	for _, s := range o.reg.ListOrdered() {
		if in.GroupID != "" && s.GroupID != in.GroupID {
			continue
		}
		for _, m := range slices.Backward(s.History) {
			if strings.Contains(strings.ToLower(m.Body), q) {
				msgs = append(msgs, m)
				seen[m.GroupID+"/"+m.ID] = true
			}
		}
	}
	if o.history != nil {
		rows, err := o.history.SearchMessages(query, in.GroupID, limit)
		if err != nil {
			o.log.Error("search failed", zap.Error(err))
			return Result{}, intentErr("search", in.GroupID, err, "Could not search history.")
		}
		for _, r := range rows {
			if !seen[r.GroupID+"/"+r.MsgID] {
				msgs = append(msgs, fromStore(r))
			}
		}
	}
	slices.SortStableFunc(msgs, func(a, b registry.Message) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return Result{Messages: msgs, Text: fmt.Sprintf("%d match(es) for %q", len(msgs), query)}, nil
}

func (o *Orchestrator) updateSettings(in Intent) (Result, error) {
	if in.Key == "" {
		return Result{Text: fmt.Sprintf("username: %s\naddress: %s", o.settings.Username, o.settings.DeliveryServiceAddress)}, nil
	}
	value := strings.TrimSpace(in.Value)
	if value == "" || strings.ContainsAny(value, " \t") {
		return Result{}, intentErr("settings", "", ErrInvalidArgument, "Settings values must be a single word.")
	}

	next := o.settings
	switch in.Key {
	case "username":
		next.Username = value
	case "address":
		next.DeliveryServiceAddress = value
	default:
		return Result{}, intentErr("settings", "", ErrInvalidArgument, "Usage: settings set <username|address> <value>")
	}
	if o.save != nil {
		if err := o.save(next); err != nil {
			o.log.Error("save settings failed", zap.Error(err))
			return Result{}, intentErr("settings", "", err, "Could not save settings.")
		}
	}
	prev := o.settings
	o.settings = next

	switch {
	case in.Key == "address" && prev.DeliveryServiceAddress != value:
		o.published = false
		o.ch.Redial(value)
		return Result{Text: fmt.Sprintf("Settings saved. Reconnecting to delivery service at %s", value)}, nil
	case in.Key == "username" && prev.Username != value:
		return Result{Text: fmt.Sprintf("Settings saved. Username %s applies after restart.", value)}, nil
	}
	return Result{Text: "Settings saved"}, nil
}

// resolveGroup finds a session by id or display name, defaulting to the
// active group.
func (o *Orchestrator) resolveGroup(op, ref string) (registry.Snapshot, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		if o.active == "" {
			return registry.Snapshot{}, intentErr(op, "", ErrNoActiveGroup, "No active group selected")
		}
		ref = o.active
	}
	if snap, ok := o.reg.Get(ref); ok {
		return snap, nil
	}
	if snap, ok := o.reg.FindByName(ref); ok {
		return snap, nil
	}
	return registry.Snapshot{}, intentErr(op, ref, ErrNotFound, fmt.Sprintf("Unknown group: %s", ref))
}

// register adds a new session, makes it active and replays pushes that
// arrived for it early.
func (o *Orchestrator) register(s *registry.GroupSession) {
	if err := o.reg.Create(s); err != nil {
		o.log.Warn("session already registered", zap.String("group_id", s.GroupID), zap.Error(ErrDuplicateApplication))
		o.metrics.DuplicateIgnored()
		return
	}
	o.active = s.GroupID
	snap, _ := o.reg.Get(s.GroupID)
	o.publishGroup(bus.KindGroupRegistered, snap)
	o.log.Info("session registered", zap.String("group_id", s.GroupID), zap.String("name", s.DisplayName), zap.Stringer("mode", s.Mode))

	key := "group:" + s.GroupID
	envs, expired := o.pushes.take(key, o.now())
	o.discarded(key, expired)
	for _, env := range envs {
		o.receive(env.(*wire.MessageReceived))
	}
}

func (o *Orchestrator) appendMessage(m registry.Message) bool {
	added, err := o.reg.AppendMessage(m.GroupID, m)
	if err != nil || !added {
		return false
	}
	o.metrics.MessageAppended()
	o.bus.Publish(bus.Event{Kind: bus.KindMessageAppended, GroupID: m.GroupID, Payload: m})
	return true
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
