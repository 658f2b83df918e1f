package dbworker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// Action is an operator action on a hijack.
type Action int

const (
	ActionResolve Action = iota
	ActionIgnore
	ActionAcknowledge
	ActionAcknowledgeNot
	ActionDelete
)

var actionNames = map[string]Action{
	"hijack_action_resolve":         ActionResolve,
	"hijack_action_ignore":          ActionIgnore,
	"hijack_action_acknowledge":     ActionAcknowledge,
	"hijack_action_acknowledge_not": ActionAcknowledgeNot,
	"hijack_action_delete":          ActionDelete,
}

// ErrUnknownAction is returned for action names outside the enum.
var ErrUnknownAction = errors.New("unknown action")

// ParseAction maps a wire action name to an Action.
func ParseAction(name string) (Action, error) {
	a, ok := actionNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return a, nil
}

func (a Action) String() string {
	for name, v := range actionNames {
		if v == a {
			return name
		}
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// purges reports whether the action removes the hijack from the cache.
func (a Action) purges() bool {
	switch a {
	case ActionResolve, ActionIgnore, ActionDelete:
		return true
	case ActionAcknowledge, ActionAcknowledgeNot:
		return false
	}
	panic(fmt.Sprintf("unhandled action %d", int(a)))
}

// Apply runs a on the hijack ref points at. Resolving or ignoring a
// hijack that is already resolved or ignored changes nothing.
func (w *Worker) Apply(ctx context.Context, a Action, ref models.HijackRef) error {
	if a.purges() {
		if err := w.purge(ctx, ref); err != nil {
			return err
		}
	}
	var err error
	switch a {
	case ActionResolve:
		_, err = w.opts.Store.ResolveHijack(ctx, ref.Key, w.opts.Clock.Now())
	case ActionIgnore:
		_, err = w.opts.Store.IgnoreHijack(ctx, ref.Key)
	case ActionAcknowledge:
		_, err = w.opts.Store.SetSeen(ctx, ref.Key, true)
	case ActionAcknowledgeNot:
		_, err = w.opts.Store.SetSeen(ctx, ref.Key, false)
	case ActionDelete:
		err = w.opts.Store.DeleteHijack(ctx, ref.Key)
	default:
		panic(fmt.Sprintf("unhandled action %d", int(a)))
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", a, ref.Key, err)
	}
	w.opts.Log.Debug("dbworker: applied action", "action", a.String(), "key", ref.Key)
	return nil
}

// purge drops the cache entries of an ongoing hijack so the detector rekeys
// it on its next sighting.
func (w *Worker) purge(ctx context.Context, ref models.HijackRef) error {
	persistent, err := w.opts.Cache.IsPersistentKey(ctx, ref.Key)
	if err != nil || !persistent {
		return err
	}
	return w.opts.Cache.PurgeHijack(ctx, models.HijackCacheKey(ref.Prefix, ref.HijackAS, ref.Type), ref.Key)
}

func (w *Worker) reply(ctx context.Context, req bus.Message, status string) error {
	return bus.Reply(ctx, w.opts.Bus, req, models.StatusReply{Status: status})
}

func (w *Worker) handleSingleAction(ctx context.Context, msg bus.Message, a Action) error {
	var ref models.HijackRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := w.Apply(ctx, a, ref); err != nil {
		return errors.Join(err, w.reply(ctx, msg, models.StatusRejected))
	}
	return w.reply(ctx, msg, models.StatusAccepted)
}

func (w *Worker) handleSeen(ctx context.Context, msg bus.Message) error {
	var m models.SeenMessage
	if err := msg.Decode(&m); err != nil {
		return err
	}
	ref := models.HijackRef{Key: m.Key}
	if err := ref.Validate(); err != nil {
		return err
	}
	a := ActionAcknowledgeNot
	if m.State {
		a = ActionAcknowledge
	}
	return w.Apply(ctx, a, ref)
}

func (w *Worker) handleComment(ctx context.Context, msg bus.Message) error {
	var m models.CommentMessage
	if err := msg.Decode(&m); err != nil {
		return errors.Join(err, w.reply(ctx, msg, models.StatusRejected))
	}
	if _, err := w.opts.Store.SetComment(ctx, m.Key, m.Comment); err != nil {
		return errors.Join(err, w.reply(ctx, msg, models.StatusRejected))
	}
	return w.reply(ctx, msg, models.StatusAccepted)
}

// handleMultipleAction applies one action to many hijacks. Only an empty
// key list or an unknown action is rejected; failures on single hijacks
// are logged and the request is still accepted.
func (w *Worker) handleMultipleAction(ctx context.Context, msg bus.Message) error {
	var m models.MultipleActionMessage
	if err := msg.Decode(&m); err != nil {
		return errors.Join(err, w.reply(ctx, msg, models.StatusRejected))
	}
	if len(m.Keys) == 0 {
		return w.reply(ctx, msg, models.StatusRejected)
	}
	a, err := ParseAction(m.Action)
	if err != nil {
		return errors.Join(err, w.reply(ctx, msg, models.StatusRejected))
	}

	for _, key := range m.Keys {
		h, ok, err := w.opts.Store.Hijack(ctx, key)
		if err != nil {
			w.opts.Log.Error("dbworker: failed to load hijack", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		ref := models.HijackRef{Key: h.Key, Prefix: h.Prefix, HijackAS: h.HijackAS, Type: h.Type}
		if err := w.Apply(ctx, a, ref); err != nil {
			w.opts.Log.Error("dbworker: action failed", "action", a.String(), "key", key, "error", err)
		}
	}
	return w.reply(ctx, msg, models.StatusAccepted)
}

func (w *Worker) handleMitigationStart(ctx context.Context, msg bus.Message) error {
	var m models.MitigationStartMessage
	if err := msg.Decode(&m); err != nil {
		return err
	}
	if m.Key == "" {
		return fmt.Errorf("%w: mitigation start without key", models.ErrInvalidMessage)
	}
	_, err := w.opts.Store.StartMitigation(ctx, m.Key, models.EpochTime(m.Time))
	return err
}
