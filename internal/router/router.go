package router

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"liveclass/internal/session"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// RecordingController moves a session's recording flag. The caller holds the
// session lock.
type RecordingController interface {
	SetRecordingState(ctx context.Context, st *session.State, target types.RecordingState) error
}

// Router implements interfaces.MessageDispatcher.
// ARCHITECTURAL DISCOVERY: handlers only mutate state and queue outbound
// events; delivery happens after the session lock is released
type Router struct {
	registry  *session.Registry
	recording RecordingController
	limiter   *RateLimiter
}

// Option configures a Router.
type Option func(*Router)

// WithRateLimiter caps inbound messages per connection.
func WithRateLimiter(rl *RateLimiter) Option { return func(r *Router) { r.limiter = rl } }

// NewRouter creates a dispatcher over registry. recording may be nil, in
// which case recording commands only change the flag.
func NewRouter(registry *session.Registry, recording RecordingController, opts ...Option) *Router {
	r := &Router{registry: registry, recording: recording}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ interfaces.MessageDispatcher = (*Router)(nil)

// audience says who receives an outbound event.
type audience int

const (
	toPeer audience = iota
	toGroup
	toOthers
)

type outbound struct {
	evt *types.Event
	to  audience
}

// exchange is one inbound message being applied to its session.
type exchange struct {
	peer    interfaces.Peer
	evt     *types.Event
	st      *session.State
	log     zerolog.Logger
	out     []outbound
	forward bool
}

func (x *exchange) send(evt *types.Event, to audience) {
	x.out = append(x.out, outbound{evt: evt, to: to})
}

type handlerFunc func(r *Router, ctx context.Context, x *exchange) error

// route is the dispatch decision for one event type.
type route struct {
	class   types.EventClass
	handle  handlerFunc
	forward bool
}

// routeFor is the dispatch table. The switch names every event type so a
// new one cannot be added without deciding how it is routed.
func routeFor(t types.EventType) (route, bool) {
	switch t {
	case types.EventSessionLeft:
		return route{class: types.ClassNotify, handle: (*Router).sessionLeft}, true
	case types.EventSessionJoined:
		return route{class: types.ClassNotify, handle: (*Router).sessionJoined}, true
	case types.EventChangeViewAll:
		return route{class: types.ClassCommand, handle: (*Router).changeViewAll, forward: true}, true
	case types.EventSetHelpMessage:
		return route{class: types.ClassCommand, handle: (*Router).setHelpMessage, forward: true}, true
	case types.EventRecording:
		return route{class: types.ClassCommand, handle: (*Router).recordingCommand}, true
	case types.EventQosAlert:
		return route{class: types.ClassNotify, handle: (*Router).qosAlert, forward: true}, true
	case types.EventHelpWanted:
		return route{class: types.ClassCommand, handle: (*Router).helpWanted, forward: true}, true
	case types.EventViewChanged, types.EventChangeView:
		return route{forward: true}, true
	case types.EventHeartbeat, types.EventHeartbeatReply, types.EventNone, types.EventUnknown:
		return route{}, false
	}
	return route{}, false
}

// OnInboundMessage applies one message from peer. The returned error
// explains a dropped message; it has already been logged.
func (r *Router) OnInboundMessage(ctx context.Context, peer interfaces.Peer, evt *types.Event) error {
	log := zerolog.Ctx(ctx).With().
		Str("component", "router").
		Str("conn", peer.ID()).
		Str("event", string(evt.Event)).
		Str("acronym", evt.SessionID).
		Logger()

	if !r.limiter.Allow(peer.ID()) {
		log.Warn().Msg("Rate limit exceeded, dropping message")
		return ErrRateLimitExceeded
	}

	switch evt.Event {
	case types.EventHeartbeatReply:
		r.heartbeatReply(log, peer, evt)
		return nil
	case types.EventHeartbeat:
		log.Warn().Msg("Client sent a server heartbeat, dropping")
		return ErrUnexpectedEvent
	}

	rt, ok := routeFor(evt.Event)
	if !ok {
		log.Warn().Str("event_class", string(evt.EventClass)).Msg("Unknown event, dropping")
		return ErrUnknownEvent
	}
	if !evt.HasSession() {
		log.Warn().Interface("message", evt).Msg("Message is missing a valid session, dropping")
		return ErrNoSession
	}

	st, err := r.registry.GetOrCreate(ctx, evt.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("Message for unresolvable session, dropping")
		return fmt.Errorf("resolve %s: %w", evt.SessionID, err)
	}

	x := &exchange{peer: peer, evt: evt, st: st, log: log, forward: rt.forward}
	if err := r.apply(ctx, rt, x); err != nil {
		return err
	}
	r.deliver(x)
	return nil
}

// apply runs the handler under the session lock and persists the result.
func (r *Router) apply(ctx context.Context, rt route, x *exchange) error {
	if err := x.st.Lock(ctx); err != nil {
		return err
	}
	defer x.st.Unlock()

	if err := r.registry.Refresh(ctx, x.st); err != nil {
		x.log.Warn().Err(err).Msg("Session refresh failed")
	}

	// FUNCTIONAL DISCOVERY: an event sent with an unexpected class is not
	// acted on but still reaches the other participants
	if rt.handle != nil && x.evt.EventClass == rt.class {
		if err := rt.handle(r, ctx, x); err != nil {
			return err
		}
	} else if rt.handle != nil {
		x.forward = true
	}

	if err := r.registry.Persist(ctx, x.st); err != nil {
		x.log.Warn().Err(err).Msg("Failed to persist session state")
	}
	return nil
}

func (r *Router) deliver(x *exchange) {
	group := x.st.Acronym
	for _, o := range x.out {
		switch o.to {
		case toPeer:
			if err := x.peer.Emit(o.evt); err != nil {
				x.log.Debug().Err(err).Msg("Failed to emit to connection")
			}
		case toGroup:
			x.peer.Broadcast(group, o.evt)
		case toOthers:
			x.peer.BroadcastExcept(group, o.evt)
		}
	}
	if x.forward {
		x.peer.BroadcastExcept(group, x.evt)
	}
}

func (r *Router) heartbeatReply(log zerolog.Logger, peer interfaces.Peer, evt *types.Event) {
	ts, err := strconv.ParseInt(evt.TargetString(), 10, 64)
	if err != nil {
		log.Warn().Str("target", evt.TargetString()).Msg("Malformed heartbeat reply")
	}
	if expected, ok := peer.Heartbeat().Reply(ts); !ok && expected != 0 {
		log.Warn().Int64("expected", expected).Int64("received", ts).Msg("Late heartbeat reply")
	}
}

func participant(x *exchange) (string, error) {
	s := x.evt.Subject
	if s == types.AnySubject || s == types.NoSubject || s == types.ServerSubject || !types.IsValidUserID(s) {
		x.log.Warn().Str("subject", s).Msg("Event subject is not a participant")
		return "", ErrInvalidSubject
	}
	return s, nil
}

func (r *Router) sessionLeft(_ context.Context, x *exchange) error {
	id, err := participant(x)
	if err != nil {
		return err
	}
	x.log.Info().Str("user", id).Msg("User leaving session")
	x.st.RemoveUser(id)
	x.peer.LeaveGroup(x.st.Acronym)
	return nil
}

func (r *Router) sessionJoined(ctx context.Context, x *exchange) error {
	id, err := participant(x)
	if err != nil {
		return err
	}
	x.log.Info().Str("user", id).Msg("User joining session")
	x.peer.JoinGroup(x.st.Acronym)
	if err := x.st.AddUser(id); err != nil {
		return err
	}

	opts := x.evt.JoinOptions()
	if t, ok := opts.ParsedForceTime(); ok {
		x.log.Debug().Time("force_time", t).Msg("Forcing session effective time")
		x.st.SetEffectiveTime(&t)
	} else if opts.ForceTime != "" {
		x.log.Info().Str("force_time", opts.ForceTime).Msg("Ignoring malformed effective time")
	}

	if x.st.RecordingState.Stopped() && x.st.IsClassSession() {
		if x.st.IsOpen() {
			r.setRecording(ctx, x, types.RecordingOn)
		} else {
			x.log.Warn().Msg("Session is not open, not recording")
		}
	}

	for _, evt := range session.CurrentStateEvents(x.st, id) {
		if evt.EventClass == types.ClassCommand {
			x.send(evt, toPeer)
		} else {
			x.send(evt, toGroup)
		}
	}
	return nil
}

func (r *Router) changeViewAll(_ context.Context, x *exchange) error {
	x.log.Info().Str("view", x.evt.TargetString()).Msg("Changing everybody's view")
	x.st.SetViewFromTarget(x.evt.TargetString())
	return nil
}

func (r *Router) setHelpMessage(_ context.Context, x *exchange) error {
	x.st.CustomHelpMessage = x.evt.TargetString()
	return nil
}

func (r *Router) recordingCommand(ctx context.Context, x *exchange) error {
	target := types.RecordingState(x.evt.TargetString())
	x.log.Info().Str("target", string(target)).Msg("Recording command")
	r.setRecording(ctx, x, target)
	x.send(session.RecordingStateEvent(x.st), toOthers)
	return nil
}

func (r *Router) qosAlert(_ context.Context, x *exchange) error {
	x.log.Info().Str("subject", x.evt.Subject).Str("target", x.evt.TargetString()).Msg("QoS alert")
	return nil
}

func (r *Router) helpWanted(_ context.Context, x *exchange) error {
	x.log.Info().Str("subject", x.evt.Subject).Msg("Help wanted")
	return nil
}

// setRecording logs failures; the state the controller leaves behind is
// what participants are told.
func (r *Router) setRecording(ctx context.Context, x *exchange, target types.RecordingState) {
	if r.recording == nil {
		if _, ok := types.ParseRecordingState(string(target)); ok {
			x.st.RecordingState = target
		}
		return
	}
	if err := r.recording.SetRecordingState(ctx, x.st, target); err != nil {
		x.log.Error().Err(err).Str("target", string(target)).Msg("Recording state change failed")
	}
}
