package router

import (
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

type procedure struct {
	uri          wamp.URI
	registration wamp.ID
	callee       *session
}

type invocation struct {
	id     wamp.ID
	caller *session
	callID wamp.ID
	callee *session
}

type callKey struct {
	caller wamp.ID
	callID wamp.ID
}

// dealer хранит регистрации и незавершённые вызовы. Защищён Router.mu.
type dealer struct {
	procedures    map[wamp.URI]*procedure
	registrations map[wamp.ID]*procedure
	invocations   map[wamp.ID]*invocation
	calls         map[callKey]*invocation
	ids           wamp.IDGenerator
}

func newDealer() *dealer {
	return &dealer{
		procedures:    make(map[wamp.URI]*procedure),
		registrations: make(map[wamp.ID]*procedure),
		invocations:   make(map[wamp.ID]*invocation),
		calls:         make(map[callKey]*invocation),
	}
}

func (d *dealer) forget(inv *invocation) {
	delete(d.invocations, inv.id)
	delete(d.calls, callKey{caller: inv.caller.id, callID: inv.callID})
}

// drop снимает регистрации сессии и возвращает вызовы, которые она
// обслуживала: их вызывающим нужно ответить ошибкой.
func (d *dealer) drop(s *session) []*invocation {
	for id, p := range d.registrations {
		if p.callee == s {
			delete(d.registrations, id)
			delete(d.procedures, p.uri)
		}
	}

	var orphans []*invocation
	for _, inv := range d.invocations {
		switch {
		case inv.callee == s && inv.caller != s:
			orphans = append(orphans, inv)
			d.forget(inv)
		case inv.caller == s || inv.callee == s:
			d.forget(inv)
		}
	}

	return orphans
}

func (r *Router) register(s *session, m *wamp.Register) {
	if m.Procedure == "" {
		replyError(s, wamp.MessageRegister, m.RequestID, ErrInvalidURI)
		return
	}

	r.mu.Lock()
	if _, exists := r.dealer.procedures[m.Procedure]; exists {
		r.mu.Unlock()
		replyError(s, wamp.MessageRegister, m.RequestID, ErrProcedureAlreadyExists)
		return
	}

	p := &procedure{
		uri:          m.Procedure,
		registration: wamp.GlobalID(),
		callee:       s,
	}
	r.dealer.procedures[p.uri] = p
	r.dealer.registrations[p.registration] = p
	r.mu.Unlock()

	r.logger.Debug("registered", "session", s.id, "procedure", m.Procedure, "registration", p.registration)

	s.send(&wamp.Registered{RequestID: m.RequestID, Registration: p.registration})
}

func (r *Router) unregister(s *session, m *wamp.Unregister) {
	r.mu.Lock()
	p, ok := r.dealer.registrations[m.Registration]
	if ok && p.callee == s {
		delete(r.dealer.registrations, p.registration)
		delete(r.dealer.procedures, p.uri)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		replyError(s, wamp.MessageUnregister, m.RequestID, ErrNoSuchRegistration)
		return
	}

	s.send(&wamp.Unregistered{RequestID: m.RequestID})
}

func (r *Router) call(s *session, m *wamp.Call) {
	r.mu.Lock()
	p, ok := r.dealer.procedures[m.Procedure]
	if !ok {
		r.mu.Unlock()
		replyError(s, wamp.MessageCall, m.RequestID, ErrNoSuchProcedure)
		return
	}

	inv := &invocation{
		id:     r.dealer.ids.Next(),
		caller: s,
		callID: m.RequestID,
		callee: p.callee,
	}
	r.dealer.invocations[inv.id] = inv
	r.dealer.calls[callKey{caller: s.id, callID: m.RequestID}] = inv
	registration := p.registration
	r.mu.Unlock()

	details := wamp.Dict{}
	if progress, _ := m.Options["receive_progress"].(bool); progress {
		details["receive_progress"] = true
	}

	inv.callee.send(&wamp.Invocation{
		RequestID:    inv.id,
		Registration: registration,
		Details:      details,
		Arguments:    m.Arguments,
		ArgumentsKw:  m.ArgumentsKw,
	})
}

func (r *Router) yield(s *session, m *wamp.Yield) {
	progress, _ := m.Options["progress"].(bool)

	r.mu.Lock()
	inv, ok := r.dealer.invocations[m.RequestID]
	if ok && inv.callee != s {
		ok = false
	}
	if ok && !progress {
		r.dealer.forget(inv)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("yield for unknown invocation", "session", s.id, "request_id", m.RequestID)
		return
	}

	details := wamp.Dict{}
	if progress {
		details["progress"] = true
	}

	inv.caller.send(&wamp.Result{
		RequestID:   inv.callID,
		Details:     details,
		Arguments:   m.Arguments,
		ArgumentsKw: m.ArgumentsKw,
	})
}

func (r *Router) invocationError(s *session, m *wamp.Error) {
	r.mu.Lock()
	inv, ok := r.dealer.invocations[m.RequestID]
	if ok && inv.callee == s {
		r.dealer.forget(inv)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("error for unknown invocation", "session", s.id, "request_id", m.RequestID)
		return
	}

	inv.caller.send(&wamp.Error{
		RequestType: wamp.MessageCall,
		RequestID:   inv.callID,
		Details:     m.Details,
		URI:         m.URI,
		Arguments:   m.Arguments,
		ArgumentsKw: m.ArgumentsKw,
	})
}

// cancel прерывает вызов: вызываемый получает INTERRUPT, вызывающий сразу
// получает ERROR wamp.error.canceled.
func (r *Router) cancel(s *session, m *wamp.Cancel) {
	r.mu.Lock()
	inv, ok := r.dealer.calls[callKey{caller: s.id, callID: m.RequestID}]
	if ok {
		r.dealer.forget(inv)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("cancel for unknown call", "session", s.id, "request_id", m.RequestID)
		return
	}

	inv.callee.send(&wamp.Interrupt{RequestID: inv.id, Options: m.Options})
	replyError(s, wamp.MessageCall, m.RequestID, ErrCanceled)
}
