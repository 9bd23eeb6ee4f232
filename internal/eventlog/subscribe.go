package eventlog

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// Listener receives an event after its transaction has committed.
type Listener func(*Event)

// Subscription is a registered listener. Pass it to Unsubscribe to stop
// delivery.
type Subscription struct {
	id    uint64
	types map[EventType]struct{}
	fn    Listener
}

func (s *Subscription) matches(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Subscribe registers fn for events of the given types, or for every
// event when no type is given. Listeners run synchronously on the
// emitting goroutine, in subscription order, after the commit and
// outside the writer mutex, so a listener may itself call Emit. A
// panicking listener is logged and does not affect the emit or other
// listeners.
func (l *Log) Subscribe(fn Listener, types ...EventType) *Subscription {
	sub := &Subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.nextSubID++
	sub.id = l.nextSubID
	l.subs = append(l.subs, sub)
	return sub
}

// Unsubscribe removes sub. Unknown or nil subscriptions are ignored.
func (l *Log) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for i, s := range l.subs {
		if s.id == sub.id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Subscribers reports how many listeners are registered.
func (l *Log) Subscribers() int {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	return len(l.subs)
}

// publish delivers committed events to the current listeners.
func (l *Log) publish(events []*Event) {
	l.subMu.RLock()
	subs := l.subs
	l.subMu.RUnlock()
	if len(subs) == 0 {
		return
	}
	for _, ev := range events {
		for _, s := range subs {
			if s.matches(ev.EventType) {
				deliver(s, ev)
			}
		}
	}
}

func deliver(s *Subscription, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[EventLog] listener panicked on %s #%d: %v\n%s", ev.EventType, ev.SequenceNumber, r, debug.Stack())
		}
	}()
	s.fn(ev)
}
