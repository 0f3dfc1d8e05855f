package client

import (
	"fmt"
	"slices"
	"sync"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

// Callback получает свежий отсоединённый Context: всё, что колбэк в нём
// зарегистрирует или отправит, будет слито в живой Context после возврата.
type Callback[T any] func(ctx *Context, msg T)

// ResultCallback вызывается ровно один раз: либо с ответом, либо с ошибкой
// протокола (*wamp.Error).
type ResultCallback[T any] func(ctx *Context, msg T, err error)

// Pending - ожидающая операция: запрос и колбэк для ответа на него.
type Pending[R any, C any] struct {
	Request  R
	Callback C
}

type (
	RegisterEntry    = Pending[*wamp.Register, ResultCallback[*wamp.Registered]]
	UnregisterEntry  = Pending[*wamp.Unregister, ResultCallback[*wamp.Unregistered]]
	SubscribeEntry   = Pending[*wamp.Subscribe, ResultCallback[*wamp.Subscribed]]
	UnsubscribeEntry = Pending[*wamp.Unsubscribe, ResultCallback[*wamp.Unsubscribed]]
	PublishEntry     = Pending[*wamp.Publish, ResultCallback[*wamp.Published]]
	CallEntry        = Pending[*wamp.Call, ResultCallback[*wamp.Result]]
	CancelEntry      = Pending[*wamp.Cancel, ResultCallback[*wamp.Interrupt]]
	EventEntry       = Pending[*wamp.Subscribed, Callback[*wamp.Event]]
	InvocationEntry  = Pending[*wamp.Registered, Callback[*wamp.Invocation]]
)

// correlation - список ожидающих операций одной категории. Списки маленькие,
// поиск линейный.
type correlation[R any, C any] struct {
	entries []Pending[R, C]
	key     func(R) wamp.ID
}

func newCorrelation[R any, C any](key func(R) wamp.ID) correlation[R, C] {
	return correlation[R, C]{key: key}
}

func (l *correlation[R, C]) add(p Pending[R, C]) {
	l.entries = append(l.entries, p)
}

func (l *correlation[R, C]) index(id wamp.ID) int {
	return slices.IndexFunc(l.entries, func(p Pending[R, C]) bool {
		return l.key(p.Request) == id
	})
}

func (l *correlation[R, C]) find(id wamp.ID) (Pending[R, C], bool) {
	if i := l.index(id); i >= 0 {
		return l.entries[i], true
	}
	return Pending[R, C]{}, false
}

func (l *correlation[R, C]) findAll(id wamp.ID) []Pending[R, C] {
	var found []Pending[R, C]
	for _, p := range l.entries {
		if l.key(p.Request) == id {
			found = append(found, p)
		}
	}
	return found
}

func (l *correlation[R, C]) take(id wamp.ID) (Pending[R, C], bool) {
	i := l.index(id)
	if i < 0 {
		return Pending[R, C]{}, false
	}

	p := l.entries[i]
	l.entries = slices.Delete(l.entries, i, i+1)

	return p, true
}

func (l *correlation[R, C]) removeFunc(del func(Pending[R, C]) bool) int {
	before := len(l.entries)
	l.entries = slices.DeleteFunc(l.entries, del)
	return before - len(l.entries)
}

func (l *correlation[R, C]) extend(other []Pending[R, C]) {
	l.entries = append(l.entries, other...)
}

func (l *correlation[R, C]) snapshot() []Pending[R, C] {
	return slices.Clone(l.entries)
}

// Context - таблица ожидающих операций: по списку на категорию плюс очередь
// исходящих сообщений. Context без Sender считается отсоединённым: Send
// кладёт сообщения в очередь, а не в канал.
//
// Все методы потокобезопасны. Мьютекс берётся только на время поиска,
// вставки или удаления и никогда не держится во время колбэка или записи
// в канал.
type Context struct {
	sender wamp.Sender

	mu              sync.Mutex
	registrations   correlation[*wamp.Register, ResultCallback[*wamp.Registered]]
	unregistrations correlation[*wamp.Unregister, ResultCallback[*wamp.Unregistered]]
	subscriptions   correlation[*wamp.Subscribe, ResultCallback[*wamp.Subscribed]]
	unsubscriptions correlation[*wamp.Unsubscribe, ResultCallback[*wamp.Unsubscribed]]
	publications    correlation[*wamp.Publish, ResultCallback[*wamp.Published]]
	calls           correlation[*wamp.Call, ResultCallback[*wamp.Result]]
	cancellations   correlation[*wamp.Cancel, ResultCallback[*wamp.Interrupt]]
	events          correlation[*wamp.Subscribed, Callback[*wamp.Event]]
	invocations     correlation[*wamp.Registered, Callback[*wamp.Invocation]]
	outbox          []wamp.Message
}

// NewContext создаёт Context. sender == nil даёт отсоединённый Context.
func NewContext(sender wamp.Sender) *Context {
	return &Context{
		sender:          sender,
		registrations:   newCorrelation[*wamp.Register, ResultCallback[*wamp.Registered]](func(r *wamp.Register) wamp.ID { return r.RequestID }),
		unregistrations: newCorrelation[*wamp.Unregister, ResultCallback[*wamp.Unregistered]](func(r *wamp.Unregister) wamp.ID { return r.RequestID }),
		subscriptions:   newCorrelation[*wamp.Subscribe, ResultCallback[*wamp.Subscribed]](func(r *wamp.Subscribe) wamp.ID { return r.RequestID }),
		unsubscriptions: newCorrelation[*wamp.Unsubscribe, ResultCallback[*wamp.Unsubscribed]](func(r *wamp.Unsubscribe) wamp.ID { return r.RequestID }),
		publications:    newCorrelation[*wamp.Publish, ResultCallback[*wamp.Published]](func(r *wamp.Publish) wamp.ID { return r.RequestID }),
		calls:           newCorrelation[*wamp.Call, ResultCallback[*wamp.Result]](func(r *wamp.Call) wamp.ID { return r.RequestID }),
		cancellations:   newCorrelation[*wamp.Cancel, ResultCallback[*wamp.Interrupt]](func(r *wamp.Cancel) wamp.ID { return r.RequestID }),
		events:          newCorrelation[*wamp.Subscribed, Callback[*wamp.Event]](func(s *wamp.Subscribed) wamp.ID { return s.Subscription }),
		invocations:     newCorrelation[*wamp.Registered, Callback[*wamp.Invocation]](func(r *wamp.Registered) wamp.ID { return r.Registration }),
	}
}

func (c *Context) Detached() bool {
	return c.sender == nil
}

// Send пишет сообщение сразу, если Context подключён к каналу, иначе
// кладёт его в очередь исходящих.
func (c *Context) Send(msg wamp.Message) error {
	if c.sender != nil {
		return c.sender.Send(msg)
	}

	c.mu.Lock()
	c.outbox = append(c.outbox, msg)
	c.mu.Unlock()

	return nil
}

// push вставляет запись до отправки запроса и откатывает её, если отправка
// не удалась: ответ не может обогнать свою запись.
func push[R wamp.Message, C any](c *Context, l *correlation[R, C], req R, cb C) error {
	id := l.key(req)

	c.mu.Lock()
	if l.index(id) >= 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s request %d", ErrDuplicateRequest, req.MessageType(), id)
	}
	l.add(Pending[R, C]{Request: req, Callback: cb})
	c.mu.Unlock()

	if err := c.Send(req); err != nil {
		c.mu.Lock()
		l.take(id)
		c.mu.Unlock()

		return err
	}

	return nil
}

func listen[R any, C any](c *Context, l *correlation[R, C], key R, cb C) {
	c.mu.Lock()
	l.add(Pending[R, C]{Request: key, Callback: cb})
	c.mu.Unlock()
}

func lookup[R any, C any](c *Context, l *correlation[R, C], id wamp.ID) (Pending[R, C], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return l.find(id)
}

func take[R any, C any](c *Context, l *correlation[R, C], id wamp.ID) (Pending[R, C], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return l.take(id)
}

func (c *Context) Register(req *wamp.Register, cb ResultCallback[*wamp.Registered]) error {
	return push(c, &c.registrations, req, cb)
}

func (c *Context) Unregister(req *wamp.Unregister, cb ResultCallback[*wamp.Unregistered]) error {
	return push(c, &c.unregistrations, req, cb)
}

func (c *Context) Subscribe(req *wamp.Subscribe, cb ResultCallback[*wamp.Subscribed]) error {
	return push(c, &c.subscriptions, req, cb)
}

func (c *Context) Unsubscribe(req *wamp.Unsubscribe, cb ResultCallback[*wamp.Unsubscribed]) error {
	return push(c, &c.unsubscriptions, req, cb)
}

// Publish без options.acknowledge отправляется без записи: роутер на такую
// публикацию не отвечает.
func (c *Context) Publish(req *wamp.Publish, cb ResultCallback[*wamp.Published]) error {
	if !req.Acknowledge() {
		return c.Send(req)
	}
	return push(c, &c.publications, req, cb)
}

func (c *Context) Call(req *wamp.Call, cb ResultCallback[*wamp.Result]) error {
	return push(c, &c.calls, req, cb)
}

func (c *Context) Cancel(req *wamp.Cancel, cb ResultCallback[*wamp.Interrupt]) error {
	return push(c, &c.cancellations, req, cb)
}

// Event подписывает колбэк на события подписки из subscribed. Ничего не
// отправляет: SUBSCRIBE уже ушёл.
func (c *Context) Event(subscribed *wamp.Subscribed, cb Callback[*wamp.Event]) {
	listen(c, &c.events, subscribed, cb)
}

// Invocation подписывает колбэк на вызовы зарегистрированной процедуры.
// Ничего не отправляет.
func (c *Context) Invocation(registered *wamp.Registered, cb Callback[*wamp.Invocation]) {
	listen(c, &c.invocations, registered, cb)
}

func (c *Context) FindRegister(registered *wamp.Registered) (RegisterEntry, bool) {
	return lookup(c, &c.registrations, registered.RequestID)
}

func (c *Context) FindUnregister(unregistered *wamp.Unregistered) (UnregisterEntry, bool) {
	return lookup(c, &c.unregistrations, unregistered.RequestID)
}

func (c *Context) FindSubscribe(subscribed *wamp.Subscribed) (SubscribeEntry, bool) {
	return lookup(c, &c.subscriptions, subscribed.RequestID)
}

func (c *Context) FindUnsubscribe(unsubscribed *wamp.Unsubscribed) (UnsubscribeEntry, bool) {
	return lookup(c, &c.unsubscriptions, unsubscribed.RequestID)
}

func (c *Context) FindPublish(published *wamp.Published) (PublishEntry, bool) {
	return lookup(c, &c.publications, published.RequestID)
}

func (c *Context) FindCall(result *wamp.Result) (CallEntry, bool) {
	return lookup(c, &c.calls, result.RequestID)
}

func (c *Context) FindCancel(interrupt *wamp.Interrupt) (CancelEntry, bool) {
	return lookup(c, &c.cancellations, interrupt.RequestID)
}

// FindEvent ищет по идентификатору подписки, а не запроса.
func (c *Context) FindEvent(event *wamp.Event) (EventEntry, bool) {
	return lookup(c, &c.events, event.Subscription)
}

// FindInvocation ищет по идентификатору регистрации: request id у INVOCATION
// выбирает роутер.
func (c *Context) FindInvocation(invocation *wamp.Invocation) (InvocationEntry, bool) {
	return lookup(c, &c.invocations, invocation.Registration)
}

func (c *Context) FindByErrorRegister(e *wamp.Error) (RegisterEntry, bool) {
	return lookup(c, &c.registrations, e.RequestID)
}

func (c *Context) FindByErrorUnregister(e *wamp.Error) (UnregisterEntry, bool) {
	return lookup(c, &c.unregistrations, e.RequestID)
}

func (c *Context) FindByErrorSubscribe(e *wamp.Error) (SubscribeEntry, bool) {
	return lookup(c, &c.subscriptions, e.RequestID)
}

func (c *Context) FindByErrorUnsubscribe(e *wamp.Error) (UnsubscribeEntry, bool) {
	return lookup(c, &c.unsubscriptions, e.RequestID)
}

func (c *Context) FindByErrorPublish(e *wamp.Error) (PublishEntry, bool) {
	return lookup(c, &c.publications, e.RequestID)
}

func (c *Context) FindByErrorCall(e *wamp.Error) (CallEntry, bool) {
	return lookup(c, &c.calls, e.RequestID)
}

func (c *Context) FindByErrorCancel(e *wamp.Error) (CancelEntry, bool) {
	return lookup(c, &c.cancellations, e.RequestID)
}

func (c *Context) eventListeners(subscription wamp.ID) []EventEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.findAll(subscription)
}

func (c *Context) invocationListeners(registration wamp.ID) []InvocationEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invocations.findAll(registration)
}

// resolveUnsubscribed одной операцией снимает UNSUBSCRIBE и все слушатели
// событий подписки. Исходный SUBSCRIBE снят ещё на SUBSCRIBED, а его request
// id мог уже уйти другому запросу. UNSUBSCRIBED без запроса (роутер сам
// отозвал подписку) чистит подписку из details.subscription.
func (c *Context) resolveUnsubscribed(m *wamp.Unsubscribed) (UnsubscribeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.unsubscriptions.find(m.RequestID)

	var subscription wamp.ID
	switch {
	case ok:
		subscription = entry.Request.Subscription
	case m.RequestID == 0:
		id, revoked := m.Subscription()
		if !revoked {
			return entry, false
		}
		subscription = id
	default:
		return entry, false
	}

	c.unsubscriptions.removeFunc(func(p UnsubscribeEntry) bool {
		return p.Request.Subscription == subscription
	})

	c.events.removeFunc(func(p EventEntry) bool {
		return p.Request.Subscription == subscription
	})

	return entry, ok
}

// resolveUnregistered - то же для регистраций: UNREGISTER и слушатели
// вызовов.
func (c *Context) resolveUnregistered(m *wamp.Unregistered) (UnregisterEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.unregistrations.find(m.RequestID)

	var registration wamp.ID
	switch {
	case ok:
		registration = entry.Request.Registration
	case m.RequestID == 0:
		id, revoked := wamp.DictID(m.Details, "registration")
		if !revoked {
			return entry, false
		}
		registration = id
	default:
		return entry, false
	}

	c.unregistrations.removeFunc(func(p UnregisterEntry) bool {
		return p.Request.Registration == registration
	})

	c.invocations.removeFunc(func(p InvocationEntry) bool {
		return p.Request.Registration == registration
	})

	return entry, ok
}

// Extend дописывает в c все списки и очередь исходящих из other. Слияние
// только добавляет: существующие записи не удаляются.
func (c *Context) Extend(other *Context) {
	if other == nil || other == c {
		return
	}

	other.mu.Lock()
	registrations := other.registrations.snapshot()
	unregistrations := other.unregistrations.snapshot()
	subscriptions := other.subscriptions.snapshot()
	unsubscriptions := other.unsubscriptions.snapshot()
	publications := other.publications.snapshot()
	calls := other.calls.snapshot()
	cancellations := other.cancellations.snapshot()
	events := other.events.snapshot()
	invocations := other.invocations.snapshot()
	outbox := slices.Clone(other.outbox)
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.registrations.extend(registrations)
	c.unregistrations.extend(unregistrations)
	c.subscriptions.extend(subscriptions)
	c.unsubscriptions.extend(unsubscriptions)
	c.publications.extend(publications)
	c.calls.extend(calls)
	c.cancellations.extend(cancellations)
	c.events.extend(events)
	c.invocations.extend(invocations)
	c.outbox = append(c.outbox, outbox...)
}

// Flush отправляет очередь исходящих через подключённый канал. При ошибке
// неотправленные сообщения остаются в очереди в прежнем порядке.
func (c *Context) Flush() error {
	if c.sender == nil {
		return nil
	}

	c.mu.Lock()
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for i, msg := range queued {
		if err := c.sender.Send(msg); err != nil {
			c.mu.Lock()
			c.outbox = append(slices.Clone(queued[i:]), c.outbox...)
			c.mu.Unlock()

			return err
		}
	}

	return nil
}

// Outbox возвращает копию очереди исходящих.
func (c *Context) Outbox() []wamp.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.outbox)
}

type Stats struct {
	Registrations   int
	Unregistrations int
	Subscriptions   int
	Unsubscriptions int
	Publications    int
	Calls           int
	Cancellations   int
	Events          int
	Invocations     int
	Outbox          int
}

func (s Stats) Pending() int {
	return s.Registrations + s.Unregistrations + s.Subscriptions + s.Unsubscriptions +
		s.Publications + s.Calls + s.Cancellations + s.Events + s.Invocations
}

func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Registrations:   len(c.registrations.entries),
		Unregistrations: len(c.unregistrations.entries),
		Subscriptions:   len(c.subscriptions.entries),
		Unsubscriptions: len(c.unsubscriptions.entries),
		Publications:    len(c.publications.entries),
		Calls:           len(c.calls.entries),
		Cancellations:   len(c.cancellations.entries),
		Events:          len(c.events.entries),
		Invocations:     len(c.invocations.entries),
		Outbox:          len(c.outbox),
	}
}

// Len - число ожидающих записей во всех категориях, без очереди исходящих.
func (c *Context) Len() int {
	return c.Stats().Pending()
}
