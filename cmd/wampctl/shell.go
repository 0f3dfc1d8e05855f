package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/threads"
)

// shell держит одну сессию и выполняет команды построчно.
type shell struct {
	app     *app
	session *threadSession
	rl      *readline.Instance

	mu   sync.Mutex
	subs map[wamp.URI]*threads.Subscription
}

func (a *app) shell(ctx context.Context) error {
	s, w, err := a.joinThreads(ctx)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "wamp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("failed to create readline: %w", err)
	}

	sh := &shell{
		app:     a,
		session: s,
		rl:      rl,
		subs:    make(map[wamp.URI]*threads.Subscription),
	}

	fmt.Fprintf(rl.Stdout(), "joined %s as session %d\n", a.cfg.Realm, w.Session)

	// Readline блокирует: закрытие инстанса будит цикл
	go func() {
		select {
		case <-ctx.Done():
		case <-s.Done():
			fmt.Fprintln(rl.Stderr(), "connection closed")
		}
		_ = rl.Close()
	}()

	sh.run(ctx)
	_ = rl.Close()

	sh.unsubscribeAll()

	return s.Close()
}

func (sh *shell) run(ctx context.Context) {
	sh.printHelp()

	for {
		line, err := sh.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(input, " ")
		rest = strings.TrimSpace(rest)

		switch strings.ToLower(cmd) {
		case "help", "?":
			sh.printHelp()
		case "publish", "pub":
			sh.cmdPublish(ctx, rest)
		case "call":
			sh.cmdCall(ctx, rest)
		case "subscribe", "sub":
			sh.cmdSubscribe(ctx, rest)
		case "unsubscribe", "unsub":
			sh.cmdUnsubscribe(ctx, rest)
		case "subs":
			sh.cmdSubs()
		case "quit", "exit", "q":
			return
		default:
			fmt.Fprintf(sh.rl.Stdout(), "unknown command %q, type help\n", cmd)
		}
	}
}

func (sh *shell) printHelp() {
	fmt.Fprint(sh.rl.Stdout(), `Commands:
  publish <topic> [json-args]   publish an event
  call <procedure> [json-args]  call a procedure
  subscribe <topic>             print events of a topic
  unsubscribe <topic>           stop printing events
  subs                          list subscriptions
  quit                          leave the session
`)
}

// splitTarget отделяет URI от JSON-аргументов.
func splitTarget(rest string) (wamp.URI, string, bool) {
	target, args, _ := strings.Cut(rest, " ")
	if target == "" {
		return "", "", false
	}
	return wamp.URI(target), strings.TrimSpace(args), true
}

func (sh *shell) report(err error) {
	fmt.Fprintf(sh.rl.Stderr(), "error: %v\n", err)
}

func (sh *shell) cmdPublish(ctx context.Context, rest string) {
	topic, rawArgs, ok := splitTarget(rest)
	if !ok {
		fmt.Fprintln(sh.rl.Stdout(), "usage: publish <topic> [json-args]")
		return
	}

	args, err := parseArgs(rawArgs)
	if err != nil {
		sh.report(err)
		return
	}

	publication, err := publishOn(ctx, sh.session.client, topic, args, sh.app.timeout())
	if err != nil {
		sh.report(err)
		return
	}

	fmt.Fprintf(sh.rl.Stdout(), "published %d\n", publication)
}

func (sh *shell) cmdCall(ctx context.Context, rest string) {
	procedure, rawArgs, ok := splitTarget(rest)
	if !ok {
		fmt.Fprintln(sh.rl.Stdout(), "usage: call <procedure> [json-args]")
		return
	}

	args, err := parseArgs(rawArgs)
	if err != nil {
		sh.report(err)
		return
	}

	c := sh.session.client
	out := sh.rl.Stdout()

	req := &wamp.Call{
		RequestID: c.NextRequestID(),
		Options:   wamp.Dict{"receive_progress": true},
		Procedure: procedure,
		Arguments: args,
	}

	// Промежуточные результаты печатаются сразу, ждём итоговый
	result, err := roundTrip(ctx, c, req, req.RequestID, threads.OnResult,
		func(r *wamp.Result) bool {
			if r.RequestID != req.RequestID {
				return false
			}
			if r.Progress() {
				fmt.Fprintf(out, "... %s\n", formatPayload(r.Arguments, r.ArgumentsKw))
				return false
			}
			return true
		},
		sh.app.timeout(),
	)
	if err != nil {
		sh.report(fmt.Errorf("call %s: %w", procedure, err))
		return
	}

	fmt.Fprintln(out, formatPayload(result.Arguments, result.ArgumentsKw))
}

func (sh *shell) cmdSubscribe(ctx context.Context, rest string) {
	topic := wamp.URI(rest)
	if topic == "" {
		fmt.Fprintln(sh.rl.Stdout(), "usage: subscribe <topic>")
		return
	}

	sh.mu.Lock()
	_, exists := sh.subs[topic]
	sh.mu.Unlock()

	if exists {
		fmt.Fprintf(sh.rl.Stdout(), "already subscribed to %s\n", topic)
		return
	}

	sub := threads.NewSubscription(sh.session.client, threads.WithTimeout(sh.app.timeout()))
	out := sh.rl.Stdout()

	subscribed, err := subscribeOn(ctx, sub, topic, func(e *wamp.Event) {
		fmt.Fprintf(out, "[%s] %d %s\n", topic, e.Publication, formatPayload(e.Arguments, e.ArgumentsKw))
	})
	if err != nil {
		sub.Close()
		sh.report(err)
		return
	}

	sh.mu.Lock()
	sh.subs[topic] = sub
	sh.mu.Unlock()

	fmt.Fprintf(out, "subscribed %s (%d)\n", topic, subscribed.Subscription)
}

func (sh *shell) cmdUnsubscribe(ctx context.Context, rest string) {
	topic := wamp.URI(rest)

	sh.mu.Lock()
	sub, ok := sh.subs[topic]
	delete(sh.subs, topic)
	sh.mu.Unlock()

	if !ok {
		sh.report(fmt.Errorf("%w: %s", ErrNotSubscribed, topic))
		return
	}

	if _, err := sub.Unsubscribe(ctx, &wamp.Unsubscribe{}); err != nil {
		sh.report(err)
	}
	sub.Close()

	fmt.Fprintf(sh.rl.Stdout(), "unsubscribed %s\n", topic)
}

func (sh *shell) cmdSubs() {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	topics := make([]string, 0, len(sh.subs))
	for topic := range sh.subs {
		topics = append(topics, string(topic))
	}
	sort.Strings(topics)

	printSubs(sh.rl.Stdout(), topics, sh.subs)
}

func printSubs(w io.Writer, topics []string, subs map[wamp.URI]*threads.Subscription) {
	if len(topics) == 0 {
		fmt.Fprintln(w, "no subscriptions")
		return
	}

	for _, topic := range topics {
		if s := subs[wamp.URI(topic)].Subscribed(); s != nil {
			fmt.Fprintf(w, "%s (%d)\n", topic, s.Subscription)
		}
	}
}

// unsubscribeAll снимает подписки перед GOODBYE. Ошибки только логируются.
func (sh *shell) unsubscribeAll() {
	sh.mu.Lock()
	subs := sh.subs
	sh.subs = make(map[wamp.URI]*threads.Subscription)
	sh.mu.Unlock()

	select {
	case <-sh.session.Done():
		return
	default:
	}

	for topic, sub := range subs {
		ctx, cancel := context.WithTimeout(sh.session.ctx, sh.app.timeout())
		if _, err := sub.Unsubscribe(ctx, &wamp.Unsubscribe{}); err != nil {
			sh.app.logger.Warn("failed to unsubscribe", "topic", topic, "error", err)
		}
		cancel()
		sub.Close()
	}
}
