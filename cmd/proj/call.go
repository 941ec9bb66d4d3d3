package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/northseadl/celerity"
)

func runCall(ctx context.Context, args []string) error {
	words, rest := leading(args)
	fs, cfgPath := newFlagSet("call")
	kwargs := fs.String("kwargs", "", "keyword arguments as a json object")
	queue := fs.String("queue", "", "queue (default: routed)")
	countdown := fs.Duration("countdown", 0, "delay before the task may run")
	wait := fs.Duration("wait", 0, "wait this long for the result and print it")
	_ = fs.Parse(rest)
	words = append(words, fs.Args()...)
	if len(words) == 0 {
		return fmt.Errorf("call: missing task name")
	}

	var posArgs []any
	if len(words) > 1 {
		if err := json.Unmarshal([]byte(strings.Join(words[1:], " ")), &posArgs); err != nil {
			return fmt.Errorf("call: args must be a json array: %w", err)
		}
	}
	var opts []celerity.ApplyOption
	if *kwargs != "" {
		var kw map[string]any
		if err := json.Unmarshal([]byte(*kwargs), &kw); err != nil {
			return fmt.Errorf("call: kwargs must be a json object: %w", err)
		}
		opts = append(opts, celerity.WithKwargs(kw))
	}
	if *queue != "" {
		opts = append(opts, celerity.OnQueue(*queue))
	}
	if *countdown > 0 {
		opts = append(opts, celerity.Countdown(*countdown))
	}

	s, err := loadSettings(*cfgPath)
	if err != nil {
		return err
	}
	app, _, err := openApp(ctx, s)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	res, err := app.SendTask(ctx, words[0], posArgs, opts...)
	if err != nil {
		return err
	}
	fmt.Println(res.ID())
	if *wait <= 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	v, err := res.Get(wctx)
	if err != nil {
		return err
	}
	return printYAML(v)
}

func runResult(ctx context.Context, args []string) error {
	words, rest := leading(args)
	fs, cfgPath := newFlagSet("result")
	_ = fs.Parse(rest)
	words = append(words, fs.Args()...)
	if len(words) != 1 {
		return fmt.Errorf("result: want one task id")
	}

	s, err := loadSettings(*cfgPath)
	if err != nil {
		return err
	}
	app, _, err := openApp(ctx, s)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	m, err := app.AsyncResult(words[0]).Meta(ctx)
	if err != nil {
		return err
	}
	return printYAML(m)
}

func runEvents(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("events")
	prefix := fs.String("type", "", "only print events whose type starts with this, e.g. task-")
	_ = fs.Parse(args)

	s, err := loadSettings(*cfgPath)
	if err != nil {
		return err
	}
	app, _, err := openApp(ctx, s)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	var filter celerity.Filter
	if *prefix != "" {
		filter = celerity.FilterByPrefix(*prefix)
	}
	// one group per node so this listener sees every event
	group := "events-" + app.Hostname()
	stop, err := app.Events().Subscribe(ctx, app.EventsTopic(), group, filter, func(ctx context.Context, e celerity.Event) error {
		ev, err := celerity.DecodeTaskEvent(e)
		if err != nil {
			app.Logger().Warn(ctx, "undecodable event", "type", e.Type, "error", err)
			return nil
		}
		printEvent(ev)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("-> listening on %s\n", app.EventsTopic())
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return stop(sctx)
}

func printEvent(ev celerity.TaskEvent) {
	ts := ev.Timestamp.Local().Format("15:04:05.000")
	switch {
	case strings.HasPrefix(ev.Type, "worker-"):
		fmt.Printf("%s %s %s active=%d processed=%d\n", ts, ev.Hostname, ev.Type, ev.Active, ev.Processed)
	case ev.Exception != "":
		fmt.Printf("%s %s %s %s[%s] %s\n", ts, ev.Hostname, ev.Type, ev.Name, ev.UUID, ev.Exception)
	case ev.Type == celerity.EventTaskSucceeded:
		fmt.Printf("%s %s %s %s[%s] %v in %.3fs\n", ts, ev.Hostname, ev.Type, ev.Name, ev.UUID, ev.Result, ev.Runtime)
	default:
		fmt.Printf("%s %s %s %s[%s] %v\n", ts, ev.Hostname, ev.Type, ev.Name, ev.UUID, ev.Args)
	}
}
