package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func runPurge(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("purge")
	queues := fs.String("Q", "", "comma separated queues (default: every routed queue)")
	force := fs.Bool("f", false, "do not ask for confirmation")
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

	qs := splitList(*queues)
	if len(qs) == 0 {
		qs = app.Router().Queues()
	}
	if !*force {
		fmt.Printf("WARNING: this will remove all waiting tasks from %s. Continue? [y/N] ", strings.Join(qs, ", "))
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}
	n, err := app.Control().Purge(ctx, qs...)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d messages from %d known task queues.\n", n, len(qs))
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	words, rest := leading(args)
	fs, cfgPath := newFlagSet("inspect")
	dest := fs.String("d", "", "comma separated worker hostnames (default: all)")
	_ = fs.Parse(rest)
	if len(words) == 0 {
		words = fs.Args()
	}
	if len(words) != 1 {
		return fmt.Errorf("inspect: want one of active|scheduled|reserved|registered|stats|ping")
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

	in := app.Control().Inspect(splitList(*dest)...)
	var out any
	switch words[0] {
	case "active":
		out, err = in.Active(ctx)
	case "reserved":
		out, err = in.Reserved(ctx)
	case "scheduled":
		out, err = in.Scheduled(ctx)
	case "registered":
		out, err = in.Registered(ctx)
	case "stats":
		out, err = in.Stats(ctx)
	case "ping":
		var pongs map[string]time.Time
		pongs, err = in.Ping(ctx)
		if err == nil {
			hosts := make([]string, 0, len(pongs))
			for h := range pongs {
				hosts = append(hosts, h)
			}
			sort.Strings(hosts)
			for _, h := range hosts {
				fmt.Printf("-> %s: OK pong (last heartbeat %s ago)\n", h, time.Since(pongs[h]).Round(time.Millisecond))
			}
			if len(pongs) == 0 {
				fmt.Println("Error: No nodes replied within time constraint.")
			}
			return nil
		}
	default:
		return fmt.Errorf("inspect: unknown method %q", words[0])
	}
	if err != nil {
		return err
	}
	return printYAML(out)
}

func runControl(ctx context.Context, args []string) error {
	words, rest := leading(args)
	fs, cfgPath := newFlagSet("control")
	terminate := fs.Bool("terminate", false, "cancel the task if it is running")
	dest := fs.String("d", "", "comma separated worker hostnames for shutdown (default: all)")
	_ = fs.Parse(rest)
	if len(words) == 0 {
		words = fs.Args()
	}
	if len(words) == 0 {
		return fmt.Errorf("control: want revoke <id> or shutdown")
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

	switch words[0] {
	case "revoke":
		if len(words) < 2 {
			return fmt.Errorf("control revoke: missing task id")
		}
		for _, id := range words[1:] {
			if err := app.Control().Revoke(ctx, id, *terminate); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", id)
		}
	case "shutdown":
		if err := app.Control().Shutdown(ctx, splitList(*dest)...); err != nil {
			return err
		}
		fmt.Println("shutdown sent")
	default:
		return fmt.Errorf("control: unknown command %q", words[0])
	}
	return nil
}
