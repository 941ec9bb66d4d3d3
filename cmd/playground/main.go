// Command playground runs the canvas examples against a running worker.
// Start "proj worker -Q celery,heavy" first; a result backend is required.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/northseadl/celerity/proj"
)

func main() {
	var cfgPath string
	var run string
	flag.StringVar(&cfgPath, "config", "", "path to the config file (default configs/celeryconfig.yaml)")
	flag.StringVar(&run, "run", "", "run these comma separated choices and exit, e.g. 1,3,5")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := proj.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	app, tasks, err := proj.NewApp(ctx, s)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer app.Close(context.Background())

	r := &proj.Runner{Tasks: tasks, Out: os.Stdout}
	byKey := map[string]proj.Example{}
	for _, e := range proj.Examples() {
		byKey[e.Key] = e
	}

	if run != "" {
		for _, k := range strings.Split(run, ",") {
			e, ok := byKey[strings.TrimSpace(k)]
			if !ok {
				fmt.Printf("Invalid choice: %s\n", k)
				os.Exit(2)
			}
			if err := e.Run(ctx, r); err != nil {
				fmt.Printf("%s failed: %v\n", e.Name, err)
				os.Exit(1)
			}
		}
		return
	}

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Println("Enter the choice:")
		for _, e := range proj.Examples() {
			fmt.Printf("%s: example_%s\n", e.Key, e.Name)
		}
		fmt.Println("c: clear_screen")
		fmt.Println("exit: exit")
		if !in.Scan() {
			return
		}
		choice := strings.TrimSpace(in.Text())
		switch choice {
		case "exit":
			fmt.Println("Exiting...")
			return
		case "c":
			fmt.Print("\033[H\033[2J")
			continue
		}
		e, ok := byKey[choice]
		if !ok {
			fmt.Printf("Invalid choice: %s\n", choice)
			continue
		}
		if err := e.Run(ctx, r); err != nil {
			fmt.Printf("%s failed: %v\n", e.Name, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
