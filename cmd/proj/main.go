// Command proj runs and operates the project: workers, beat, inspection and
// one-off calls. See README.md for a cheat sheet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/northseadl/celerity"
	"github.com/northseadl/celerity/proj"
)

const usage = `usage: proj <command> [flags]

commands:
  worker    consume queues and execute tasks
  beat      send periodic tasks (only the elected leader sends)
  purge     drop waiting messages
  inspect   active|scheduled|reserved|registered|stats|ping
  control   revoke <id> [-terminate] | shutdown
  events    print task and worker events
  call      send a task: call <task> [json-args]
  result    print the state and result of a task id

every command accepts -config <path> (default configs/celeryconfig.yaml)
`

type command func(ctx context.Context, args []string) error

var commands = map[string]command{
	"worker":  runWorker,
	"beat":    runBeat,
	"purge":   runPurge,
	"inspect": runInspect,
	"control": runControl,
	"events":  runEvents,
	"call":    runCall,
	"result":  runResult,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd(ctx, os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("proj "+name, flag.ExitOnError)
	cfg := fs.String("config", "", "path to the config file")
	return fs, cfg
}

func loadSettings(path string) (*proj.Settings, error) {
	return proj.Load(path)
}

func openApp(ctx context.Context, s *proj.Settings, opts ...celerity.Option) (*celerity.App, *proj.Tasks, error) {
	return proj.NewApp(ctx, s, opts...)
}

// leading splits the positional words before the first flag, so both
// "inspect active -config x" and "inspect -config x active" work.
func leading(args []string) ([]string, []string) {
	i := 0
	for i < len(args) && (len(args[i]) == 0 || args[i][0] != '-') {
		i++
	}
	return args[:i], args[i:]
}
