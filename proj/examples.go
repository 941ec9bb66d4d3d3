package proj

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/northseadl/celerity"
)

// ResultTimeout bounds how long an example waits for each result.
const ResultTimeout = 10 * time.Second

// Example is one runnable canvas example. A worker consuming the default and
// heavy queues must be running against the same broker and backend.
type Example struct {
	Key  string
	Name string
	Run  func(ctx context.Context, r *Runner) error
}

// Runner runs examples and prints task summaries to Out.
type Runner struct {
	Tasks   *Tasks
	Out     io.Writer
	Timeout time.Duration
}

// Examples lists the examples in menu order.
func Examples() []Example {
	return []Example{
		{"1", "delay_and_apply_async", exampleDelayAndApplyAsync},
		{"2", "signatures", exampleSignatures},
		{"3", "chain", exampleChain},
		{"4", "group", exampleGroup},
		{"5", "chord", exampleChord},
		{"6", "chain_group_becomes_chord", exampleChainGroupBecomesChord},
		{"7", "starmap", exampleStarmap},
		{"8", "chunks", exampleChunks},
	}
}

// delay(4, 5) is ApplyAsync with no options.
func exampleDelayAndApplyAsync(ctx context.Context, r *Runner) error {
	r1, err := r.Tasks.Add.Delay(ctx, 4, 5)
	if err != nil {
		return err
	}
	if err := r.Expect(ctx, r1, 9); err != nil {
		return err
	}
	// Countdown, ETA and Expires are options too:
	//   Add.ApplyAsync(ctx, []any{1, 2}, celerity.ETA(time.Now().Add(5*time.Second)))
	//   Add.ApplyAsync(ctx, []any{1, 2}, celerity.Expires(time.Minute))
	r2, err := r.Tasks.Add.ApplyAsync(ctx, []any{4, 5}, celerity.Countdown(0))
	if err != nil {
		return err
	}
	return r.Expect(ctx, r2, 9)
}

// S(10) is a partial: used as a link it runs add(parent, 10).
func exampleSignatures(ctx context.Context, r *Runner) error {
	res, err := r.Tasks.Add.S(2, 2).Delay(ctx)
	if err != nil {
		return err
	}
	if err := r.Expect(ctx, res, 4); err != nil {
		return err
	}

	linked, err := r.Tasks.Add.ApplyAsync(ctx, []any{2, 2}, celerity.Link(r.Tasks.Add.S(10)))
	if err != nil {
		return err
	}
	if err := r.Expect(ctx, linked, 4); err != nil {
		return err
	}
	children := linked.Children(ctx)
	if len(children) == 0 {
		return fmt.Errorf("linked task has no children")
	}
	return r.Expect(ctx, children[0], 14)
}

// add(2,2) -> mul(4,8) -> mul(32,10).
func exampleChain(ctx context.Context, r *Runner) error {
	res, err := celerity.Chain(r.Tasks.Add.S(2, 2), r.Tasks.Mul.S(8), r.Tasks.Mul.S(10)).ApplyAsync(ctx)
	if err != nil {
		return err
	}
	if err := r.Expect(ctx, res, 320); err != nil {
		return err
	}
	if err := r.Expect(ctx, res.Parent(), 32); err != nil {
		return err
	}
	return r.Expect(ctx, res.Parent().Parent(), 4)
}

func pairs(n int) [][]any {
	out := make([][]any, n)
	for i := range out {
		out[i] = []any{i, i}
	}
	return out
}

func (t *Tasks) addSigs(n int) []celerity.Signature {
	sigs := make([]celerity.Signature, n)
	for i := range sigs {
		sigs[i] = t.Add.S(i, i)
	}
	return sigs
}

func exampleGroup(ctx context.Context, r *Runner) error {
	res, err := celerity.Group(r.Tasks.addSigs(5)...).ApplyAsync(ctx)
	if err != nil {
		return err
	}
	return r.Expect(ctx, res, []any{0, 2, 4, 6, 8})
}

// The body receives the ordered header results.
func exampleChord(ctx context.Context, r *Runner) error {
	res, err := celerity.Chord(r.Tasks.addSigs(10), r.Tasks.XSum.S()).ApplyAsync(ctx)
	if err != nil {
		return err
	}
	return r.Expect(ctx, res, 90)
}

func exampleChainGroupBecomesChord(ctx context.Context, r *Runner) error {
	res, err := celerity.Group(r.Tasks.addSigs(10)...).Pipe(r.Tasks.XSum.S()).ApplyAsync(ctx)
	if err != nil {
		return err
	}
	return r.Expect(ctx, res, 90)
}

// One message; the calls run one after another in a single worker.
func exampleStarmap(ctx context.Context, r *Runner) error {
	res, err := r.Tasks.Add.Starmap(pairs(5)).ApplyAsync(ctx)
	if err != nil {
		return err
	}
	return r.Expect(ctx, res, []any{0, 2, 4, 6, 8})
}

// 10 pairs in chunks of 3: a group of 4 starmaps.
func exampleChunks(ctx context.Context, r *Runner) error {
	res, err := r.Tasks.Add.Chunks(pairs(10), 3).ApplyAsync(ctx)
	if err != nil {
		return err
	}
	return r.Expect(ctx, res, []any{[]any{0, 2, 4}, []any{6, 8, 10}, []any{12, 14, 16}, []any{18}})
}

// Expect prints a summary, waits for res and compares it with want.
func (r *Runner) Expect(ctx context.Context, res celerity.Result, want any) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = ResultTimeout
	}
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(r.Out, "\n%s\nTASK CREATED:\n", rule)
	r.printSummary(ctx, res)
	fmt.Fprintf(r.Out, "Waiting for task completion (timeout: %s)...\n", timeout)

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	got, err := res.Get(wctx)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(celerity.Normalize(got), celerity.Normalize(want)) {
		return fmt.Errorf("expected %v, got %v", want, got)
	}
	fmt.Fprintln(r.Out, "Task completed successfully:")
	r.printSummary(ctx, res)
	fmt.Fprintf(r.Out, "%s\n\n", rule)
	return nil
}

func (r *Runner) printSummary(ctx context.Context, res celerity.Result) {
	fmt.Fprintln(r.Out, Summary(ctx, res))
}

// Summary describes a result the way the playground prints it.
func Summary(ctx context.Context, res celerity.Result) map[string]any {
	s := map[string]any{"id": res.ID(), "parent": "N/A"}
	if p := res.Parent(); p != nil {
		s["parent"] = p.ID()
	}
	switch x := res.(type) {
	case *celerity.AsyncResult:
		s["name"] = x.Name()
		s["args"] = x.Args()
		s["kwargs"] = x.Kwargs()
		var children []string
		for _, c := range x.Children(ctx) {
			children = append(children, c.ID())
		}
		s["children"] = children
		if m, err := x.Meta(ctx); err == nil {
			s["retries"] = m.Retries
			s["queue"] = m.Queue
			s["status"] = m.State
			s["result"] = m.Result
		}
	case *celerity.GroupResult:
		var children []string
		for _, c := range x.Results() {
			children = append(children, c.ID())
		}
		s["children"] = children
		done, _ := x.Completed(ctx)
		s["status"] = fmt.Sprintf("%d/%d completed", done, len(children))
	}
	return s
}
