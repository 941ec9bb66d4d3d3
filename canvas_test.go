package celerity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canvasApp(t *testing.T) (*App, testTasks) {
	t.Helper()
	a := newTestApp(t, memConfig())
	tt := registerTestTasks(a)
	startWorker(t, a)
	return a, tt
}

func TestSignature_String(t *testing.T) {
	a := newTestApp(t, memConfig())
	tt := registerTestTasks(a)

	assert.Equal(t, "t.add(2, 2)", tt.add.S(2, 2).String())
	assert.Equal(t, "t.add(2, 2) | t.mul(8)", Chain(tt.add.S(2, 2), tt.mul.S(8)).String())
	assert.Equal(t, "group(t.add(1, 1), t.add(2, 2))", Group(tt.add.S(1, 1), tt.add.S(2, 2)).String())
	assert.Equal(t, "chord(t.add(1, 1); t.xsum())", Chord([]Signature{tt.add.S(1, 1)}, tt.xsum.S()).String())
}

func TestSignature_CloneIsIndependent(t *testing.T) {
	a := newTestApp(t, memConfig())
	tt := registerTestTasks(a)

	s := tt.add.S(1).Set(WithKwargs(map[string]any{"k": 1}), Link(tt.mul.S(2)))
	c := s.Set(WithKwargs(map[string]any{"k": 2}), Link(tt.mul.S(3)))
	c.Args[0] = 9

	assert.Equal(t, 1, s.Args[0])
	assert.Equal(t, 1, s.Kwargs["k"])
	assert.Len(t, s.Options.Link, 1)
	assert.Len(t, c.Options.Link, 2)
}

func TestSignature_PartialArgs(t *testing.T) {
	a := newTestApp(t, memConfig())
	tt := registerTestTasks(a)

	assert.Equal(t, []any{4, 10}, tt.add.S(10).withParentResult(4).Args)
	assert.Equal(t, []any{10, 10}, tt.add.SI(10, 10).withParentResult(4).Args)

	g := Group(tt.add.S(1), tt.add.S(2)).withArgs([]any{7})
	assert.Equal(t, []any{7, 1}, g.Tasks[0].Args)
	assert.Equal(t, []any{7, 2}, g.Tasks[1].Args)
}

func TestSignature_Unbound(t *testing.T) {
	_, err := Signature{Task: "t.add"}.ApplyAsync(context.Background())
	assert.Error(t, err)
}

func TestFlattenChain(t *testing.T) {
	a := newTestApp(t, memConfig())
	tt := registerTestTasks(a)

	steps := flattenChain(Chain(Chain(tt.add.S(1, 1), tt.mul.S(2)), Group(tt.add.S(1, 1), tt.add.S(2, 2)), tt.xsum.S()))
	require.Len(t, steps, 3)
	assert.Equal(t, "t.add", steps[0].Task)
	assert.Equal(t, "t.mul", steps[1].Task)
	assert.Equal(t, KindChord, steps[2].Kind)
	assert.Equal(t, "t.xsum", steps[2].Body.Task)
}

func TestDelay(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.add.Delay(context.Background(), 4, 5)
	require.NoError(t, err)
	assert.Equal(t, "t.add", res.Name())
	assert.Equal(t, []any{4, 5}, res.Args())
	assert.Equal(t, int64(9), get(t, res))

	ok, err := res.Successful(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChain(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := Chain(tt.add.S(2, 2), tt.mul.S(8), tt.mul.S(10)).ApplyAsync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(320), get(t, res))
	require.NotNil(t, res.Parent())
	assert.Equal(t, int64(32), get(t, res.Parent()))
	require.NotNil(t, res.Parent().Parent())
	assert.Equal(t, int64(4), get(t, res.Parent().Parent()))
	assert.Nil(t, res.Parent().Parent().Parent())

	// the worker records the next step as a child
	first := res.Parent().Parent().(*AsyncResult)
	children := first.Children(context.Background())
	require.Len(t, children, 1)
	assert.Equal(t, res.Parent().ID(), children[0].ID())
}

func TestChain_Immutable(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.add.S(1, 1).Pipe(tt.add.SI(10, 10)).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), get(t, res))
}

func TestChain_FailureStopsChain(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := Chain(tt.fail.S(), tt.add.S(1)).ApplyAsync(context.Background())
	require.NoError(t, err)

	err = getErr(t, res.Parent())
	assert.ErrorIs(t, err, &TaskError{Type: "ValueError"})

	time.Sleep(100 * time.Millisecond)
	st, err := res.(*AsyncResult).State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePending, st)
}

func TestChain_Empty(t *testing.T) {
	a, _ := canvasApp(t)
	_, err := a.Apply(context.Background(), Chain())
	assert.Error(t, err)
}

func TestGroup(t *testing.T) {
	a, tt := canvasApp(t)
	sigs := make([]Signature, 5)
	for i := range sigs {
		sigs[i] = tt.add.S(i, i)
	}
	res, err := Group(sigs...).ApplyAsync(context.Background())
	require.NoError(t, err)

	g, ok := res.(*GroupResult)
	require.True(t, ok)
	assert.Len(t, g.Results(), 5)
	vals, err := g.Join(ctxTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, ints(0, 2, 4, 6, 8), vals)

	n, err := g.Completed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	restored, err := a.GroupResult(context.Background(), g.ID())
	require.NoError(t, err)
	assert.Equal(t, ints(0, 2, 4, 6, 8), get(t, restored))

	require.NoError(t, g.Forget(context.Background()))
	gone, err := a.GroupResult(context.Background(), g.ID())
	require.NoError(t, err)
	assert.Empty(t, gone.Results())
}

func TestGroup_FirstErrorReturned(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := Group(tt.add.S(1, 1), tt.fail.S()).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, getErr(t, res), &TaskError{Type: "ValueError"})
}

func TestChord(t *testing.T) {
	_, tt := canvasApp(t)
	header := make([]Signature, 10)
	for i := range header {
		header[i] = tt.add.S(i, i)
	}
	res, err := Chord(header, tt.xsum.S()).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(90), get(t, res))

	hdr, ok := res.Parent().(*GroupResult)
	require.True(t, ok)
	assert.Len(t, hdr.Results(), 10)
}

func TestChord_GroupPipe(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := Group(tt.add.S(1, 1), tt.add.S(2, 2)).Pipe(tt.xsum.S(), tt.mul.S(10)).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(60), get(t, res))
}

func TestChord_EmptyHeader(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := Chord(nil, tt.xsum.S()).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), get(t, res))
}

func TestChord_HeaderFailure(t *testing.T) {
	a, tt := canvasApp(t)
	failed := make(chan string, 1)
	onErr := a.Task("t.on_error", func(_ context.Context, c *Call) (any, error) {
		id, err := c.String(0)
		failed <- id
		return nil, err
	})

	body := tt.xsum.S().Set(LinkError(onErr.S()))
	res, err := Chord([]Signature{tt.add.S(1, 1), tt.fail.S()}, body).ApplyAsync(context.Background())
	require.NoError(t, err)

	err = getErr(t, res)
	assert.ErrorIs(t, err, &TaskError{Type: errTypeChord})
	assert.Contains(t, err.Error(), "ValueError")

	select {
	case id := <-failed:
		assert.Equal(t, res.ID(), id)
	case <-time.After(waitTimeout):
		t.Fatal("errback not called")
	}
}

func TestChord_NeedsBackend(t *testing.T) {
	cfg := memConfig()
	cfg.Backend = BackendConfig{}
	a := newTestApp(t, cfg)
	tt := registerTestTasks(a)

	_, err := Chord([]Signature{tt.add.S(1, 1)}, tt.xsum.S()).ApplyAsync(context.Background())
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestChord_NestedHeaderRejected(t *testing.T) {
	a, tt := canvasApp(t)
	_, err := a.Apply(context.Background(), Chord([]Signature{Group(tt.add.S(1, 1))}, tt.xsum.S()))
	assert.Error(t, err)
}

func TestStarmap(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.add.Starmap([][]any{{1, 1}, {2, 2}, {3, 3}}).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ints(2, 4, 6), get(t, res))
}

func TestMap(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.double.Map([]any{1, 2, 3}).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ints(2, 4, 6), get(t, res))
}

func TestMap_TaskErrorFailsWholeCall(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.double.Map([]any{1, "x"}).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, getErr(t, res), &TaskError{Type: "TypeError"})
}

func TestChunks(t *testing.T) {
	_, tt := canvasApp(t)
	pairs := make([][]any, 5)
	for i := range pairs {
		pairs[i] = []any{i, i}
	}
	sig := tt.add.Chunks(pairs, 2)
	assert.Equal(t, KindGroup, sig.Kind)
	assert.Len(t, sig.Tasks, 3)

	res, err := sig.ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{ints(0, 2), ints(4, 6), ints(8)}, get(t, res))
}

func TestLink(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.add.ApplyAsync(context.Background(), []any{2, 2}, Link(tt.add.S(10)))
	require.NoError(t, err)
	assert.Equal(t, int64(4), get(t, res))

	children := res.Children(context.Background())
	require.Len(t, children, 1)
	assert.Equal(t, int64(14), get(t, children[0]))
	assert.Equal(t, res.ID(), mustMeta(t, children[0]).ParentID)
}

func TestLinkError(t *testing.T) {
	a, tt := canvasApp(t)
	failed := make(chan string, 1)
	onErr := a.Task("t.on_error", func(_ context.Context, c *Call) (any, error) {
		id, err := c.String(0)
		failed <- id
		return nil, err
	})

	res, err := tt.fail.ApplyAsync(context.Background(), nil, LinkError(onErr.S()), Link(tt.add.S(1)))
	require.NoError(t, err)
	assert.ErrorIs(t, getErr(t, res), &TaskError{Type: "ValueError", Message: "boom"})

	select {
	case id := <-failed:
		assert.Equal(t, res.ID(), id)
	case <-time.After(waitTimeout):
		t.Fatal("errback not called")
	}
}

func TestApply_OnQueue(t *testing.T) {
	a := newTestApp(t, memConfig())
	tt := registerTestTasks(a)
	startWorker(t, a, "math")

	res, err := Chain(tt.add.S(1, 2), tt.mul.S(3)).Set(OnQueue("math")).ApplyAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), get(t, res))
	assert.Equal(t, "math", mustMeta(t, res).Queue)
}

func TestApply_WithTaskID(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.add.ApplyAsync(context.Background(), []any{1, 1}, WithTaskID("fixed-id"))
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", res.ID())
	assert.Equal(t, int64(2), get(t, res))
}

func TestAsyncResult_Forget(t *testing.T) {
	_, tt := canvasApp(t)
	res, err := tt.add.Delay(context.Background(), 1, 1)
	require.NoError(t, err)
	get(t, res)

	require.NoError(t, res.Forget(context.Background()))
	st, err := res.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePending, st)
}

func TestAsyncResult_NoBackend(t *testing.T) {
	a := newTestApp(t, Config{})
	r := a.AsyncResult("x")
	_, err := r.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.ErrorIs(t, r.Forget(context.Background()), ErrNoBackend)
}

func TestAsyncResult_WaitTimeout(t *testing.T) {
	a := newTestApp(t, memConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := a.AsyncResult("never").Get(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, strings.Contains(err.Error(), "never"))
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func mustMeta(t *testing.T, r Result) *TaskMeta {
	t.Helper()
	ar, ok := r.(*AsyncResult)
	require.True(t, ok)
	m, err := ar.Meta(context.Background())
	require.NoError(t, err)
	return m
}
