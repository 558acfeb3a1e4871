package funnel

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/backend"
	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

func newFunnel(t *testing.T, abilities ...types.Ability) *Funnel {
	t.Helper()
	be, err := backend.NewEcho(backend.Params{Abilities: abilities})
	require.NoError(t, err)
	require.NoError(t, be.Load(context.Background()))
	f, err := New("m1", be, Config{Tick: 5 * time.Millisecond, RelayCapacity: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	f.Start()
	t.Cleanup(f.Stop)
	return f
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGenerateNonStreaming(t *testing.T) {
	f := newFunnel(t)
	res, err := f.Generate("hello there world", types.GenerateOptions{})
	require.NoError(t, err)
	require.False(t, res.Streaming())
	c, err := res.Promise.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "hello there world", c.Text)
	assert.Equal(t, "m1", c.Model)
	assert.Equal(t, res.ID, c.ID)
}

func TestChatStreaming(t *testing.T) {
	f := newFunnel(t)
	res, err := f.Chat("a b", "sys", []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}}, types.GenerateOptions{Stream: true})
	require.NoError(t, err)
	require.True(t, res.Streaming())
	ctx := testCtx(t)
	var got []string
	for {
		c, err := res.Stream.Next(ctx)
		if err != nil {
			break
		}
		got = append(got, c.Text)
	}
	assert.Equal(t, []string{"a", " b", ""}, got)
}

func TestUnsupportedAbility(t *testing.T) {
	f := newFunnel(t, types.AbilityGenerate)
	_, err := f.Chat("hi", "", nil, types.GenerateOptions{})
	assert.True(t, errdefs.IsUnsupported(err), "err=%v", err)
	_, err = f.Generate("hi", types.GenerateOptions{})
	assert.NoError(t, err)
}

func TestInvalidArguments(t *testing.T) {
	f := newFunnel(t)
	cases := map[string]types.GenerateOptions{
		"max_tokens":  {MaxTokens: -1},
		"temperature": {Temperature: -0.1},
		"top_p":       {TopP: 1.5},
		"top_k":       {TopK: -3},
	}
	for name, o := range cases {
		_, err := f.Generate("x", o)
		assert.True(t, errdefs.IsInvalidArgument(err), name)
	}
	_, err := f.Generate("", types.GenerateOptions{})
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = f.Chat("x", "", []types.ChatMessage{{Role: "robot", Content: "?"}}, types.GenerateOptions{})
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Equal(t, 0, f.Pending())
}

func TestRelayPullsToEnd(t *testing.T) {
	f := newFunnel(t)
	res, err := f.Generate("one two", types.GenerateOptions{Stream: true})
	require.NoError(t, err)
	id, err := f.OpenRelay(res)
	require.NoError(t, err)

	ctx := testCtx(t)
	r, err := f.Relay(id)
	require.NoError(t, err)
	var texts []string
	for {
		c, done, err := r.Next(ctx)
		require.NoError(t, err)
		if done {
			break
		}
		texts = append(texts, c.Text)
	}
	assert.Equal(t, []string{"one", " two", ""}, texts)
	_, err = f.Relay(id)
	assert.True(t, errdefs.IsNotFound(err), "exhausted relay should be gone")
}

func TestRelayRequiresStream(t *testing.T) {
	f := newFunnel(t)
	res, err := f.Generate("x", types.GenerateOptions{})
	require.NoError(t, err)
	_, err = f.OpenRelay(res)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestCloseRelayAbandonsStream(t *testing.T) {
	f := newFunnel(t)
	res, err := f.Generate("a b c d e f", types.GenerateOptions{Stream: true})
	require.NoError(t, err)
	id, _ := f.OpenRelay(res)
	require.NoError(t, f.CloseRelay(id))
	assert.True(t, res.Stream.Abandoned())
	assert.True(t, errdefs.IsNotFound(f.CloseRelay(id)))
	require.Eventually(t, func() bool { return f.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRelayTableEvictsOldest(t *testing.T) {
	f := newFunnel(t)
	var results []*Result
	for i := 0; i < 3; i++ {
		res, err := f.Generate("w w w w", types.GenerateOptions{Stream: true})
		require.NoError(t, err)
		_, err = f.OpenRelay(res)
		require.NoError(t, err)
		results = append(results, res)
	}
	assert.Equal(t, 2, f.RelayCount())
	assert.True(t, results[0].Stream.Abandoned())
	assert.False(t, results[2].Stream.Abandoned())
}

func TestStopFailsPendingCalls(t *testing.T) {
	be, _ := backend.NewEcho(backend.Params{Args: map[string]string{"step_delay_ms": "20"}})
	require.NoError(t, be.Load(context.Background()))
	f, err := New("slow", be, Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	f.Start()
	res, err := f.Generate("a b c d e f g h i j k l m n o p", types.GenerateOptions{})
	require.NoError(t, err)
	f.Stop()
	_, err = res.Promise.Wait(testCtx(t))
	assert.True(t, errdefs.IsInferenceFailure(err), "err=%v", err)
	_, err = f.Generate("again", types.GenerateOptions{})
	assert.True(t, errdefs.IsInferenceFailure(err))
}
