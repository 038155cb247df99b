package human

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func shortTimeouts() Timeouts {
	return Timeouts{
		Confirm:     30 * time.Millisecond,
		Destructive: 20 * time.Millisecond,
		DoubleStep:  10 * time.Millisecond,
		Choice:      30 * time.Millisecond,
		Input:       30 * time.Millisecond,
	}
}

func TestDefaultTimeouts(t *testing.T) {
	d := DefaultTimeouts()
	assert.Equal(t, 5*time.Minute, d.forKind(KindConfirm))
	assert.Equal(t, 2*time.Minute, d.forKind(KindDestructive))
	assert.Equal(t, time.Minute, d.DoubleStep)

	filled := Timeouts{Confirm: time.Second}.withDefaults()
	assert.Equal(t, time.Second, filled.Confirm)
	assert.Equal(t, 2*time.Minute, filled.Destructive)
}

func TestTimed_AnsweredPrompt(t *testing.T) {
	ch := NewScripted(Response{Choice: ChoiceYes})
	timed := NewTimed(ch, shortTimeouts(), nil)

	ok, err := timed.Confirm(context.Background(), "deploy", "Continue?", "")
	require.NoError(t, err)
	assert.True(t, ok)

	asked := ch.Asked()
	require.Len(t, asked, 1)
	assert.NotEmpty(t, asked[0].ID)
	assert.Equal(t, "deploy", asked[0].StepID)
}

func TestTimed_TimeoutAborts(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	timed := NewTimed(NewScripted(), shortTimeouts(), zap.New(core))

	var fired time.Duration
	timed.OnTimeout(func(_ Prompt, limit time.Duration) { fired = limit })

	start := time.Now()
	resp, err := timed.Ask(context.Background(), Prompt{Kind: KindDestructive, Title: "Drop table?"})
	require.NoError(t, err)
	assert.True(t, resp.Aborted())
	assert.True(t, resp.TimedOut)
	assert.False(t, resp.Approved())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 20*time.Millisecond, fired)
	assert.Equal(t, 1, logs.FilterMessage("prompt timed out, aborting").Len())
}

func TestTimed_ParentCancelIsAnError(t *testing.T) {
	timed := NewTimed(NewScripted(), shortTimeouts(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := timed.Ask(ctx, Prompt{Kind: KindConfirm})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimed_DoubleConfirmation(t *testing.T) {
	t.Run("both approved", func(t *testing.T) {
		ch := NewScripted(Response{Choice: ChoiceYes}, Response{Choice: ChoiceYes})
		resp, err := NewTimed(ch, shortTimeouts(), nil).Ask(context.Background(),
			Prompt{Kind: KindDestructive, Title: "Delete branch", Double: true})
		require.NoError(t, err)
		assert.True(t, resp.Approved())
		asked := ch.Asked()
		require.Len(t, asked, 2)
		assert.True(t, strings.HasPrefix(asked[1].Title, "Confirm again"))
	})

	t.Run("first declined", func(t *testing.T) {
		ch := NewScripted(Response{Choice: ChoiceNo})
		resp, err := NewTimed(ch, shortTimeouts(), nil).Ask(context.Background(),
			Prompt{Kind: KindDestructive, Double: true})
		require.NoError(t, err)
		assert.False(t, resp.Approved())
		assert.Len(t, ch.Asked(), 1)
	})

	t.Run("second step times out", func(t *testing.T) {
		ch := NewScripted(Response{Choice: ChoiceYes})
		resp, err := NewTimed(ch, shortTimeouts(), nil).Ask(context.Background(),
			Prompt{Kind: KindDestructive, Double: true})
		require.NoError(t, err)
		assert.True(t, resp.Aborted())
	})
}

func TestTimed_ProvideValue(t *testing.T) {
	timed := NewTimed(NewScripted(Response{Value: "eu-west-1"}), shortTimeouts(), nil)
	v, err := timed.ProvideValue(context.Background(), "REGION", "missing")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", v)

	_, err = timed.ProvideValue(context.Background(), "REGION", "missing")
	assert.ErrorIs(t, err, ErrTimedOut)

	aborting := NewTimed(NewScripted(Response{Choice: ChoiceAbort}), shortTimeouts(), nil)
	_, err = aborting.ProvideValue(context.Background(), "REGION", "missing")
	assert.ErrorIs(t, err, ErrAborted)
}

func TestConsole_Choice(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("x\nb\n"), &out)

	resp, err := c.Ask(context.Background(), Prompt{
		Kind:        KindChoice,
		Title:       "Pick one",
		Options:     []Option{{Key: "A", Label: "Advanced"}, {Key: "B", Label: "Basic"}},
		Recommended: "A",
	})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Choice)
	assert.Contains(t, out.String(), "Advanced")
	assert.Contains(t, out.String(), "recommended")
	assert.Contains(t, out.String(), "unrecognised answer")
}

func TestConsole_ConfirmAndInput(t *testing.T) {
	c := NewConsole(strings.NewReader("Y\nsecret-value\n"), io.Discard)

	resp, err := c.Ask(context.Background(), Prompt{Kind: KindConfirm, Title: "ok?"})
	require.NoError(t, err)
	assert.True(t, resp.Approved())

	resp, err = c.Ask(context.Background(), Prompt{Kind: KindInput, Title: "value"})
	require.NoError(t, err)
	assert.Equal(t, "secret-value", resp.Value)

	_, err = c.Ask(context.Background(), Prompt{Kind: KindInput})
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsole_TimeoutThroughTimed(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewConsole(pr, io.Discard)
	timed := NewTimed(c, shortTimeouts(), nil)

	resp, err := timed.Ask(context.Background(), Prompt{Kind: KindConfirm, Title: "still there?"})
	require.NoError(t, err)
	assert.Equal(t, AbortResponse, resp)
}

func TestRender_Destructive(t *testing.T) {
	s := Render(Prompt{Kind: KindDestructive, Title: "Force push", Body: "rewrites history"})
	assert.Contains(t, s, "Force push")
	assert.Contains(t, s, "rewrites history")
	assert.Contains(t, s, "yes / no / abort")
}
