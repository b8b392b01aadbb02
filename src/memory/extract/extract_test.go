package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/models"
)

func userTurn(owner, text string) model.ChatTurn {
	return model.ChatTurn{Owner: owner, Role: model.RoleUser, Text: text}
}

func TestUserTurns(t *testing.T) {
	ctx := context.Background()
	got, err := UserTurns{}.Extract(ctx, userTurn("alice", "I live in Lisbon. What's the weather like? Ok. I live in lisbon.\nMy sister is a nurse!"))
	require.NoError(t, err)
	assert.Equal(t, []string{"I live in Lisbon.", "My sister is a nurse!"}, got)

	got, err = UserTurns{}.Extract(ctx, model.ChatTurn{Owner: "alice", Role: model.RoleAssistant, Text: "You live in Lisbon."})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = UserTurns{MinChars: 3}.Extract(ctx, userTurn("alice", "Ok."))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ok."}, got)
}

func TestCyclesEmitsEveryN(t *testing.T) {
	ctx := context.Background()
	c, err := NewCycles(3)
	require.NoError(t, err)

	for _, text := range []string{"hi", "I like tea"} {
		got, err := c.Extract(ctx, userTurn("alice", text))
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	got, err := c.Extract(ctx, model.ChatTurn{Owner: "alice", Role: model.RoleAssistant, Text: "noted"})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = c.Extract(ctx, userTurn("bob", "I like coffee"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Pending("alice"))
	assert.Equal(t, 1, c.Pending("bob"))
	assert.Equal(t, []string{"alice", "bob"}, c.Owners())

	got, err = c.Extract(ctx, userTurn("alice", "and biscuits"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi I like tea and biscuits"}, got)
	assert.Zero(t, c.Pending("alice"))

	assert.Equal(t, []string{"I like coffee"}, c.Flush("bob"))
	assert.Nil(t, c.Flush("bob"))
	assert.Empty(t, c.Owners())

	_, err = NewCycles(0)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestLLMExtractor(t *testing.T) {
	ctx := context.Background()
	llm := models.NewDummyLLM("- The user lives in Lisbon.\n2. The user has a sister\n\n* the user lives in lisbon.")
	e, err := NewLLM(llm, nil, zerolog.Nop())
	require.NoError(t, err)

	got, err := e.Extract(ctx, userTurn("alice", "I moved to Lisbon to be near my sister"))
	require.NoError(t, err)
	assert.Equal(t, []string{"The user lives in Lisbon.", "The user has a sister"}, got)
	require.Len(t, llm.Prompts(), 1)
	assert.Contains(t, llm.Prompts()[0], "I moved to Lisbon")
}

func TestLLMExtractorNothingToRemember(t *testing.T) {
	e, err := NewLLM(models.NewDummyLLM("NONE."), nil, zerolog.Nop())
	require.NoError(t, err)
	got, err := e.Extract(context.Background(), userTurn("alice", "hello there"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLLMExtractorFallsBack(t *testing.T) {
	llm := models.NewDummyLLM("")
	llm.Err = errors.New("rate limited")
	e, err := NewLLM(llm, nil, zerolog.Nop())
	require.NoError(t, err)

	got, err := e.Extract(context.Background(), userTurn("alice", "I live in Lisbon. Why?"))
	require.NoError(t, err)
	assert.Equal(t, []string{"I live in Lisbon."}, got)

	_, err = NewLLM(nil, nil, zerolog.Nop())
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestParseFactsKeepsLeadingNumbers(t *testing.T) {
	assert.Equal(t, []string{"3 cats live with the user"}, parseFacts("1. 3 cats live with the user"))
}
