package subject_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/subject"
)

func TestBuild(t *testing.T) {
	assert.Equal(t, "rosey.platform.cytube.message", subject.Build("platform", "cytube", "message"))
	assert.Equal(t, "rosey.platform.cytube.message", subject.Build("rosey", "platform", "cytube", "message"))
	assert.Equal(t, "rosey", subject.Build())
}

func TestParse(t *testing.T) {
	tokens, err := subject.Parse("rosey.platform.cytube.message")
	require.NoError(t, err)
	assert.Equal(t, []string{"rosey", "platform", "cytube", "message"}, tokens)
}

func TestDescribePlatform(t *testing.T) {
	p, err := subject.Describe("rosey.platform.cytube.message")
	require.NoError(t, err)
	assert.Equal(t, "rosey", p.Base)
	assert.Equal(t, "platform", p.Category)
	assert.Equal(t, "cytube", p.Platform)
	assert.Equal(t, "message", p.Event)
}

func TestDescribeCommands(t *testing.T) {
	p, err := subject.Describe("rosey.commands.dice.roll")
	require.NoError(t, err)
	assert.Equal(t, "commands", p.Category)
	assert.Equal(t, "dice", p.Plugin)
	assert.Equal(t, "roll", p.Action)
}

func TestValidateRejectsWildcardsAndEmptyTokens(t *testing.T) {
	assert.NoError(t, subject.Validate("rosey.commands.trivia.answer"))
	assert.Error(t, subject.Validate(""))
	assert.Error(t, subject.Validate("platform.cytube.message"))
	assert.Error(t, subject.Validate("rosey..message"))
	assert.Error(t, subject.Validate("rosey.commands.*"))
	assert.Error(t, subject.Validate("rosey.events.>"))
}

func TestValidatePatternAllowsWildcards(t *testing.T) {
	assert.NoError(t, subject.ValidatePattern("rosey.commands.*.*"))
	assert.NoError(t, subject.ValidatePattern("rosey.events.>"))
	assert.Error(t, subject.ValidatePattern("rosey.events.>.tail"))
}

func TestMatches(t *testing.T) {
	assert.True(t, subject.Matches("rosey.commands.trivia.answer", "rosey.commands.*.*"))
	assert.False(t, subject.Matches("rosey.commands.trivia.answer", "rosey.events.>"))
	assert.True(t, subject.Matches("rosey.events.plugin.crashed", "rosey.events.>"))
	assert.True(t, subject.Matches("rosey.events.plugin.crashed.extra", "rosey.events.>"))
	assert.False(t, subject.Matches("rosey.events", "rosey.events.>"))
	assert.False(t, subject.Matches("rosey.commands.trivia", "rosey.commands.*.*"))
}

func TestMatchesEqualTokenCountWithoutRemainder(t *testing.T) {
	assert.False(t, subject.Matches("rosey.commands.trivia.answer.extra", "rosey.commands.*.*"))
}
