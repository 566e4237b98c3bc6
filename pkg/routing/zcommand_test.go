package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNoDirective(t *testing.T) {
	cmd := ParseZCommand("just a question")
	assert.False(t, cmd.Active)
	assert.Equal(t, "just a question", cmd.Message)
}

func TestParseRouteAlias(t *testing.T) {
	cmd := ParseZCommand("z: complex explain monads")
	assert.True(t, cmd.Active)
	assert.Equal(t, "large", cmd.Route)
	assert.Equal(t, "explain monads", cmd.Message)
}

func TestParseCaseInsensitive(t *testing.T) {
	cmd := ParseZCommand("Z: Simple hello")
	assert.True(t, cmd.Active)
	assert.Equal(t, "fast", cmd.Route)
	assert.Equal(t, "hello", cmd.Message)
}

func TestParseLiteralModel(t *testing.T) {
	cmd := ParseZCommand("z: qwen2.5:32b what is a monad")
	assert.Equal(t, "qwen2.5:32b", cmd.Model)
	assert.Empty(t, cmd.Route)
	assert.Equal(t, "what is a monad", cmd.Message)
}

func TestParseComposedDirectives(t *testing.T) {
	cmd := ParseZCommand("z: complex,search what changed in go 1.24?")
	assert.Equal(t, "large", cmd.Route)
	assert.Equal(t, []string{"web_search"}, cmd.Tools)
	assert.Equal(t, "what changed in go 1.24?", cmd.Message)
}

func TestParseCalcConsumesRemainder(t *testing.T) {
	cmd := ParseZCommand("z: calc 2 + 2 * 10")
	assert.Equal(t, []string{"calculator"}, cmd.Tools)
	assert.Equal(t, "2 + 2 * 10", cmd.ToolInput)
}

func TestParseHelp(t *testing.T) {
	cmd := ParseZCommand("z: help")
	assert.True(t, cmd.Help)
}

func TestParseUnknownTokenIsMessage(t *testing.T) {
	cmd := ParseZCommand("z: hello there")
	assert.True(t, cmd.Active)
	assert.Empty(t, cmd.Route)
	assert.Empty(t, cmd.Model)
	assert.Equal(t, "hello there", cmd.Message)
}

func TestParseKeepsFollowingLines(t *testing.T) {
	cmd := ParseZCommand("z: code review this\nfunc main() {}")
	assert.Equal(t, "code", cmd.Route)
	assert.Equal(t, "review this\nfunc main() {}", cmd.Message)
}

func TestParseDirectiveOnlyOnFirstLine(t *testing.T) {
	cmd := ParseZCommand("first line\nz: complex not a directive")
	assert.False(t, cmd.Active)
}
