package routing

import (
	"strings"
)

// ZCommand is a parsed user directive from the first message line.
type ZCommand struct {
	Active    bool
	Help      bool
	Route     string
	Model     string
	Tools     []string
	ToolInput string
	// Message is the user message with the directive stripped.
	Message string
	// Raw echoes the directive text for the wire log.
	Raw string
}

// directivePrefix marks a directive, case-insensitive, first line only.
const directivePrefix = "z:"

// routeAliases map directive tokens to configured route names.
var routeAliases = map[string]string{
	"simple":  "fast",
	"fast":    "fast",
	"complex": "large",
	"large":   "large",
	"reason":  "large",
	"code":    "code",
}

// toolDirectives map directive tokens to registry tool names.
var toolDirectives = map[string]string{
	"search": "web_search",
	"calc":   "calculator",
	"memory": "memory",
}

// ParseZCommand extracts a directive from a user message. A message
// without the prefix returns an inactive command with Message untouched.
func ParseZCommand(message string) *ZCommand {
	cmd := &ZCommand{Message: message}

	firstLine, rest, hasRest := strings.Cut(message, "\n")
	trimmed := strings.TrimSpace(firstLine)
	if len(trimmed) < len(directivePrefix) ||
		!strings.EqualFold(trimmed[:len(directivePrefix)], directivePrefix) {
		return cmd
	}

	cmd.Active = true
	after := strings.TrimSpace(trimmed[len(directivePrefix):])
	if after == "" {
		cmd.Message = restOrEmpty(rest, hasRest)
		return cmd
	}

	token, remainder, _ := strings.Cut(after, " ")
	remainder = strings.TrimSpace(remainder)
	cmd.Raw = token

	if strings.EqualFold(token, "help") {
		cmd.Help = true
		cmd.Message = joinLines(remainder, rest, hasRest)
		return cmd
	}

	subTokens := strings.Split(token, ",")
	matched := make([]func(), 0, len(subTokens))
	consumeRemainder := false

	for _, sub := range subTokens {
		sub = strings.ToLower(strings.TrimSpace(sub))
		switch {
		case sub == "help":
			matched = append(matched, func() { cmd.Help = true })
		case routeAliases[sub] != "":
			route := routeAliases[sub]
			matched = append(matched, func() { cmd.Route = route })
		case toolDirectives[sub] != "":
			tool := toolDirectives[sub]
			matched = append(matched, func() { cmd.Tools = append(cmd.Tools, tool) })
			if sub == "calc" {
				consumeRemainder = true
			}
		case strings.Contains(sub, ":") || strings.Contains(sub, "/"):
			model := sub
			matched = append(matched, func() { cmd.Model = model })
		default:
			// An unrecognized sub-token means the directive token is
			// really the start of the message.
			cmd.Message = joinLines(after, rest, hasRest)
			return cmd
		}
	}

	for _, apply := range matched {
		apply()
	}

	if consumeRemainder {
		cmd.ToolInput = remainder
		cmd.Message = restOrEmpty(rest, hasRest)
		if cmd.Message == "" {
			cmd.Message = remainder
		}
		return cmd
	}

	cmd.Message = joinLines(remainder, rest, hasRest)
	return cmd
}

func restOrEmpty(rest string, hasRest bool) string {
	if !hasRest {
		return ""
	}
	return rest
}

func joinLines(first, rest string, hasRest bool) string {
	if !hasRest {
		return first
	}
	if first == "" {
		return rest
	}
	return first + "\n" + rest
}

// HelpText is the canned response for the help directive.
const HelpText = `BeigeBox directives (first line, comma-separated):
  z: simple | complex | code | reason   route to a model tier
  z: <model:tag>                        route to an exact model
  z: search | memory                    run a tool before answering
  z: calc <expression>                  run the calculator on the expression
  z: help                               show this message
Directives compose: "z: complex,search what changed in go 1.24?"`
