package policy

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is a simple command parsed from a shell command line.
type Command struct {
	Name       string   // Command name (e.g., "rm", "git")
	Args       []string // Command arguments
	Subcommand string   // First non-flag argument (e.g., "commit" in "git commit")
	Source     string   // Source text of the whole simple command
}

func parseShell(command string) (*syntax.File, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	return file, nil
}

// ParseCommands splits a command line into its simple commands, including
// those nested in command substitutions, in source order.
func ParseCommands(command string) ([]Command, error) {
	file, err := parseShell(command)
	if err != nil {
		return nil, err
	}

	var commands []Command
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd, ok := extractCommand(command, call); ok {
				commands = append(commands, cmd)
			}
		}
		return true
	})
	return commands, nil
}

// SimpleCommands returns the source text of every simple command.
func SimpleCommands(command string) ([]string, error) {
	commands, err := ParseCommands(command)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(commands))
	for i, cmd := range commands {
		out[i] = cmd.Source
	}
	return out, nil
}

func extractCommand(src string, call *syntax.CallExpr) (Command, bool) {
	if len(call.Args) == 0 {
		return Command{}, false
	}

	cmd := Command{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return Command{}, false
	}
	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)
		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}

	start, end := int(call.Pos().Offset()), int(call.End().Offset())
	if start >= 0 && end <= len(src) && start < end {
		cmd.Source = src[start:end]
	} else {
		cmd.Source = strings.TrimSpace(strings.Join(append([]string{cmd.Name}, cmd.Args...), " "))
	}
	return cmd, true
}

// wordToString converts a syntax.Word to a string.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// SuggestPattern proposes the narrowest pattern an allow-always answer could
// grant for a call. Shell tools get "Name(cmd sub*)" when every simple
// command shares it; other tools and unparsable calls get the bare tool name.
func SuggestPattern(toolName string, args map[string]any, cat *Catalog) string {
	spec, ok := cat.Spec(toolName)
	if !ok || !spec.Shell || spec.PrimaryArg == "" {
		return toolName
	}
	command, _ := args[spec.PrimaryArg].(string)
	commands, err := ParseCommands(command)
	if err != nil || len(commands) == 0 {
		return toolName
	}

	prefix := ""
	for _, cmd := range commands {
		candidate := cmd.Name
		if cmd.Subcommand != "" && len(cmd.Args) > 0 && cmd.Args[0] == cmd.Subcommand {
			candidate += " " + cmd.Subcommand
		}
		if prefix == "" {
			prefix = candidate
			continue
		}
		if prefix != candidate {
			return toolName
		}
	}
	if prefix == "" || strings.ContainsAny(prefix, "()*") {
		return toolName
	}

	pattern := fmt.Sprintf("%s(%s*)", toolName, prefix)
	if _, err := Parse(pattern, Allow); err != nil {
		return toolName
	}
	// the pattern must cover the call it was derived from
	if !shellPrefixMatch(command, prefix) {
		return toolName
	}
	return pattern
}
