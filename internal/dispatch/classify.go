package dispatch

import "strings"

// ExtensionPrefix is the reserved first word of administrative commands.
const ExtensionPrefix = "cbash"

// Kind tags the variant of a classified command line.
type Kind int

const (
	KindEmpty Kind = iota
	KindCd
	KindClear
	KindExtension
	KindPassThrough
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindCd:
		return "cd"
	case KindClear:
		return "clear"
	case KindExtension:
		return "extension"
	case KindPassThrough:
		return "pass_through"
	default:
		return "unknown"
	}
}

// Command is a classified input line. Only the fields of its Kind are set:
// Path for KindCd, Sub and Args for KindExtension, Text for KindPassThrough.
type Command struct {
	Kind Kind
	// Raw is the line as received.
	Raw  string
	Path string
	Sub  string
	Args []string
	Text string
}

// Classify turns a raw line into a Command. The checks run in fixed order:
// empty, cd, clear, extension, pass-through.
func Classify(line string) Command {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Kind: KindEmpty, Raw: line}
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "cd":
		return Command{Kind: KindCd, Raw: line, Path: strings.TrimSpace(trimmed[len("cd"):])}
	case "clear":
		if len(fields) == 1 {
			return Command{Kind: KindClear, Raw: line}
		}
	case ExtensionPrefix:
		cmd := Command{Kind: KindExtension, Raw: line}
		if len(fields) > 1 {
			cmd.Sub = fields[1]
			cmd.Args = fields[2:]
		}
		return cmd
	}
	return Command{Kind: KindPassThrough, Raw: line, Text: trimmed}
}

// Name is the label used for metrics: the built-in name or the program.
func (c Command) Name() string {
	switch c.Kind {
	case KindCd:
		return "cd"
	case KindClear:
		return "clear"
	case KindExtension:
		return ExtensionPrefix
	case KindPassThrough:
		return strings.Fields(c.Text)[0]
	default:
		return ""
	}
}
