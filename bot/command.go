package bot

import "strings"

// Command keys handled by the Dispatcher.
const (
	CmdAgree = "!agree"
	CmdSafe  = "!ss"
	CmdApply = "!apply"
	CmdTTS   = "!tts"
)

// Command is a tokenized chat line: a lowercased key and its arguments.
type Command struct {
	Key  string
	Args []string
}

// Parse splits text on whitespace. The first token, lowercased, is the key.
// It returns false for blank input.
func Parse(text string) (Command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Key: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Rest joins the arguments back into a single string.
func (c Command) Rest() string { return strings.Join(c.Args, " ") }
