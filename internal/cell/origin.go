package cell

import "strings"

// Origin records which subsystem last wrote a cell. It is a closed sum
// type except for the parameterized Bot variant; string form is used
// only at the store boundary.
type Origin struct {
	kind botOrFixed
	bot  string // only meaningful when kind == originBot
}

type botOrFixed int8

const (
	originRemote botOrFixed = iota
	originLocalTerminal
	originWorker
	originSystem
	originBot
)

var (
	// OriginRemote marks a cell as last written by the remote sheet.
	OriginRemote = Origin{kind: originRemote}
	// OriginLocalTerminal marks a cell as last written by direct SQL.
	OriginLocalTerminal = Origin{kind: originLocalTerminal}
	// OriginWorker marks a cell as last written by the job-queue worker.
	OriginWorker = Origin{kind: originWorker}
	// OriginSystem marks a cell as written during bootstrap.
	OriginSystem = Origin{kind: originSystem}
)

// OriginBot constructs a stress-test bot origin tag; name must be non-empty.
func OriginBot(name string) Origin {
	if name == "" {
		panic("cell: bot origin requires a non-empty name")
	}
	return Origin{kind: originBot, bot: name}
}

// IsRemote reports whether the origin is exactly OriginRemote. Used
// pervasively by the echo-suppression protocol to decide whether a cell is
// eligible for outbound push.
func (o Origin) IsRemote() bool {
	return o.kind == originRemote
}

// String renders the wire/store form, e.g. "remote", "local-terminal",
// "worker", "system", or "bot-<name>".
func (o Origin) String() string {
	switch o.kind {
	case originRemote:
		return "remote"
	case originLocalTerminal:
		return "local-terminal"
	case originWorker:
		return "worker"
	case originSystem:
		return "system"
	case originBot:
		return "bot-" + o.bot
	default:
		return "unknown"
	}
}

// ParseOrigin parses the store-boundary string form produced by String.
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "remote":
		return OriginRemote, nil
	case "local-terminal":
		return OriginLocalTerminal, nil
	case "worker":
		return OriginWorker, nil
	case "system":
		return OriginSystem, nil
	}
	if name, ok := strings.CutPrefix(s, "bot-"); ok && name != "" {
		return OriginBot(name), nil
	}
	return Origin{}, &invalidOriginError{s}
}

type invalidOriginError struct{ raw string }

func (e *invalidOriginError) Error() string {
	return "cell: invalid origin " + e.raw
}
