// Package command implements the command boundary of KeyvalDB: declarative
// per-command schemas, validation of tokenized commands into typed
// arguments, and the typed Reply produced back to the transport.
//
// Options are prefixed with '-' to distinguish them from positional
// arguments (e.g. SET k v -EX 10 -NX). Validation rejects unknown options,
// missing positionals and mutually-exclusive combinations before any
// dispatch, so a command that fails validation never has partial effects.
package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/anirudhdahiya9/keyval-db/internal/store"
)

// Command is a validated, typed command ready for dispatch. The set of
// implementations is closed; the executor switches exhaustively over it.
type Command interface {
	CommandName() string
}

// Get returns the string value at a key.
type Get struct{ Key string }

// Set stores a string value with optional expiry and existence guards.
// ExpireAt is already absolute; a zero time means no expiry requested.
type Set struct {
	Key      string
	Value    string
	ExpireAt time.Time
	KeepTTL  bool
	NX       bool
	XX       bool
}

// Expire sets an absolute expiry on an existing key.
type Expire struct {
	Key      string
	ExpireAt time.Time
}

// TTL reports the remaining time to live of a key in seconds.
type TTL struct{ Key string }

// Del removes one or more keys.
type Del struct{ Keys []string }

// Select switches the session to the logical database at Index.
type Select struct{ Index int }

// Deselect returns the session to the unselected state.
type Deselect struct{}

// ZAdd inserts or updates sorted-set members. With Incr set it behaves like
// ZINCRBY and Members holds exactly one pair.
type ZAdd struct {
	Key     string
	NX      bool
	XX      bool
	CH      bool
	Incr    bool
	Members []store.ScoredMember
}

// ZRank returns the zero-based ascending rank of a member.
type ZRank struct {
	Key    string
	Member string
}

// ZRange returns members for an inclusive index range.
type ZRange struct {
	Key        string
	Start      int
	Stop       int
	WithScores bool
}

// Ping is a liveness check.
type Ping struct{}

// Exit closes the session.
type Exit struct{}

func (Get) CommandName() string      { return "GET" }
func (Set) CommandName() string      { return "SET" }
func (Expire) CommandName() string   { return "EXPIRE" }
func (TTL) CommandName() string      { return "TTL" }
func (Del) CommandName() string      { return "DEL" }
func (Select) CommandName() string   { return "SELECT" }
func (Deselect) CommandName() string { return "DESELECT" }
func (ZAdd) CommandName() string     { return "ZADD" }
func (ZRank) CommandName() string    { return "ZRANK" }
func (ZRange) CommandName() string   { return "ZRANGE" }
func (Ping) CommandName() string     { return "PING" }
func (Exit) CommandName() string     { return "EXIT" }

// optionSpec describes one named option of a command.
type optionSpec struct {
	hasValue bool
}

// schema is the declarative shape of one command: positional arity, the
// legal options, and mutual-exclusion groups among them.
type schema struct {
	minArgs   int
	maxArgs   int // -1 means variadic
	options   map[string]optionSpec
	exclusive [][]string
}

var schemas = map[string]schema{
	"GET":    {minArgs: 1, maxArgs: 1},
	"SET": {
		minArgs: 2, maxArgs: 2,
		options: map[string]optionSpec{
			"EX":      {hasValue: true},
			"PX":      {hasValue: true},
			"NX":      {},
			"XX":      {},
			"KEEPTTL": {},
		},
		exclusive: [][]string{
			{"EX", "PX", "KEEPTTL"},
			{"NX", "XX"},
		},
	},
	"EXPIRE":   {minArgs: 2, maxArgs: 2},
	"TTL":      {minArgs: 1, maxArgs: 1},
	"DEL":      {minArgs: 1, maxArgs: -1},
	"SELECT":   {minArgs: 1, maxArgs: 1},
	"DESELECT": {minArgs: 0, maxArgs: 0},
	"ZADD": {
		minArgs: 3, maxArgs: -1,
		options: map[string]optionSpec{
			"NX":   {},
			"XX":   {},
			"CH":   {},
			"INCR": {},
		},
		exclusive: [][]string{{"NX", "XX"}},
	},
	"ZRANK":  {minArgs: 2, maxArgs: 2},
	"ZRANGE": {
		minArgs: 3, maxArgs: 3,
		options: map[string]optionSpec{"WITHSCORES": {}},
	},
	"PING": {minArgs: 0, maxArgs: 0},
	"EXIT": {minArgs: 0, maxArgs: 0},
}

// Names returns the known command names, for help output.
func Names() []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	return names
}

// parsed is the schema-validated raw form of a command before typing.
type parsed struct {
	args []string
	opts map[string]string // option name -> value ("" for flags)
}

func (p parsed) has(name string) bool {
	_, ok := p.opts[name]
	return ok
}

// isOptionToken reports whether tok names an option. A leading '-' followed
// by a number is a negative positional (ZRANGE indices, ZADD scores), not an
// option.
func isOptionToken(tok string) bool {
	if len(tok) < 2 || tok[0] != '-' {
		return false
	}
	if _, err := strconv.ParseFloat(tok[1:], 64); err == nil {
		return false
	}
	return true
}

// validate splits tokens into positionals and options against a schema.
func validate(name string, tokens []string, s schema) (parsed, *Error) {
	p := parsed{opts: make(map[string]string)}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !isOptionToken(tok) {
			p.args = append(p.args, tok)
			continue
		}

		opt := strings.ToUpper(tok[1:])
		spec, ok := s.options[opt]
		if !ok {
			return p, Errorf(ErrArgument, "unknown option '-%s' for %s", opt, name)
		}
		if _, dup := p.opts[opt]; dup {
			return p, Errorf(ErrArgument, "option '-%s' given more than once", opt)
		}

		value := ""
		if spec.hasValue {
			if i+1 >= len(tokens) {
				return p, Errorf(ErrArgument, "option '-%s' requires a value", opt)
			}
			i++
			value = tokens[i]
		}
		p.opts[opt] = value
	}

	if len(p.args) < s.minArgs {
		return p, Errorf(ErrArgument, "wrong number of arguments for '%s'", name)
	}
	if s.maxArgs >= 0 && len(p.args) > s.maxArgs {
		return p, Errorf(ErrArgument, "wrong number of arguments for '%s'", name)
	}

	for _, group := range s.exclusive {
		present := make([]string, 0, 2)
		for _, opt := range group {
			if p.has(opt) {
				present = append(present, opt)
			}
		}
		if len(present) > 1 {
			return p, Errorf(ErrArgument, "options -%s and -%s are mutually exclusive",
				present[0], present[1])
		}
	}

	return p, nil
}

// Parse validates tokens into a typed Command. The first token is the
// command name, case-insensitive. now anchors relative expiry options
// (EX/PX, EXPIRE seconds), which are resolved to absolute timestamps here
// so that everything downstream is time-independent.
func Parse(tokens []string, now time.Time) (Command, *Error) {
	if len(tokens) == 0 {
		return nil, Errorf(ErrArgument, "empty command")
	}

	name := strings.ToUpper(tokens[0])
	s, ok := schemas[name]
	if !ok {
		return nil, Errorf(ErrArgument, "unknown command '%s'", tokens[0])
	}

	p, err := validate(name, tokens[1:], s)
	if err != nil {
		return nil, err
	}

	switch name {
	case "GET":
		return Get{Key: p.args[0]}, nil

	case "SET":
		cmd := Set{
			Key:     p.args[0],
			Value:   p.args[1],
			KeepTTL: p.has("KEEPTTL"),
			NX:      p.has("NX"),
			XX:      p.has("XX"),
		}
		if v, ok := p.opts["EX"]; ok {
			secs, err := parsePositiveInt(v, "EX")
			if err != nil {
				return nil, err
			}
			cmd.ExpireAt = now.Add(time.Duration(secs) * time.Second)
		}
		if v, ok := p.opts["PX"]; ok {
			millis, err := parsePositiveInt(v, "PX")
			if err != nil {
				return nil, err
			}
			cmd.ExpireAt = now.Add(time.Duration(millis) * time.Millisecond)
		}
		return cmd, nil

	case "EXPIRE":
		secs, err := parsePositiveInt(p.args[1], "seconds")
		if err != nil {
			return nil, err
		}
		return Expire{Key: p.args[0], ExpireAt: now.Add(time.Duration(secs) * time.Second)}, nil

	case "TTL":
		return TTL{Key: p.args[0]}, nil

	case "DEL":
		return Del{Keys: p.args}, nil

	case "SELECT":
		index, convErr := strconv.Atoi(p.args[0])
		if convErr != nil {
			return nil, Errorf(ErrArgument, "database index must be an integer")
		}
		return Select{Index: index}, nil

	case "DESELECT":
		return Deselect{}, nil

	case "ZADD":
		cmd := ZAdd{
			Key:  p.args[0],
			NX:   p.has("NX"),
			XX:   p.has("XX"),
			CH:   p.has("CH"),
			Incr: p.has("INCR"),
		}
		pairs := p.args[1:]
		if len(pairs)%2 != 0 {
			return nil, Errorf(ErrArgument, "score and member must come in pairs")
		}
		for i := 0; i < len(pairs); i += 2 {
			score, convErr := strconv.ParseFloat(pairs[i], 64)
			if convErr != nil {
				return nil, Errorf(ErrArgument, "score '%s' is not a valid float", pairs[i])
			}
			cmd.Members = append(cmd.Members, store.ScoredMember{
				Member: pairs[i+1],
				Score:  score,
			})
		}
		if cmd.Incr && len(cmd.Members) != 1 {
			return nil, Errorf(ErrArgument, "-INCR takes exactly one score-member pair")
		}
		return cmd, nil

	case "ZRANK":
		return ZRank{Key: p.args[0], Member: p.args[1]}, nil

	case "ZRANGE":
		start, convErr := strconv.Atoi(p.args[1])
		if convErr != nil {
			return nil, Errorf(ErrArgument, "start must be an integer")
		}
		stop, convErr := strconv.Atoi(p.args[2])
		if convErr != nil {
			return nil, Errorf(ErrArgument, "stop must be an integer")
		}
		return ZRange{Key: p.args[0], Start: start, Stop: stop, WithScores: p.has("WITHSCORES")}, nil

	case "PING":
		return Ping{}, nil

	case "EXIT":
		return Exit{}, nil
	}

	return nil, Errorf(ErrArgument, "unknown command '%s'", name)
}

func parsePositiveInt(s, what string) (int64, *Error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, Errorf(ErrArgument, "%s must be an integer", what)
	}
	if n <= 0 {
		return 0, Errorf(ErrArgument, "%s must be positive", what)
	}
	return n, nil
}
