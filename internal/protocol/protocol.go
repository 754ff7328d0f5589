// Package protocol defines the line-oriented wire protocol spoken between the
// debug engine and its controller.
//
// Every line is either a command/response of the form ">Name<argument" or
// plain text. Plain text flowing to the engine is program statement input;
// plain text flowing from the engine is program output. Structured arguments
// and payloads are JSON arrays.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Markers delimiting a command name.
const (
	OpenMarker  = '>'
	CloseMarker = '<'
)

// Requests sent by the controller.
const (
	RequestOK        = ">OK?<"
	RequestLoad      = ">Load<"
	RequestStep      = ">Step<"
	RequestStepOver  = ">StepOver<"
	RequestStepOut   = ">StepOut<"
	RequestStepQuit  = ">StepQuit<"
	RequestContinue  = ">Continue<"
	RequestBreak     = ">Break<"
	RequestVariables = ">Variables<"
)

// Responses written by the engine.
const (
	ResponseOK        = ">OK<"
	ResponseContinue  = ">Continue<"
	ResponseException = ">Exception<"
	ResponseSyntax    = ">SyntaxError<"
	ResponseExit      = ">Exit<"
	ResponseLine      = ">Line<"
	ResponseRaw       = ">Raw<"
	ResponseVariables = ">Variables<"
)

// Scope selectors used by the variables request and response.
const (
	ScopeLocal        = 0
	ScopeGlobal       = 1
	ScopeSameAsGlobal = -1
)

// ErrMalformed is returned when a command argument cannot be decoded.
var ErrMalformed = errors.New("malformed argument")

// Command is a parsed command line. Name includes both markers.
type Command struct {
	Name string
	Arg  string
}

// ParseCommand splits a command line. It reports false for lines that are
// not commands: those not starting with the open marker or lacking a close
// marker. The command name ends at the first close marker in the line.
func ParseCommand(line string) (Command, bool) {
	if line == "" || line[0] != OpenMarker {
		return Command{}, false
	}
	eoc := strings.IndexByte(line, CloseMarker)
	if eoc < 0 {
		return Command{}, false
	}
	return Command{Name: line[:eoc+1], Arg: line[eoc+1:]}, true
}

// Location is a source position.
type Location struct {
	File string
	Line int
}

// Entry is one row of a variables dump.
type Entry struct {
	Name string
	Type string
	Repr string
}

// BreakArgs is the decoded argument of a break request.
type BreakArgs struct {
	File      string
	Line      int
	Set       bool
	Condition string // empty when the breakpoint is unconditional
}

// ParseBreak decodes "file,line,set,condition". The condition is everything
// after the third comma; the literal None means no condition.
func ParseBreak(arg string) (BreakArgs, error) {
	parts := strings.SplitN(arg, ",", 4)
	if len(parts) != 4 {
		return BreakArgs{}, fmt.Errorf("%w: break %q: want file,line,set,cond", ErrMalformed, arg)
	}

	line, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return BreakArgs{}, fmt.Errorf("%w: break line %q", ErrMalformed, parts[1])
	}
	set, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return BreakArgs{}, fmt.Errorf("%w: break flag %q", ErrMalformed, parts[2])
	}

	cond := strings.TrimSpace(parts[3])
	if cond == "None" {
		cond = ""
	}

	return BreakArgs{
		File:      parts[0],
		Line:      line,
		Set:       set != 0,
		Condition: cond,
	}, nil
}

// ParseLoad splits a load argument into the program path and its arguments.
func ParseLoad(arg string) (string, []string, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("%w: load needs a program path", ErrMalformed)
	}
	return fields[0], fields[1:], nil
}

// ParseVariables decodes "(scope, [filter, ...])". The JSON array form
// "[scope, [filter, ...]]" is accepted as well.
func ParseVariables(arg string) (int, []int, error) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "(") && strings.HasSuffix(arg, ")") {
		arg = "[" + arg[1:len(arg)-1] + "]"
	}
	if !gjson.Valid(arg) {
		return 0, nil, fmt.Errorf("%w: variables %q", ErrMalformed, arg)
	}

	res := gjson.Parse(arg)
	if !res.IsArray() {
		return 0, nil, fmt.Errorf("%w: variables %q is not a tuple", ErrMalformed, arg)
	}
	items := res.Array()
	if len(items) < 1 || items[0].Type != gjson.Number {
		return 0, nil, fmt.Errorf("%w: variables %q has no scope", ErrMalformed, arg)
	}

	var filter []int
	if len(items) > 1 {
		for _, f := range items[1].Array() {
			if f.Type != gjson.Number {
				return 0, nil, fmt.Errorf("%w: variables filter %s", ErrMalformed, f.Raw)
			}
			filter = append(filter, int(f.Int()))
		}
	}

	return int(items[0].Int()), filter, nil
}

// FormatLine builds a line-stop response.
func FormatLine(file string, line int) string {
	return fmt.Sprintf("%s%s,%d", ResponseLine, file, line)
}

// FormatExit builds an exit response.
func FormatExit(status int) string {
	return fmt.Sprintf("%s%d", ResponseExit, status)
}

// FormatRaw builds an input prompt response.
func FormatRaw(prompt string) string {
	return ResponseRaw + prompt
}

// FormatException builds an exception response carrying the error type, its
// message and the stack from innermost to outermost frame.
func FormatException(typ, message string, stack []Location) string {
	payload := "[]"
	payload = appendValue(payload, typ)
	payload = appendValue(payload, message)
	for _, loc := range stack {
		payload = appendRaw(payload, locationJSON(loc.File, loc.Line))
	}
	return ResponseException + payload
}

// FormatSyntaxError builds a syntax error response. When file is empty the
// location could not be extracted and the payload is an empty list.
func FormatSyntaxError(message, file string, line, column int) string {
	if file == "" {
		return ResponseSyntax + "[]"
	}
	loc := appendValue(locationJSON(file, line), column)

	payload := "[]"
	payload = appendValue(payload, message)
	payload = appendRaw(payload, loc)
	return ResponseSyntax + payload
}

// FormatVariables builds a variables response.
func FormatVariables(scope int, entries []Entry) string {
	payload := "[]"
	payload = appendValue(payload, scope)
	for _, e := range entries {
		row := "[]"
		row = appendValue(row, e.Name)
		row = appendValue(row, e.Type)
		row = appendValue(row, e.Repr)
		payload = appendRaw(payload, row)
	}
	return ResponseVariables + payload
}

func locationJSON(file string, line int) string {
	loc := "[]"
	loc = appendValue(loc, file)
	loc = appendValue(loc, line)
	return loc
}

// appendValue appends v to a JSON array. Inputs are always well-formed
// arrays built here, so sjson cannot fail.
func appendValue(array string, v any) string {
	out, _ := sjson.Set(array, "-1", v)
	return out
}

func appendRaw(array, raw string) string {
	out, _ := sjson.SetRaw(array, "-1", raw)
	return out
}

// Decoded forms of structured responses, used by controllers and tests.

// ParseLineResponse decodes the argument of a line-stop response.
func ParseLineResponse(arg string) (Location, error) {
	i := strings.LastIndexByte(arg, ',')
	if i < 0 {
		return Location{}, fmt.Errorf("%w: line %q", ErrMalformed, arg)
	}
	n, err := strconv.Atoi(arg[i+1:])
	if err != nil {
		return Location{}, fmt.Errorf("%w: line number %q", ErrMalformed, arg[i+1:])
	}
	return Location{File: arg[:i], Line: n}, nil
}

// ExceptionInfo is the decoded payload of an exception response.
type ExceptionInfo struct {
	Type    string
	Message string
	Stack   []Location
}

// ParseExceptionResponse decodes the argument of an exception response.
func ParseExceptionResponse(arg string) (ExceptionInfo, error) {
	if !gjson.Valid(arg) {
		return ExceptionInfo{}, fmt.Errorf("%w: exception %q", ErrMalformed, arg)
	}
	items := gjson.Parse(arg).Array()
	if len(items) < 2 {
		return ExceptionInfo{}, fmt.Errorf("%w: exception %q", ErrMalformed, arg)
	}

	info := ExceptionInfo{Type: items[0].String(), Message: items[1].String()}
	for _, it := range items[2:] {
		loc := it.Array()
		if len(loc) != 2 {
			return ExceptionInfo{}, fmt.Errorf("%w: exception frame %s", ErrMalformed, it.Raw)
		}
		info.Stack = append(info.Stack, Location{File: loc[0].String(), Line: int(loc[1].Int())})
	}
	return info, nil
}

// ParseVariablesResponse decodes the argument of a variables response.
func ParseVariablesResponse(arg string) (int, []Entry, error) {
	if !gjson.Valid(arg) {
		return 0, nil, fmt.Errorf("%w: variables %q", ErrMalformed, arg)
	}
	items := gjson.Parse(arg).Array()
	if len(items) == 0 {
		return 0, nil, fmt.Errorf("%w: variables %q", ErrMalformed, arg)
	}

	var entries []Entry
	for _, it := range items[1:] {
		row := it.Array()
		if len(row) != 3 {
			return 0, nil, fmt.Errorf("%w: variables row %s", ErrMalformed, it.Raw)
		}
		entries = append(entries, Entry{Name: row[0].String(), Type: row[1].String(), Repr: row[2].String()})
	}
	return int(items[0].Int()), entries, nil
}
