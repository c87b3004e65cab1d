// Package bridge exposes the local-notification capability to the
// application layer as a small command contract.
//
// Commands are identified by name. initialize ensures the notification
// grouping exists; showNotification displays a titled notification with an
// optional opaque payload. Anything else is reported as not implemented, a
// distinct outcome callers can use to detect capabilities.
package bridge

import (
	"context"
	"time"

	"notifybridge/internal/eventbus"
	"notifybridge/internal/platform"
	logx "notifybridge/pkg/logx"
)

const (
	CommandInitialize       = "initialize"
	CommandShowNotification = "showNotification"
)

const (
	msgTitleBodyRequired = "Title and body are required"
	msgPayloadNotString  = "Payload must be a string"
)

// Command is a named invocation. Args holds decoded JSON values.
type Command struct {
	Name string         `json:"method"`
	Args map[string]any `json:"args,omitempty"`
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeNotImplemented
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeNotImplemented:
		return "notImplemented"
	default:
		return "unknown"
	}
}

// Result is what a caller receives for one Command. Value is nil for both
// recognized commands; Err is set only for OutcomeError.
type Result struct {
	Outcome Outcome
	Value   any
	Err     *Error
}

func Success(v any) Result      { return Result{Outcome: OutcomeSuccess, Value: v} }
func Failure(err *Error) Result { return Result{Outcome: OutcomeError, Err: err} }
func NotImplemented() Result    { return Result{Outcome: OutcomeNotImplemented} }

func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// HandledRecord is published on the event bus for every command.
type HandledRecord struct {
	Command  string        `json:"command"`
	Outcome  string        `json:"outcome"`
	Code     string        `json:"code,omitempty"`
	ID       string        `json:"id,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Router validates commands and hands them to the platform variant. It
// holds no per-command state and is safe for concurrent use.
type Router struct {
	platform platform.Platform
	log      logx.Logger
	bus      eventbus.Bus
}

func NewRouter(p platform.Platform, log logx.Logger, bus eventbus.Bus) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{platform: p, log: log, bus: bus}
}

// Handle resolves cmd immediately. OS-level work started by the command runs
// detached and never affects the Result.
func (r *Router) Handle(ctx context.Context, cmd Command) Result {
	start := time.Now()
	var (
		res Result
		id  string
	)
	switch cmd.Name {
	case CommandInitialize:
		res = r.initialize(ctx)
	case CommandShowNotification:
		res, id = r.showNotification(ctx, cmd.Args)
	default:
		res = NotImplemented()
	}

	rec := HandledRecord{Command: cmd.Name, Outcome: res.Outcome.String(), ID: id, Duration: time.Since(start)}
	fields := []logx.Field{logx.String("command", cmd.Name), logx.String("outcome", rec.Outcome)}
	if res.Err != nil {
		rec.Code = res.Err.Code
		fields = append(fields, logx.String("code", res.Err.Code), logx.String("message", res.Err.Message))
	}
	if id != "" {
		fields = append(fields, logx.String("id", id))
	}
	r.log.Debug("command handled", fields...)
	eventbus.Publish(r.bus, eventbus.TypeCommandHandled, rec)
	return res
}

func (r *Router) initialize(ctx context.Context) Result {
	if err := r.platform.RegisterGrouping(ctx); err != nil {
		r.log.Warn("initialize: grouping not registered", logx.String("variant", r.platform.Variant()), logx.Err(err))
	}
	return Success(nil)
}

func (r *Router) showNotification(ctx context.Context, args map[string]any) (Result, string) {
	msg, verr := parseMessage(args)
	if verr != nil {
		return Failure(verr), ""
	}
	id := r.platform.Present(ctx, msg)
	return Success(nil), id
}

// parseMessage requires title and body to be strings (empty is fine) and
// payload, when present and non-null, to be a string.
func parseMessage(args map[string]any) (platform.Message, *Error) {
	title, ok := args["title"].(string)
	if !ok {
		return platform.Message{}, invalidArguments(msgTitleBodyRequired)
	}
	body, ok := args["body"].(string)
	if !ok {
		return platform.Message{}, invalidArguments(msgTitleBodyRequired)
	}
	msg := platform.Message{Title: title, Body: body}
	raw, present := args["payload"]
	if !present || raw == nil {
		return msg, nil
	}
	payload, ok := raw.(string)
	if !ok {
		return platform.Message{}, invalidArguments(msgPayloadNotString)
	}
	msg.Payload = &payload
	return msg, nil
}
