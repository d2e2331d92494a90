package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/ai"
	"voicegate-server/pkg/directory"
	"voicegate-server/pkg/metrics"
)

// Function names exposed to the AI
const (
	FuncCollectCallerName = "collect_caller_name"
	FuncCheckStaffExists  = "check_staff_exists"
	FuncConfirmStaffMatch = "confirm_staff_match"
	FuncSendMessage       = "send_message"
	FuncEndCall           = "end_call"
)

// Function result outputs the AI is scripted to react to
const (
	outputNameCollected          = "name_collected"
	outputIdentificationRequired = "identification_required"
	outputIncompleteName         = "incomplete_name"
	outputNotFound               = "not_found"
	outputNotAuthorized          = "not_authorized"
	outputNoRecipient            = "no_recipient"
	outputEmptyMessage           = "empty_message"
	outputMessageSent            = "message_sent"
	outputMessageFailed          = "message_failed"
	outputGoodbye                = "goodbye"
	outputDirectoryError         = "directory_error"
	outputUnknownFunction        = "unknown_function"
)

// MessageSender delivers a finished caller message to a staff recipient
type MessageSender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Result is the outcome of one dispatched function call
type Result struct {
	Output string

	// EndCall signals the conversation should move to its ending phase
	EndCall bool
}

// Dispatcher executes AI function calls against the directory and the message
// gateway. Every privileged function checks the identification gate first:
// nothing about the directory is revealed to an anonymous caller.
type Dispatcher struct {
	logger   *logrus.Entry
	state    *State
	resolver *directory.Resolver
	sender   MessageSender
	subject  string
}

// NewDispatcher creates a function dispatcher for one call
func NewDispatcher(logger *logrus.Entry, state *State, resolver *directory.Resolver, sender MessageSender, subject string) *Dispatcher {
	if subject == "" {
		subject = "New phone message"
	}
	return &Dispatcher{
		logger:   logger,
		state:    state,
		resolver: resolver,
		sender:   sender,
		subject:  subject,
	}
}

// Dispatch runs one function call and returns the output to hand back to the
// AI. Dispatch never returns an error: failures become outputs the AI can
// speak about.
func (d *Dispatcher) Dispatch(ctx context.Context, name, arguments string) Result {
	var args map[string]string
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			d.logger.WithError(err).WithField("function", name).Warn("Malformed function arguments")
			args = nil
		}
	}

	result := d.dispatch(ctx, name, args)

	outcome := "ok"
	if result.Output == outputMessageFailed || result.Output == outputDirectoryError ||
		result.Output == outputUnknownFunction {
		outcome = "error"
	}
	metrics.IncCounterVec(metrics.FunctionCalls, name, outcome)

	d.logger.WithFields(logrus.Fields{
		"function": name,
		"output":   result.Output,
	}).Info("Function call dispatched")

	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, args map[string]string) Result {
	switch name {
	case FuncCollectCallerName:
		return d.collectCallerName(args)
	case FuncCheckStaffExists:
		return d.guard(func() Result { return d.checkStaffExists(ctx, args) })
	case FuncConfirmStaffMatch:
		return d.guard(func() Result { return d.confirmStaffMatch(ctx, args) })
	case FuncSendMessage:
		return d.guard(func() Result { return d.sendMessage(ctx, args) })
	case FuncEndCall:
		// Identification does not outlive the call
		d.state.ClearIdentification()
		return Result{Output: outputGoodbye, EndCall: true}
	default:
		d.logger.WithField("function", name).Warn("AI called an unknown function")
		return Result{Output: outputUnknownFunction}
	}
}

// guard enforces the identification gate for privileged functions
func (d *Dispatcher) guard(fn func() Result) Result {
	if !d.state.Identified() {
		return Result{Output: outputIdentificationRequired}
	}
	return fn()
}

func (d *Dispatcher) collectCallerName(args map[string]string) Result {
	first := strings.TrimSpace(args["first_name"])
	last := strings.TrimSpace(args["last_name"])
	if first == "" || last == "" {
		return Result{Output: outputIncompleteName}
	}
	d.state.SetCallerName(first + " " + last)
	return Result{Output: outputNameCollected}
}

func (d *Dispatcher) checkStaffExists(ctx context.Context, args map[string]string) Result {
	name := strings.TrimSpace(args["name"])
	department := strings.TrimSpace(args["department"])
	if name == "" {
		return Result{Output: outputNotFound}
	}

	match, err := d.resolver.Resolve(ctx, name, department)
	if err != nil {
		d.logger.WithError(err).Error("Directory resolution failed")
		return Result{Output: outputDirectoryError}
	}
	return d.matchResult(match)
}

func (d *Dispatcher) confirmStaffMatch(ctx context.Context, args map[string]string) Result {
	name := strings.TrimSpace(args["name"])
	department := strings.TrimSpace(args["department"])
	if name == "" || department == "" {
		candidate, candidateDept := d.state.PendingCandidate()
		if name == "" {
			name = candidate
		}
		if department == "" {
			department = candidateDept
		}
	}
	if name == "" {
		return Result{Output: outputNotFound}
	}

	match, err := d.resolver.ConfirmFuzzyMatch(ctx, name, department)
	if err != nil {
		d.logger.WithError(err).Error("Match confirmation failed")
		return Result{Output: outputDirectoryError}
	}
	return d.matchResult(match)
}

// matchResult converts a directory match into the pipe-delimited output
// strings the AI script branches on
func (d *Dispatcher) matchResult(match directory.Match) Result {
	switch match.Status {
	case directory.StatusAuthorized:
		d.state.SetRecipient(match.CandidateName, match.Email, match.Department)
		return Result{Output: "authorized|" + match.Department}
	case directory.StatusMultipleFound:
		return Result{Output: "multiple_found|" + strings.Join(match.CandidateDepartments, ",")}
	case directory.StatusConfirmationNeeded:
		d.state.SetPendingCandidate(match.CandidateName, match.Department)
		return Result{Output: fmt.Sprintf("confirmation_needed|%s|%s|%.2f",
			match.CandidateName, match.Department, match.Confidence)}
	case directory.StatusNotAuthorized:
		return Result{Output: outputNotAuthorized}
	default:
		return Result{Output: outputNotFound}
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, args map[string]string) Result {
	message := strings.TrimSpace(args["message"])
	if message == "" {
		return Result{Output: outputEmptyMessage}
	}

	recipientName, recipientEmail, _ := d.state.Recipient()

	// A name in the arguments resolves through the directory, so the AI can
	// send in one step without a prior lookup
	if name := strings.TrimSpace(args["name"]); name != "" {
		match, err := d.resolver.Resolve(ctx, name, strings.TrimSpace(args["department"]))
		if err != nil {
			d.logger.WithError(err).Error("Directory resolution failed")
			return Result{Output: outputDirectoryError}
		}
		if match.Status != directory.StatusAuthorized {
			return d.matchResult(match)
		}
		d.state.SetRecipient(match.CandidateName, match.Email, match.Department)
		recipientName, recipientEmail = match.CandidateName, match.Email
	}

	if recipientEmail == "" {
		return Result{Output: outputNoRecipient}
	}

	body := fmt.Sprintf("Message from %s: %s", d.state.CallerName(), message)
	if err := d.sender.Send(ctx, recipientEmail, d.subject, body); err != nil {
		d.logger.WithError(err).WithField("recipient", recipientName).Error("Message delivery failed")
		return Result{Output: outputMessageFailed}
	}

	d.logger.WithField("recipient", recipientName).Info("Message delivered")
	return Result{Output: outputMessageSent}
}

// Tools returns the function schemas advertised to the AI session
func Tools() []ai.Tool {
	stringParam := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	object := func(props map[string]interface{}, required ...string) map[string]interface{} {
		if required == nil {
			required = []string{}
		}
		return map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   required,
		}
	}

	return []ai.Tool{
		{
			Type:        "function",
			Name:        FuncCollectCallerName,
			Description: "Record the caller's first and last name. Must be called before any other action.",
			Parameters: object(map[string]interface{}{
				"first_name": stringParam("Caller's first name"),
				"last_name":  stringParam("Caller's last name"),
			}, "first_name", "last_name"),
		},
		{
			Type:        "function",
			Name:        FuncCheckStaffExists,
			Description: "Check whether a staff member exists in the directory. Department is optional.",
			Parameters: object(map[string]interface{}{
				"name":       stringParam("Staff member's full name as spoken by the caller"),
				"department": stringParam("Department, if the caller mentioned one"),
			}, "name"),
		},
		{
			Type:        "function",
			Name:        FuncConfirmStaffMatch,
			Description: "Confirm a suggested staff match after the caller verbally agreed to it.",
			Parameters: object(map[string]interface{}{
				"name":       stringParam("Confirmed staff member name"),
				"department": stringParam("Confirmed department"),
			}, "name", "department"),
		},
		{
			Type:        "function",
			Name:        FuncSendMessage,
			Description: "Deliver the caller's message to a staff member. Name and department may be omitted when a recipient was already confirmed.",
			Parameters: object(map[string]interface{}{
				"message":    stringParam("The caller's message, transcribed verbatim"),
				"name":       stringParam("Recipient staff member's name, if not already confirmed"),
				"department": stringParam("Recipient's department, if the caller mentioned one"),
			}, "message"),
		},
		{
			Type:        "function",
			Name:        FuncEndCall,
			Description: "End the call after saying goodbye. Call this when the caller is done.",
			Parameters:  object(map[string]interface{}{}),
		},
	}
}
