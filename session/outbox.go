package session

import (
	"fmt"

	"github.com/direct-connect/dcpp-engine/adc"
)

// Rejection is returned by an outbox hook to stop a send, mirroring the
// original's HookRejectException: the caller gets a formatted reason
// instead of the command going out.
type Rejection struct {
	Command adc.FourCC
	Reason  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("adc: outbound %s rejected: %s", r.Command, r.Reason)
}

// OutgoingHook inspects or amends an outbound message before it is framed
// and sent. Returning a non-nil error (typically *Rejection) stops the
// send entirely; the hook may also mutate msg in place to add or replace
// parameters.
type OutgoingHook func(msg adc.Message) error

// Outbox runs the hook chain synchronously on the session's own worker, as
// required by spec §4.D ("Command outbox") and §5 (single FIFO order per
// session).
type Outbox struct {
	common *Common
	hooks  []OutgoingHook
}

func NewOutbox(c *Common) *Outbox { return &Outbox{common: c} }

func (o *Outbox) AddHook(h OutgoingHook) { o.hooks = append(o.hooks, h) }

// Prepare applies the forbidden-command filter, then runs the hook chain.
// It returns nil if the message is not forbidden and clears every hook.
func (o *Outbox) Prepare(msg adc.Message) error {
	if o.common.IsForbidden(msg.Cmd()) {
		return &Rejection{Command: msg.Cmd(), Reason: "forbidden by hub"}
	}
	for _, h := range o.hooks {
		if err := h(msg); err != nil {
			return err
		}
	}
	return nil
}
