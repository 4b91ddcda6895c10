package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cancellation reasons passed to onCancel callbacks.
const (
	CancelReasonCancelled  = "cancelled"
	CancelReasonSuperseded = "superseded"
	CancelReasonStopped    = "stopped"
)

// ErrActionPending is returned when arming an action that conflicts
// with a different pending action.
var ErrActionPending = errors.New("conflicting action pending")

// DeadmanSwitch holds at most one pending automated action per device.
// The action commits when its countdown expires unless cancelled first,
// typically by the wearer tapping cancel on the watch.
type DeadmanSwitch struct {
	mu      sync.Mutex
	pending *pendingAction
}

type pendingAction struct {
	id       string
	action   string
	timer    *time.Timer
	onCommit func()
	onCancel func(reason string)
}

// NewDeadmanSwitch returns an empty switch.
func NewDeadmanSwitch() *DeadmanSwitch {
	return &DeadmanSwitch{}
}

// Arm schedules an action. Re-arming the same action supersedes the
// previous countdown; arming while a different action is pending fails
// with ErrActionPending so a media start can never race a call.
func (d *DeadmanSwitch) Arm(action string, delay time.Duration, onCommit func(), onCancel func(reason string)) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		if d.pending.action != action {
			return "", fmt.Errorf("%w: cannot start %s while a %s is pending",
				ErrActionPending, action, d.pending.action)
		}
		d.cancelLocked(CancelReasonSuperseded)
	}

	p := &pendingAction{
		id:       uuid.New().String(),
		action:   action,
		onCommit: onCommit,
		onCancel: onCancel,
	}
	p.timer = time.AfterFunc(delay, func() { d.commit(p.id) })
	d.pending = p
	return p.id, nil
}

// Cancel cancels the pending action by id. Unknown or stale ids are
// no-ops.
func (d *DeadmanSwitch) Cancel(pendingID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil || d.pending.id != pendingID {
		return false
	}
	d.cancelLocked(CancelReasonCancelled)
	return true
}

// CancelIfAction cancels the pending action only if it matches.
func (d *DeadmanSwitch) CancelIfAction(action string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil || d.pending.action != action {
		return false
	}
	d.cancelLocked(CancelReasonCancelled)
	return true
}

// CancelAny cancels whatever is pending, used at session teardown.
func (d *DeadmanSwitch) CancelAny() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return false
	}
	d.cancelLocked(CancelReasonStopped)
	return true
}

// Pending returns the pending action name and id.
func (d *DeadmanSwitch) Pending() (action, id string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return "", "", false
	}
	return d.pending.action, d.pending.id, true
}

func (d *DeadmanSwitch) cancelLocked(reason string) {
	p := d.pending
	d.pending = nil
	p.timer.Stop()
	if p.onCancel != nil {
		go p.onCancel(reason)
	}
}

func (d *DeadmanSwitch) commit(id string) {
	d.mu.Lock()
	if d.pending == nil || d.pending.id != id {
		d.mu.Unlock()
		return
	}
	p := d.pending
	d.pending = nil
	d.mu.Unlock()

	if p.onCommit != nil {
		p.onCommit()
	}
}
