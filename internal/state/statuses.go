package state

import (
	"fmt"

	"github.com/joinflow/joinflow/custom_errors"
)

// LinkStatus is the lifecycle status of a candidate group link.
type LinkStatus string

const (
	LinkPending          LinkStatus = "pending"
	LinkValidated        LinkStatus = "validated"
	LinkInvalid          LinkStatus = "invalid"
	LinkScheduled        LinkStatus = "scheduled"
	LinkInProgress       LinkStatus = "in_progress"
	LinkSucceeded        LinkStatus = "succeeded"
	LinkAwaitingApproval LinkStatus = "awaiting_approval"
	LinkErrored          LinkStatus = "errored"
	LinkAbandoned        LinkStatus = "abandoned"
)

func (s LinkStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no automatic transition leaves s.
func (s LinkStatus) IsTerminal() bool {
	return s == LinkSucceeded || s == LinkAbandoned || s == LinkInvalid
}

var AllLinkStatuses = []LinkStatus{
	LinkPending,
	LinkValidated,
	LinkInvalid,
	LinkScheduled,
	LinkInProgress,
	LinkSucceeded,
	LinkAwaitingApproval,
	LinkErrored,
	LinkAbandoned,
}

// EntryStatus is the status of a queue entry.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntryDone       EntryStatus = "done"
	EntryCancelled  EntryStatus = "cancelled"
	EntryError      EntryStatus = "error"
)

func (s EntryStatus) String() string {
	return string(s)
}

// IsActive reports whether an entry in status s still occupies its link.
// Requeued entries pass through error straight back to pending, so a stored
// error entry is terminal.
func (s EntryStatus) IsActive() bool {
	return s == EntryPending || s == EntryProcessing
}

var AllEntryStatuses = []EntryStatus{
	EntryPending,
	EntryProcessing,
	EntryDone,
	EntryCancelled,
	EntryError,
}

// ActiveEntryStatuses backs the one-active-entry-per-link index.
var ActiveEntryStatuses = []EntryStatus{EntryPending, EntryProcessing}

// EntryResult qualifies a done entry.
type EntryResult string

const (
	ResultNone             EntryResult = ""
	ResultSucceeded        EntryResult = "succeeded"
	ResultAwaitingApproval EntryResult = "awaiting_approval"
)

type EntryTransition struct {
	From EntryStatus
	To   EntryStatus
}

// ValidEntryTransitions lists every status change a queue entry may make. A retry and a
// stale claim both go from processing back to pending; error is final.
var ValidEntryTransitions = []EntryTransition{
	{From: EntryPending, To: EntryProcessing},
	{From: EntryPending, To: EntryCancelled},
	{From: EntryProcessing, To: EntryDone},
	{From: EntryProcessing, To: EntryError},
	{From: EntryProcessing, To: EntryPending},
}

func IsValidEntryTransition(from, to EntryStatus) bool {
	for _, t := range ValidEntryTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CheckEntryTransition fails with ErrInvalidTransition unless from may move to to.
func CheckEntryTransition(from, to EntryStatus) error {
	if !IsValidEntryTransition(from, to) {
		return fmt.Errorf("entry %s to %s: %w", from, to, custom_errors.ErrInvalidTransition)
	}
	return nil
}

type LinkTransition struct {
	From LinkStatus
	To   LinkStatus
}

// ValidLinkTransitions lists every status change a link may make. in_progress to itself is
// the pickup of an entry whose previous claim went stale.
var ValidLinkTransitions = []LinkTransition{
	{From: LinkPending, To: LinkValidated},
	{From: LinkPending, To: LinkInvalid},
	{From: LinkValidated, To: LinkScheduled},
	{From: LinkErrored, To: LinkScheduled},
	{From: LinkScheduled, To: LinkInProgress},
	{From: LinkErrored, To: LinkInProgress},
	{From: LinkInProgress, To: LinkInProgress},
	{From: LinkScheduled, To: LinkValidated},
	{From: LinkErrored, To: LinkValidated},
	{From: LinkInProgress, To: LinkSucceeded},
	{From: LinkInProgress, To: LinkAwaitingApproval},
	{From: LinkInProgress, To: LinkErrored},
	{From: LinkInProgress, To: LinkAbandoned},
	{From: LinkAwaitingApproval, To: LinkSucceeded},
}

func IsValidLinkTransition(from, to LinkStatus) bool {
	for _, t := range ValidLinkTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CheckLinkTransition fails with ErrInvalidTransition unless every status in from may move to to.
func CheckLinkTransition(from []LinkStatus, to LinkStatus) error {
	for _, f := range from {
		if !IsValidLinkTransition(f, to) {
			return fmt.Errorf("link %s to %s: %w", f, to, custom_errors.ErrInvalidTransition)
		}
	}
	return nil
}

// ChipPhase is a warmup stage. Phases are ordered; later phases get more capacity.
type ChipPhase string

const (
	PhaseSetup         ChipPhase = "setup"
	PhaseFirstContacts ChipPhase = "first_contacts"
	PhaseExpansion     ChipPhase = "expansion"
	PhasePreOperation  ChipPhase = "pre_operation"
	PhaseOperation     ChipPhase = "operation"
)

var AllPhases = []ChipPhase{
	PhaseSetup,
	PhaseFirstContacts,
	PhaseExpansion,
	PhasePreOperation,
	PhaseOperation,
}

// JoiningPhases are the only phases that receive external join capacity.
var JoiningPhases = []ChipPhase{PhaseExpansion, PhasePreOperation, PhaseOperation}

func (p ChipPhase) String() string {
	return string(p)
}

// Ordinal returns the position of p in the warmup order, or -1 if p is unknown.
func (p ChipPhase) Ordinal() int {
	for i, phase := range AllPhases {
		if phase == p {
			return i
		}
	}
	return -1
}

func (p ChipPhase) CanJoin() bool {
	for _, phase := range JoiningPhases {
		if phase == p {
			return true
		}
	}
	return false
}

// ChipStatus is the connection status reported for a chip.
type ChipStatus string

const (
	ChipActive       ChipStatus = "active"
	ChipConnected    ChipStatus = "connected"
	ChipDisconnected ChipStatus = "disconnected"
	ChipBanned       ChipStatus = "banned"
)

// ActiveChipStatuses is the set a chip must be in to be considered by the selector.
var ActiveChipStatuses = []ChipStatus{ChipActive, ChipConnected}
