package event

import "github.com/ethereum/go-ethereum/common"

// broadcast lists event types every user observes regardless of participation. Approvers and voters
// are not indexed on the events that create or move the shared records, so without this widening
// they would never see their own pending actions. Consumers re-filter by role.
var broadcast = map[Type]struct{}{
	TypeTradeCreated:       {},
	TypeTradeStatusChanged: {},
	TypeProposalCreated:    {},
	TypeVoteCast:           {},
	TypeProposalExecuted:   {},
}

// IsBroadcast reports whether t is delivered to all users.
func IsBroadcast(t Type) bool {
	_, ok := broadcast[t]
	return ok
}

// Relevant reports whether r concerns user: user is one of its participants or the type is broadcast.
func Relevant(r Record, user common.Address) bool {
	if IsBroadcast(r.Type) {
		return true
	}
	return Participates(r, user)
}

// Participates reports whether user appears in one of the record's participant fields.
func Participates(r Record, user common.Address) bool {
	if r.Payload == nil {
		return false
	}
	for _, p := range r.Payload.Participants() {
		if p == user {
			return true
		}
	}
	return false
}

// FilterRelevant keeps the records relevant to user.
func FilterRelevant(records []Record, user common.Address) []Record {
	out := records[:0:0]
	for _, r := range records {
		if Relevant(r, user) {
			out = append(out, r)
		}
	}
	return out
}
