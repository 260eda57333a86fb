/*
transitions.go - Ledger item state machine

PURPOSE:
  The allowed status transitions as data. Operations consult CanTransition
  before asking the store for a compare-and-swap, and the stores refuse any
  write that moves a draft into a seat-holding status outside admission.

STATE MACHINE:
                 reserve (capacity ok)
      ┌───────┐ ─────────────────────► ┌──────────┐
      │ draft │ ◄───────────────────── │ reserved │
      └───────┘       expiry           └──────────┘
        │  ▲                               │
 submit │  │ deny                          │ submit
        ▼  │                               ▼
      ┌─────────┐ ◄────────────────────────┘
      │ secured │
      └─────────┘
           │ verify
           ▼
      ┌──────────┐
      │ verified │
      └──────────┘

  cancelled is terminal and reachable from every other status.
  draft -> secured goes through hard admission, as does draft -> reserved.
*/
package enrollment

// transitions lists the allowed targets for each status.
var transitions = map[ItemStatus][]ItemStatus{
	StatusDraft:    {StatusReserved, StatusSecured, StatusCancelled},
	StatusReserved: {StatusSecured, StatusDraft, StatusCancelled},
	StatusSecured:  {StatusVerified, StatusDraft, StatusCancelled},
	StatusVerified: {StatusCancelled},
}

// CanTransition reports whether an item may move from one status to another.
func CanTransition(from, to ItemStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RequiresAdmission reports whether a transition commits a new seat and
// therefore has to go through the admission primitive.
func RequiresAdmission(from, to ItemStatus) bool {
	return !from.HoldsSeat() && to.HoldsSeat()
}

// IsTerminal reports whether no transition leaves status s.
func IsTerminal(s ItemStatus) bool {
	return len(transitions[s]) == 0
}

// ValidateItemWrite is the guard every store applies before overwriting cur
// with next. Identity fields never change, status changes must follow the
// table, and an enrollment may not take a seat except through admission.
func ValidateItemWrite(cur, next LedgerItem) error {
	if cur.UserID != next.UserID || cur.Kind != next.Kind || cur.SessionID != next.SessionID {
		return invalid("item", "owner, kind and session are immutable")
	}
	if cur.Status == next.Status {
		return nil
	}
	if !CanTransition(cur.Status, next.Status) ||
		(next.IsEnrollment() && RequiresAdmission(cur.Status, next.Status)) {
		return &InvalidStateError{Entity: "ledger item", ID: string(cur.ID), Status: string(cur.Status), Operation: "move to " + string(next.Status)}
	}
	return nil
}

func invalidTransition(item LedgerItem, op string) error {
	return &InvalidStateError{
		Entity:    "ledger item",
		ID:        string(item.ID),
		Status:    string(item.Status),
		Operation: op,
	}
}
