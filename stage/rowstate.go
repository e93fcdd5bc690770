package stage

import "bactrack/apperr"

// RowState derives the presentation state of name from records. Records may
// arrive in any order; a missing record counts as unsubmitted.
func (o Order) RowState(records []Record, name string, isAdmin bool) (RowState, error) {
	pos, ok := o.index[name]
	if !ok {
		return RowState{}, apperr.UnknownStage(name)
	}
	byName := indexRecords(records)
	return o.rowState(byName, pos, isAdmin), nil
}

func (o Order) rowState(byName map[string]Record, pos int, isAdmin bool) RowState {
	name := o.stages[pos].Name
	allowed := pos == 0 || byName[o.stages[pos-1].Name].Submitted
	submitted := byName[name].Submitted

	rs := RowState{
		Stage:     name,
		Position:  pos,
		Allowed:   allowed,
		Submitted: submitted,
		Editable:  allowed && (!submitted || isAdmin),
	}
	switch {
	case !allowed && pos == 0:
		rs.State = StateNotStarted
	case !allowed:
		rs.State = StateAwaitingPriorStage
	case rs.Editable:
		rs.State = StateEditable
	default:
		rs.State = StateSubmitted
	}
	return rs
}

// Rows builds the presentation of every stage in order.
func (o Order) Rows(records []Record, isAdmin bool) []Row {
	byName := indexRecords(records)
	rows := make([]Row, len(o.stages))
	for pos := range o.stages {
		rs := o.rowState(byName, pos, isAdmin)
		rows[pos] = newRow(rs, byName[rs.Stage], isAdmin)
	}
	return rows
}

func newRow(rs RowState, rec Record, isAdmin bool) Row {
	row := Row{
		RowState:   rs,
		Action:     actionFor(rs, isAdmin),
		CreatedAt:  formatStoragePtr(rec.CreatedAt),
		ApprovedAt: formatStoragePtr(rec.ApprovedAt),
		Office:     rec.Office,
		Remarks:    rec.Remarks,
	}
	if rs.Submitted {
		row.Prefill = &Prefill{
			CreatedAt:  formatInputPtr(rec.CreatedAt),
			ApprovedAt: formatInputPtr(rec.ApprovedAt),
			Office:     deref(rec.Office),
			Remark:     deref(rec.Remarks),
		}
	}
	return row
}

func actionFor(rs RowState, isAdmin bool) Action {
	switch {
	case !rs.Allowed:
		return ActionNone
	case !rs.Submitted:
		return ActionSubmit
	case isAdmin:
		return ActionUnsubmit
	default:
		return ActionFinished
	}
}

func indexRecords(records []Record) map[string]Record {
	byName := make(map[string]Record, len(records))
	for _, r := range records {
		byName[r.Name] = r
	}
	return byName
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
