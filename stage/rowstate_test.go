package stage

import (
	"errors"
	"testing"
	"time"

	"bactrack/apperr"
)

func recordsWithMask(mask int) []Record {
	recs := make([]Record, Canonical.Len())
	for i, name := range Canonical.Names() {
		recs[i] = Record{Name: name, Position: i, Submitted: mask&(1<<i) != 0}
	}
	return recs
}

// Every combination of submitted flags across the eight stages.
func TestRowStateAllowedFollowsPredecessor(t *testing.T) {
	n := Canonical.Len()
	for mask := 0; mask < 1<<n; mask++ {
		recs := recordsWithMask(mask)
		for _, isAdmin := range []bool{false, true} {
			for i, name := range Canonical.Names() {
				rs, err := Canonical.RowState(recs, name, isAdmin)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				wantAllowed := i == 0 || recs[i-1].Submitted
				if rs.Allowed != wantAllowed {
					t.Fatalf("mask %08b stage %d: allowed=%v, want %v", mask, i, rs.Allowed, wantAllowed)
				}
				if rs.Submitted != recs[i].Submitted {
					t.Fatalf("mask %08b stage %d: submitted mismatch", mask, i)
				}
				wantEditable := wantAllowed && (!recs[i].Submitted || isAdmin)
				if rs.Editable != wantEditable {
					t.Fatalf("mask %08b stage %d admin=%v: editable=%v, want %v", mask, i, isAdmin, rs.Editable, wantEditable)
				}
			}
		}
	}
}

func TestRowStateStates(t *testing.T) {
	fresh := recordsWithMask(0)
	cases := []struct {
		name    string
		recs    []Record
		stage   string
		isAdmin bool
		want    State
	}{
		{"first stage fresh", fresh, PurchaseRequest, false, StateEditable},
		{"second stage fresh", fresh, RFQ1, false, StateAwaitingPriorStage},
		{"submitted staff", recordsWithMask(0b1), PurchaseRequest, false, StateSubmitted},
		{"submitted admin", recordsWithMask(0b1), PurchaseRequest, true, StateEditable},
		{"next unlocked", recordsWithMask(0b1), RFQ1, false, StateEditable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs, err := Canonical.RowState(tc.recs, tc.stage, tc.isAdmin)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rs.State != tc.want {
				t.Fatalf("state=%s, want %s", rs.State, tc.want)
			}
		})
	}
}

func TestSingleStageOrderIsAlwaysAllowed(t *testing.T) {
	o := MustOrder("Only")
	rs, err := o.RowState(nil, "Only", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rs.Allowed || rs.State != StateEditable {
		t.Fatalf("first stage must always be allowed, got %+v", rs)
	}
}

func TestRowStateUnknownStage(t *testing.T) {
	_, err := Canonical.RowState(recordsWithMask(0), "Bid Opening", true)
	var vErr *apperr.ValidationError
	if !errors.As(err, &vErr) || vErr.Kind != apperr.KindUnknownStage {
		t.Fatalf("expected unknown stage error, got %v", err)
	}
}

func TestRowsActionsAndPrefill(t *testing.T) {
	created := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	approved := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	office, remark := "Supply", "ok"

	recs := recordsWithMask(0b1)
	recs[0].CreatedAt = &created
	recs[0].ApprovedAt = &approved
	recs[0].Office = &office
	recs[0].Remarks = &remark
	seed := time.Date(2024, 1, 11, 8, 30, 0, 0, time.UTC)
	recs[1].CreatedAt = &seed

	staff := Canonical.Rows(recs, false)
	if len(staff) != 8 {
		t.Fatalf("expected 8 rows, got %d", len(staff))
	}
	if staff[0].Action != ActionFinished || staff[1].Action != ActionSubmit || staff[2].Action != ActionNone {
		t.Fatalf("unexpected staff actions: %s %s %s", staff[0].Action, staff[1].Action, staff[2].Action)
	}
	if staff[0].Prefill == nil || staff[0].Prefill.CreatedAt != "2024-01-10T09:00" || staff[0].Prefill.Office != "Supply" {
		t.Fatalf("unexpected prefill %+v", staff[0].Prefill)
	}
	if staff[1].Prefill != nil {
		t.Fatalf("unsubmitted stage must not carry a prefill")
	}
	if staff[1].CreatedAt == nil || *staff[1].CreatedAt != "2024-01-11 08:30:00" {
		t.Fatalf("expected stored seed value on row, got %v", staff[1].CreatedAt)
	}
	if staff[0].ApprovedAt == nil || *staff[0].ApprovedAt != "2024-01-10 10:00:00" {
		t.Fatalf("unexpected stored approvedAt %v", staff[0].ApprovedAt)
	}

	admin := Canonical.Rows(recs, true)
	if admin[0].Action != ActionUnsubmit || !admin[0].Editable {
		t.Fatalf("expected admin to be offered unsubmit, got %+v", admin[0].RowState)
	}
}
