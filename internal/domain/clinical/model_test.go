package clinical

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr/internal/platform/apperr"
)

func TestNoteType_Valid(t *testing.T) {
	for _, nt := range []NoteType{NoteTypeSOAP, NoteTypeDAP, NoteTypeBIRP, NoteTypeProgress, NoteTypeIntake} {
		if !nt.Valid() {
			t.Errorf("%s should be valid", nt)
		}
	}
	for _, nt := range []NoteType{"", "soap", "ESSAY"} {
		if nt.Valid() {
			t.Errorf("%q should be invalid", nt)
		}
	}
}

func TestUpdateInput_Apply(t *testing.T) {
	s := "keep"
	p := "old plan"
	n := &Note{NoteType: NoteTypeSOAP, Subjective: &s, Plan: &p}
	nt := NoteType("dap")
	blank := "   "
	obj := " observed "
	UpdateInput{NoteType: &nt, Objective: &obj, Plan: &blank}.apply(n)

	if n.NoteType != NoteTypeDAP {
		t.Errorf("note type: %s", n.NoteType)
	}
	if n.Subjective == nil || *n.Subjective != "keep" {
		t.Error("untouched field changed")
	}
	if n.Objective == nil || *n.Objective != "observed" {
		t.Errorf("objective: %v", n.Objective)
	}
	if n.Plan != nil {
		t.Error("blank value should clear the field")
	}
	if !(UpdateInput{}).empty() {
		t.Error("zero input should be empty")
	}
}

func TestNote_CloneIsDeep(t *testing.T) {
	s := "a"
	appt := uuid.New()
	n := &Note{Subjective: &s, AppointmentID: &appt}
	cp := n.clone()
	*cp.Subjective = "b"
	*cp.AppointmentID = uuid.New()
	if *n.Subjective != "a" || *n.AppointmentID != appt {
		t.Error("clone shares pointers with the original")
	}
}

func TestNote_Validate(t *testing.T) {
	var ve *apperr.ValidationError
	if err := (&Note{NoteType: "X"}).validate(); !errors.As(err, &ve) || len(ve.Fields) != 3 {
		t.Errorf("expected three field errors, got %v", err)
	}
	ok := &Note{PatientID: uuid.New(), TherapistID: uuid.New(), NoteType: NoteTypeIntake}
	if err := ok.validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
