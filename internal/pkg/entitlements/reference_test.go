package entitlements

import "testing"

func TestParsePlanReference(t *testing.T) {
	tests := []struct {
		in     string
		wantID uint
		wantOK bool
	}{
		{in: "plan:1", wantID: 1, wantOK: true},
		{in: "plan:42", wantID: 42, wantOK: true},
		{in: "plan:0", wantID: 0, wantOK: false},
		{in: "plan:", wantID: 0, wantOK: false},
		{in: "plan:abc", wantID: 0, wantOK: false},
		{in: "doc-uuid-1", wantID: 0, wantOK: false},
		{in: "", wantID: 0, wantOK: false},
	}

	for _, tt := range tests {
		id, ok := parsePlanReference(tt.in)
		if id != tt.wantID || ok != tt.wantOK {
			t.Fatalf("parsePlanReference(%q) = (%d, %v), want (%d, %v)", tt.in, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestIsConflict(t *testing.T) {
	if isConflict(nil) {
		t.Fatalf("nil error must not be a conflict")
	}
	if !isConflict(errDeadlock{}) {
		t.Fatalf("deadlock error must be a conflict")
	}
	if isConflict(ErrDocumentNotFound) {
		t.Fatalf("domain error must not be a conflict")
	}
}

type errDeadlock struct{}

func (errDeadlock) Error() string {
	return "Error 1213: Deadlock found when trying to get lock; try restarting transaction"
}
