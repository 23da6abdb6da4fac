package eventbus

import "testing"

func TestValidateKnownSubject(t *testing.T) {
	ok := []byte(`{"experiment_id":"e1","state":"PUBLISHED"}`)
	if err := Validate(SubjectExperimentPublished, ok); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	bad := []byte(`{"experiment_id":42}`)
	if err := Validate(SubjectExperimentStopped, bad); err == nil {
		t.Fatal("expected schema validation failure for wrong field type")
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	if err := Validate(SubjectExperimentInvalid, []byte(`{`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestValidateUnknownSubjectPasses(t *testing.T) {
	if err := Validate("something.else", []byte(`{"any":"shape"}`)); err != nil {
		t.Fatalf("unknown subjects must pass, got %v", err)
	}
}
