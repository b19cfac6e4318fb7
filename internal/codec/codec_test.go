package codec

import (
	"testing"
	"time"
)

type emailArgs struct {
	To       string
	Subject  string
	Retries  int
	Optional *string
	SentAt   time.Time
}

func TestJSON_RoundTrip(t *testing.T) {
	var s JSON
	subject := "hello"
	in := emailArgs{To: "a@example.com", Subject: subject, Retries: 3, Optional: &subject, SentAt: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)}

	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	out, ok, err := Decode[emailArgs](s, data)
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}
	if out.To != in.To || out.Subject != in.Subject || out.Retries != in.Retries {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}
	if out.Optional == nil || *out.Optional != subject {
		t.Errorf("Optional = %v, want %q", out.Optional, subject)
	}
	if !out.SentAt.Equal(in.SentAt) {
		t.Errorf("SentAt = %v, want %v", out.SentAt, in.SentAt)
	}
}

func TestJSON_RoundTripZeroValues(t *testing.T) {
	var s JSON
	data, err := s.Serialize(emailArgs{})
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	out, ok, err := Decode[emailArgs](s, data)
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}
	if out.To != "" || out.Retries != 0 || out.Optional != nil || !out.SentAt.IsZero() {
		t.Errorf("Decode() = %+v, want zero value", out)
	}
}

func TestJSON_CaseInsensitiveAndUnknownFields(t *testing.T) {
	out, ok, err := Decode[emailArgs](JSON{}, []byte(`{"to":"b@example.com","SUBJECT":"s","extra":true}`))
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}
	if out.To != "b@example.com" || out.Subject != "s" {
		t.Errorf("Decode() = %+v", out)
	}
}

func TestDecode_NullIsAbsent(t *testing.T) {
	_, ok, err := Decode[emailArgs](JSON{}, []byte("null"))
	if err != nil {
		t.Fatalf("Decode(null) error = %v", err)
	}
	if ok {
		t.Error("Decode(null) ok = true, want false")
	}
}

func TestDecode_MalformedIsAbsent(t *testing.T) {
	for _, payload := range []string{"{not json", "", "   "} {
		_, ok, err := Decode[emailArgs](JSON{}, []byte(payload))
		if ok {
			t.Errorf("Decode(%q) ok = true, want false", payload)
		}
		if err == nil {
			t.Errorf("Decode(%q) error = nil, want error", payload)
		}
	}
}

func TestDecode_Scalar(t *testing.T) {
	data, _ := JSON{}.Serialize("just a string")
	out, ok, err := Decode[string](JSON{}, data)
	if err != nil || !ok || out != "just a string" {
		t.Errorf("Decode[string]() = %q, %v, %v", out, ok, err)
	}
}
