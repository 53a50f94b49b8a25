package wire

import "testing"

func TestControlEnvelope_Discriminant(t *testing.T) {
	cases := []struct {
		name string
		env  ControlEnvelope
		want string
	}{
		{"accept", ControlEnvelope{Accept: &AcceptPayload{ID: "1"}}, "accept"},
		{"renewToken", ControlEnvelope{RenewToken: &RenewTokenPayload{Token: "t"}}, "renewToken"},
		{"request", ControlEnvelope{Request: &RequestPayload{ID: "1"}}, "request"},
		{"response", ControlEnvelope{Response: &ResponsePayload{StatusCode: 200}}, "response"},
		{"injectFault", ControlEnvelope{InjectFault: &InjectFaultPayload{DelayMs: 5}}, "injectFault"},
		{"empty", ControlEnvelope{}, ""},
	}
	for _, c := range cases {
		if got := c.env.Discriminant(); got != c.want {
			t.Errorf("%s: Discriminant() = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestDecodeControlEnvelope_RoundTrip(t *testing.T) {
	data, err := EncodeRenewToken("abc123")
	if err != nil {
		t.Fatalf("EncodeRenewToken: %v", err)
	}
	env, err := DecodeControlEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeControlEnvelope: %v", err)
	}
	if env.Discriminant() != "renewToken" || env.RenewToken.Token != "abc123" {
		t.Errorf("unexpected decoded envelope: %+v", env)
	}
}

func TestDecodeControlEnvelope_TwoKeysPrefersAccept(t *testing.T) {
	data := []byte(`{"accept":{"id":"1","address":"wss://x"},"renewToken":{"token":"t"}}`)
	env, err := DecodeControlEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeControlEnvelope: %v", err)
	}
	// JSON permits both keys to decode; Discriminant picks accept first by
	// declaration order, matching the struct's field precedence.
	if env.Discriminant() != "accept" {
		t.Errorf("Discriminant() = %q, want accept", env.Discriminant())
	}
}

func TestEncodeRequest_RoundTrip(t *testing.T) {
	p := RequestPayload{ID: "1", Method: "GET", Target: "/foo", Headers: []HeaderPair{{"Host", "example.com"}}, Body: true}
	data, err := EncodeRequest(p)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	env, err := DecodeControlEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeControlEnvelope: %v", err)
	}
	if env.Request == nil || env.Request.Method != "GET" || env.Request.Target != "/foo" || !env.Request.Body {
		t.Errorf("unexpected round-tripped request: %+v", env.Request)
	}
}

func TestEncodeResponse_RoundTrip(t *testing.T) {
	p := ResponsePayload{StatusCode: 404, Reason: "Not Found", Body: false}
	data, err := EncodeResponse(p)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	env, err := DecodeControlEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeControlEnvelope: %v", err)
	}
	if env.Response == nil || env.Response.StatusCode != 404 || env.Response.Reason != "Not Found" {
		t.Errorf("unexpected round-tripped response: %+v", env.Response)
	}
}
