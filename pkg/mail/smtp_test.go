package mail

import (
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Host:      "smtp.example.com",
		Port:      587,
		FromEmail: "post@example.com",
		FromName:  "Example",
	}
}

func TestBuildMessage(t *testing.T) {
	msg := string(BuildMessage(testConfig(), []string{"a@x", "b@x"}, "Hello", "<p>hi</p>", "<id-1@example.com>"))

	for _, want := range []string{
		"From: Example <post@example.com>\r\n",
		"To: a@x, b@x\r\n",
		"Subject: Hello\r\n",
		"Message-ID: <id-1@example.com>\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: multipart/alternative;",
		"Content-Type: text/html; charset=UTF-8\r\n",
		"<p>hi</p>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	if !strings.HasSuffix(msg, "--\r\n") {
		t.Errorf("message not terminated with closing boundary:\n%s", msg)
	}
}

func TestMessageIDDomain(t *testing.T) {
	if got := messageIDDomain("post@krultra.example"); got != "krultra.example" {
		t.Errorf("messageIDDomain = %q", got)
	}
	if got := messageIDDomain("not-an-address"); got != "smtp-agent.local" {
		t.Errorf("messageIDDomain fallback = %q", got)
	}
}

func TestValidatePayload(t *testing.T) {
	if err := ValidatePayload([]string{"a@x"}, "Hi", "<p>x</p>"); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := []struct {
		name    string
		to      []string
		subject string
		html    string
	}{
		{"no recipients", nil, "Hi", "<p>x</p>"},
		{"empty recipient", []string{""}, "Hi", "<p>x</p>"},
		{"empty subject", []string{"a@x"}, "", "<p>x</p>"},
		{"empty html", []string{"a@x"}, "Hi", ""},
	}
	for _, tc := range bad {
		if err := ValidatePayload(tc.to, tc.subject, tc.html); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
