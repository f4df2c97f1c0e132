package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "folio@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "folio@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "folio@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendEmailNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendEmail([]string{"to@example.com"}, "subject", "body"); err == nil {
		t.Error("expected error when not configured")
	}
	if err := svc.SendHTMLEmail([]string{"to@example.com"}, "subject", "<p>body</p>"); err == nil {
		t.Error("expected error when not configured")
	}
}

func TestRenderVerificationTemplate(t *testing.T) {
	data := VerificationData{
		AppName:         "Folio",
		UserName:        "Imani",
		VerificationURL: "https://example.com/verify?token=abc123",
	}

	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Folio") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Imani") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "https://example.com/verify?token=abc123") {
		t.Error("template should contain verification URL")
	}
}

func TestRenderPasswordResetTemplate(t *testing.T) {
	data := PasswordResetData{
		AppName:  "Folio",
		UserName: "Imani",
		ResetURL: "https://example.com/reset?token=xyz",
	}

	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Reset Password") {
		t.Error("template should contain reset button")
	}
	if !strings.Contains(html, "https://example.com/reset?token=xyz") {
		t.Error("template should contain reset URL")
	}
}

func TestRenderAssignmentTemplate(t *testing.T) {
	data := AssignmentData{
		AppName:       "Folio",
		UserName:      "Sanna",
		BookTitle:     "The Long Road",
		Language:      "fr",
		AssignmentURL: "https://example.com/assignments/asg_1",
	}

	html, err := renderTemplate(assignmentEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "The Long Road") {
		t.Error("template should contain book title")
	}
	if !strings.Contains(html, "fr") {
		t.Error("template should contain target language")
	}
	if !strings.Contains(html, "https://example.com/assignments/asg_1") {
		t.Error("template should contain assignment URL")
	}
}
