package security

import "testing"

func TestValidateWebhookURLRejectsUnsafeTargets(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"loopback literal", "http://127.0.0.1:8080/hook"},
		{"private literal", "https://10.0.0.5/hook"},
		{"link-local literal", "http://169.254.169.254/latest/meta-data"},
		{"unspecified literal", "http://0.0.0.0/hook"},
		{"localhost", "http://localhost/hook"},
		{"gcp metadata", "http://metadata.google.internal/computeMetadata"},
		{"bad scheme", "ftp://example.com/hook"},
		{"no host", "https:///hook"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateWebhookURL(tc.url); err == nil {
				t.Errorf("expected %q to be rejected", tc.url)
			}
		})
	}
}

func TestValidateWebhookURLAllowsPublicAddress(t *testing.T) {
	// IP literal avoids DNS resolution in the test.
	if err := ValidateWebhookURL("https://93.184.216.34/hook"); err != nil {
		t.Errorf("expected public address to be allowed, got %v", err)
	}
}
