package model

import "testing"

func TestUpstreamTarget_URL(t *testing.T) {
	tests := []struct {
		name    string
		target  UpstreamTarget
		wantURL string
		wantKey string
	}{
		{
			name:    "default http port omitted",
			target:  UpstreamTarget{Scheme: "http", Host: "example.com", Port: 80, Path: "/"},
			wantURL: "http://example.com/",
			wantKey: "http://example.com:80",
		},
		{
			name:    "custom https port kept",
			target:  UpstreamTarget{Scheme: "https", Host: "api.example.com", Port: 8443, Path: "/v1", RawQuery: "a=1"},
			wantURL: "https://api.example.com:8443/v1?a=1",
			wantKey: "https://api.example.com:8443",
		},
		{
			name:    "ipv6 host bracketed",
			target:  UpstreamTarget{Scheme: "http", Host: "2001:db8::1", Port: 8080, Path: "/"},
			wantURL: "http://[2001:db8::1]:8080/",
			wantKey: "http://[2001:db8::1]:8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.String(); got != tt.wantURL {
				t.Errorf("String() = %q, want %q", got, tt.wantURL)
			}
			if got := tt.target.Key(); got != tt.wantKey {
				t.Errorf("Key() = %q, want %q", got, tt.wantKey)
			}
		})
	}
}

func TestUpstreamTarget_Trusted(t *testing.T) {
	if (&UpstreamTarget{Class: ClassPublic}).Trusted() {
		t.Error("public target should not be trusted")
	}
	if !(&UpstreamTarget{Class: ClassService}).Trusted() {
		t.Error("service target should be trusted")
	}
}
