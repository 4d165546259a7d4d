package security

import (
	"net"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		// Valid URLs
		{"valid https", "https://embed.example.com/e/abc123", nil},
		{"valid http", "http://embed.example.com/page", nil},
		{"valid with port", "https://embed.example.com:8080/e/x", nil},
		{"valid with query", "https://embed.example.com/e/x?token=abc", nil},

		// Invalid schemes
		{"file scheme", "file:///etc/passwd", ErrBlockedScheme},
		{"javascript scheme", "javascript:alert(1)", ErrBlockedScheme},
		{"data scheme", "data:text/html,<script>alert(1)</script>", ErrBlockedScheme},
		{"ftp scheme", "ftp://example.com", ErrBlockedScheme},
		{"no scheme", "example.com", ErrBlockedScheme},

		// Localhost blocking
		{"localhost", "http://localhost/admin", ErrLocalhostBlocked},
		{"localhost with port", "http://localhost:8080", ErrLocalhostBlocked},
		{"127.0.0.1", "http://127.0.0.1", ErrLocalhostBlocked},
		{"127.0.0.1 with port", "http://127.0.0.1:3000", ErrLocalhostBlocked},
		{"IPv6 loopback", "http://[::1]/", ErrLocalhostBlocked},
		{"IPv6 unspecified", "http://[::]/", ErrLocalhostBlocked},
		{"0.0.0.0", "http://0.0.0.0", ErrPrivateIPBlocked},
		{"this-network range", "http://0.1.2.3/", ErrPrivateIPBlocked},

		// SSRF bypass attempts - decimal IP encoding
		{"decimal loopback", "http://2130706433/", ErrLocalhostBlocked}, // 127.0.0.1
		{"decimal private", "http://3232235777/", ErrPrivateIPBlocked},  // 192.168.1.1
		{"decimal metadata", "http://2852039166/", ErrPrivateIPBlocked}, // 169.254.169.254

		// SSRF bypass attempts - octal and hex encoding
		{"octal loopback", "http://0177.0.0.1/", ErrLocalhostBlocked},
		{"hex loopback", "http://0x7f.0.0.1/", ErrLocalhostBlocked},
		{"mixed encoding private", "http://0xC0.0250.1.1/", ErrPrivateIPBlocked}, // 192.168.1.1

		// SSRF bypass attempts - alternative loopback range
		{"alt loopback 127.0.0.2", "http://127.0.0.2/", ErrLocalhostBlocked},
		{"alt loopback 127.1.1.1", "http://127.1.1.1/", ErrLocalhostBlocked},
		{"alt loopback 127.255.255.254", "http://127.255.255.254/", ErrLocalhostBlocked},

		// SSRF bypass attempts - shortened IP forms
		{"shortened loopback", "http://127.1/", ErrLocalhostBlocked}, // 127.0.0.1

		// SSRF bypass attempts - IPv4-mapped IPv6
		{"ipv4-mapped loopback", "http://[::ffff:127.0.0.1]/", ErrLocalhostBlocked},
		{"ipv4-mapped private", "http://[::ffff:192.168.1.1]/", ErrPrivateIPBlocked},

		// SSRF bypass attempts - localhost variations
		{"localhost subdomain", "http://foo.localhost/", ErrLocalhostBlocked},
		{"ip6-localhost", "http://ip6-localhost/", ErrLocalhostBlocked},

		// Private IP blocking
		{"private 10.x", "http://10.0.0.1", ErrPrivateIPBlocked},
		{"private 172.16.x", "http://172.16.0.1", ErrPrivateIPBlocked},
		{"private 192.168.x", "http://192.168.1.1", ErrPrivateIPBlocked},
		{"IPv6 ULA", "http://[fd00:ec2::254]/", ErrPrivateIPBlocked},

		// Cloud metadata blocking (link-local IPs caught by IsLinkLocalUnicast first)
		{"AWS metadata", "http://169.254.169.254/latest/meta-data/", ErrPrivateIPBlocked},
		{"AWS ECS metadata", "http://169.254.170.2/v2/credentials", ErrPrivateIPBlocked},
		{"Alibaba metadata", "http://100.100.100.200/", ErrMetadataBlocked},
		{"Oracle metadata", "http://192.0.0.192/", ErrMetadataBlocked},
		{"GCP metadata host", "http://metadata.google.internal/", ErrLocalhostBlocked},
		{"AWS instance-data", "http://instance-data/", ErrLocalhostBlocked},

		// Empty/invalid
		{"empty", "", ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if err != tt.wantErr {
				t.Errorf("ValidateURL(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestParseIPWithNormalization(t *testing.T) {
	tests := []struct {
		hostname string
		want     string // "" means not parseable as an IP
	}{
		{"192.168.1.1", "192.168.1.1"},
		{"2130706433", "127.0.0.1"},
		{"0177.0.0.1", "127.0.0.1"},
		{"0x7f.0.0.1", "127.0.0.1"},
		{"127.1", "127.0.0.1"},
		{"::1", "::1"},
		{"embed.example.com", ""},
		{"999.1.1.1", ""},
		{"0x7f.0x0.0x0.0x100", ""}, // octet out of range
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			got := parseIPWithNormalization(tt.hostname)
			if tt.want == "" {
				if got != nil {
					t.Errorf("parseIPWithNormalization(%q) = %v, want nil", tt.hostname, got)
				}
				return
			}
			want := net.ParseIP(tt.want)
			if got == nil || !got.Equal(want) {
				t.Errorf("parseIPWithNormalization(%q) = %v, want %v", tt.hostname, got, want)
			}
		})
	}
}

func TestIsCloudMetadataIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected bool
	}{
		{"169.254.169.254", true},
		{"169.254.170.2", true},
		{"100.100.100.200", true},
		{"192.0.0.192", true},
		{"8.8.8.8", false},
		{"192.168.1.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("Failed to parse IP: %s", tt.ip)
			}
			got := isCloudMetadataIP(ip)
			if got != tt.expected {
				t.Errorf("isCloudMetadataIP(%s) = %v, want %v", tt.ip, got, tt.expected)
			}
		})
	}
}

func TestIsLoopbackIPCoversWholeRange(t *testing.T) {
	for _, addr := range []string{"127.0.0.1", "127.0.0.2", "127.255.255.254"} {
		if !isLoopbackIP(net.ParseIP(addr)) {
			t.Errorf("Expected %s to be loopback", addr)
		}
	}
	if isLoopbackIP(net.ParseIP("128.0.0.1")) {
		t.Error("Expected 128.0.0.1 to not be loopback")
	}
	if !isLoopbackIP(net.ParseIP("::1")) {
		t.Error("Expected ::1 to be loopback")
	}
}
