package urlutil

import (
	"testing"
)

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		paths   []string
		want    string
		wantErr bool
	}{
		{
			name:  "simple join",
			base:  "https://connect.example.com",
			paths: []string{"application", "login"},
			want:  "https://connect.example.com/application/login",
		},
		{
			name:  "base with path",
			base:  "https://connect.example.com/api",
			paths: []string{"user", "login"},
			want:  "https://connect.example.com/api/user/login",
		},
		{
			name:  "leading slash in component",
			base:  "https://example.com",
			paths: []string{"/comply/error"},
			want:  "https://example.com/comply/error",
		},
		{
			name:  "trailing slash on base",
			base:  "https://example.com/",
			paths: []string{"comply", "error"},
			want:  "https://example.com/comply/error",
		},
		{
			name:  "trailing slash preserved",
			base:  "https://example.com",
			paths: []string{"dir/"},
			want:  "https://example.com/dir/",
		},
		{
			name:  "no extra paths",
			base:  "https://example.com/base",
			paths: nil,
			want:  "https://example.com/base",
		},
		{
			name:    "invalid base",
			base:    "://bad",
			paths:   []string{"x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinPath(tt.base, tt.paths...)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("JoinPath(%q, %v) = %q, want %q", tt.base, tt.paths, got, tt.want)
			}
		})
	}
}

func TestMustJoinPath_PanicsOnBadBase(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustJoinPath("://bad", "x")
}
