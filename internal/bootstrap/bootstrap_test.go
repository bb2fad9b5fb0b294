package bootstrap

import "testing"

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"https://abc.appsync-api.us-east-1.amazonaws.com/graphql",
			"wss://abc.appsync-realtime-api.us-east-1.amazonaws.com/graphql",
		},
		{"http://localhost:8080/graphql", "http://localhost:8080/graphql"},
	}
	for _, tt := range tests {
		if got := RealtimeURL(tt.in); got != tt.want {
			t.Fatalf("RealtimeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_RequiresHTTPEndpoint(t *testing.T) {
	t.Setenv("APPSYNC_HTTP_URL", "")
	if _, err := Load(t.Context()); err == nil {
		t.Fatal("expected error without APPSYNC_HTTP_URL")
	}
}
