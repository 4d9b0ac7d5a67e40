package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	logx "loopcast/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{":6060", false},
		{"0.0.0.0:6060", false},
		{"10.0.0.1:6060", false},
		{"bogus", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), nil)
	err := s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	if !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener started despite refusal")
	}
}

func TestServesVarsBehindToken(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), func() any { return map[string]int{"workers": 3} })
	ctx := context.Background()
	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "tk"}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	defer s.Stop(ctx)
	base := "http://" + s.Addr()

	res, err := http.Get(base + "/debug/vars")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/debug/vars", nil)
	req.Header.Set("Authorization", "Bearer tk")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	var got map[string]int
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil || got["workers"] != 3 {
		t.Fatalf("vars = %v, %v", got, err)
	}

	// Disabling stops the listener.
	if err := s.Reconfigure(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("Reconfigure off: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener still running after disable")
	}
}
