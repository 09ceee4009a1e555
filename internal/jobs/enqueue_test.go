package jobs

import (
	"testing"

	"github.com/hibiken/asynq"
)

func TestRedisOpt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantAddr string
		wantDB   int
	}{
		{name: "host_port", in: "redis:6379", wantAddr: "redis:6379"},
		{name: "uri", in: "redis://cache.internal:6380/2", wantAddr: "cache.internal:6380", wantDB: 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opt, err := RedisOpt(tt.in)
			if err != nil {
				t.Fatalf("RedisOpt(%q): %v", tt.in, err)
			}
			client, ok := opt.(asynq.RedisClientOpt)
			if !ok {
				t.Fatalf("RedisOpt(%q) = %T", tt.in, opt)
			}
			if client.Addr != tt.wantAddr || client.DB != tt.wantDB {
				t.Fatalf("RedisOpt(%q) = %+v", tt.in, client)
			}
		})
	}
}
