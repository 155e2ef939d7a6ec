package redis_test

import (
	"reflect"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	redisstore "github.com/xraph/courier/store/redis"
)

func TestNewTakesSingleNodeClient(t *testing.T) {
	in := reflect.TypeOf(redisstore.New).In(0)
	if in != reflect.TypeOf(&goredis.Client{}) {
		t.Fatalf("New accepts %s, want *redis.Client", in)
	}
	if reflect.TypeOf(&goredis.ClusterClient{}).AssignableTo(in) {
		t.Error("a cluster client must not be accepted")
	}

	// Sentinel failover clients are single-node clients.
	client := goredis.NewFailoverClient(&goredis.FailoverOptions{
		MasterName:    "courier",
		SentinelAddrs: []string{"127.0.0.1:26379"},
	})
	defer client.Close()
	if s := redisstore.New(client); s.Client() != client {
		t.Error("Client() does not return the configured client")
	}
}
