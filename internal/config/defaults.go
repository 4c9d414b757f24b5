package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults sets every default value
func setDefaults(v *viper.Viper) {
	// Ledger defaults
	v.SetDefault("ledger.url", "http://127.0.0.1:8545")
	v.SetDefault("ledger.request_timeout", 10*time.Second)
	v.SetDefault("ledger.header_cache_size", 1024)
	v.SetDefault("ledger.finality_depth", 12)
	v.SetDefault("ledger.max_batch_blocks", 1000)
	v.SetDefault("ledger.poll_interval", 2*time.Second)
	v.SetDefault("ledger.start_block", 0)
	v.SetDefault("ledger.backoff.initial", time.Second)
	v.SetDefault("ledger.backoff.max", 30*time.Second)
	v.SetDefault("ledger.backoff.max_attempts", 0) // 0 retries forever

	v.SetDefault("applier.strictness", "reject")

	// Path finding defaults
	v.SetDefault("pathfind.max_hops", 5)
	v.SetDefault("pathfind.max_results", 10)
	v.SetDefault("pathfind.max_expansions", 100000)
	v.SetDefault("pathfind.timeout", 2*time.Second)
	v.SetDefault("pathfind.cache_size", 1024)

	v.SetDefault("notifier.buffer", 256)

	// Storage defaults
	v.SetDefault("storage.backend", BackendPebble)
	v.SetDefault("storage.path", "./data/checkpoints")
	v.SetDefault("storage.compressor", "lz4")
	v.SetDefault("storage.checkpoint_interval", time.Minute)
	v.SetDefault("storage.checkpoint_keep", 5)
	v.SetDefault("storage.sql.driver", "")
	v.SetDefault("storage.sql.connection_string", "")
	v.SetDefault("storage.sql.host", "localhost")
	v.SetDefault("storage.sql.port", 5432)
	v.SetDefault("storage.sql.database", "trustrelay")
	v.SetDefault("storage.sql.username", "trustrelay")
	v.SetDefault("storage.sql.password", "")
	v.SetDefault("storage.sql.ssl_mode", "prefer")
	v.SetDefault("storage.sql.max_open_conns", 10)
	v.SetDefault("storage.sql.max_idle_conns", 2)
	v.SetDefault("storage.sql.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.sql.conn_max_idle_time", 15*time.Minute)
	v.SetDefault("storage.sql.default_timeout", 30*time.Second)
	v.SetDefault("storage.sql.enable_wal_mode", true)

	// Server defaults
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.websocket", true)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.address", "127.0.0.1:50051")
	v.SetDefault("grpc.max_recv_msg_size", 4*1024*1024)
	v.SetDefault("grpc.max_send_msg_size", 4*1024*1024)
	v.SetDefault("grpc.refresh_interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
}

// Example is a commented configuration file printed by `relayd config example`.
const Example = `# relayd configuration

[ledger]
url = "http://127.0.0.1:8545"
request_timeout = "10s"
header_cache_size = 1024
# blocks below the head before a block is final
finality_depth = 12
max_batch_blocks = 1000
poll_interval = "2s"
start_block = 0

[ledger.backoff]
initial = "1s"
max = "30s"
# 0 retries forever
max_attempts = 0

[[networks]]
name = "EUR"
address = "0x0000000000000000000000000000000000000001"
# start_block and finality_depth override the ledger section
# start_block = 1200000

[applier]
# reject | overextend
strictness = "reject"

[pathfind]
max_hops = 5
max_results = 10
max_expansions = 100000
timeout = "2s"
cache_size = 1024

[notifier]
buffer = 256

[storage]
# none | memory | pebble | leveldb | postgres | sqlite
backend = "pebble"
path = "./data/checkpoints"
# lz4 | none
compressor = "lz4"
checkpoint_interval = "1m"
checkpoint_keep = 5

[storage.sql]
# postgres: host, port, database, username, password or connection_string
# sqlite: database is the file path
host = "localhost"
port = 5432
database = "trustrelay"
username = "trustrelay"
ssl_mode = "prefer"

[server]
address = "127.0.0.1:8080"
websocket = true
request_timeout = "30s"

[grpc]
enabled = false
address = "127.0.0.1:50051"

[log]
# debug | info | warn | error
level = "info"
# json | console
format = "json"

[metrics]
enabled = true
`
