package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hammer/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "hammer:", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-listing-events", "hammer-shared-listing-events", "")
	pflag.String("redis-stream-key-for-user-events", "hammer-shared-user-events", "")

	// bid config
	pflag.Int64("bid-min-increment", 1, "")
	pflag.Int("bid-max-retries", 3, "")

	// closer config
	pflag.Duration("closer-interval", time.Minute, "")
	pflag.Bool("closer-use-tick-lock", true, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("HAMMER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					ListingEvents: viper.GetString("redis-stream-key-for-listing-events"),
					UserEvents:    viper.GetString("redis-stream-key-for-user-events"),
				},
			},
			Bid: api.BidConfig{
				MinIncrement: viper.GetInt64("bid-min-increment"),
				MaxRetries:   viper.GetInt("bid-max-retries"),
			},
			Closer: api.CloserConfig{
				Interval:    viper.GetDuration("closer-interval"),
				UseTickLock: viper.GetBool("closer-use-tick-lock"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" && args.ServerConfig.DB.Host != "" && args.ServerConfig.Redis.Addr != ""
}
