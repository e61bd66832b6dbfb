package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	Logger = logger.GetLogger("client")
)

// ClientOptions translates a ClientConfig into driver options for host.
// With direct set the driver talks to host only and skips replica set discovery,
// which is what a secondary following one primary needs.
func ClientOptions(config common.ClientConfig, host string, direct bool) *options.ClientOptions {
	opts := options.Client().
		SetHosts([]string{host}).
		SetDirect(direct).
		SetRetryReads(false).
		SetRetryWrites(false)

	if config.AppName != "" {
		opts.SetAppName(config.AppName)
	}
	if config.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(config.MaxPoolSize)
	}
	if config.MinPoolSize > 0 {
		opts.SetMinPoolSize(config.MinPoolSize)
	}
	if config.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(config.MaxConnIdleTime)
	}
	if config.HeartbeatInterval > 0 {
		opts.SetHeartbeatInterval(config.HeartbeatInterval)
	}
	if config.ServerSelection > 0 {
		opts.SetServerSelectionTimeout(config.ServerSelection)
	}
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}
	return opts
}

// Connect opens a driver client to host and pings it.
func Connect(ctx context.Context, config common.ClientConfig, host string, direct bool) (*mongo.Client, error) {
	c, err := mongo.Connect(ctx, ClientOptions(config, host, direct))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", host, err)
	}

	pingCtx := ctx
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, config.ConnectTimeout+config.ServerSelection)
		defer cancel()
	}
	if err := c.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach %s: %w", host, err)
	}
	return c, nil
}

// commandError converts a driver command error into a CommandError. A
// ChangeStreamHistoryLost reply additionally wraps feed.ErrHistoryLost.
func commandError(err error) error {
	if err == nil {
		return nil
	}
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}
	converted := &common.CommandError{Code: cmdErr.Code, CodeName: cmdErr.Name, Msg: cmdErr.Message}
	if cmdErr.Code == common.CodeChangeStreamHistoryLost {
		return fmt.Errorf("%w: %w", feed.ErrHistoryLost, converted)
	}
	return converted
}
