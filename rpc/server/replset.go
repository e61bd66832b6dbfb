package server

import (
	"errors"
	"sort"
	"time"

	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/rcrowley/go-metrics"
	"go.mongodb.org/mongo-driver/bson"
)

// ConfigureReplicaSet installs a replica set configuration. Every member has to
// be configured with the same member list. A configuration that does not contain
// this node is installed and leaves it SECONDARY without a primary, the returned
// error is a *replset.ConfigurationError in that case. A shut down server
// returns ErrServerClosed.
func (s *DocServer) ConfigureReplicaSet(setName string, members []string, priorities map[string]int) error {
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	cfg, err := replset.NewConfig(setName, members, priorities)
	if err != nil {
		return err
	}
	_, err = s.resolver.Configure(cfg)
	return err
}

// onRoleChange points the replication engine at the new primary.
func (s *DocServer) onRoleChange(old, current replset.Resolution) {
	Logger.Infof("%s: role %s -> %s, primary %q -> %q", s.Addr(), old.Role, current.Role, old.Primary, current.Primary)
	if current.Role == replset.RoleSecondary && current.Primary != "" {
		s.engine.Follow(current.Primary)
		return
	}
	s.engine.Follow("")
}

func (s *DocServer) replSetGetStatus() (bson.D, error) {
	res := s.resolver.Current()
	if res.Standalone() {
		return nil, common.NewCommandError(common.CodeNoReplicationEnabled, "not running with a replica set configuration")
	}
	status := s.engine.Status()

	members := bson.A{}
	for _, m := range res.Config.Members {
		state := replset.RoleSecondary
		if m.Host == res.Primary {
			state = replset.RolePrimary
		}
		member := bson.D{
			{Key: "_id", Value: int32(m.ID)},
			{Key: "name", Value: m.Host},
			{Key: "priority", Value: int32(m.Priority)},
			{Key: "state", Value: state.State()},
			{Key: "stateStr", Value: state.String()},
		}
		if m.Host == s.Addr() {
			member = append(member, bson.E{Key: "self", Value: true})
		}
		members = append(members, member)
	}

	reply := bson.D{
		{Key: "set", Value: res.Config.SetName},
		{Key: "date", Value: time.Now()},
		{Key: "myState", Value: res.Role.State()},
		{Key: "role", Value: res.Role.String()},
		{Key: "configVersion", Value: int32(res.Config.Version)},
		{Key: "primary", Value: res.Primary},
		{Key: "syncSourceHost", Value: status.Source},
		{Key: "members", Value: members},
		{Key: "feed", Value: bson.D{
			{Key: "sequence", Value: int64(s.feed.LastSequence())},
			{Key: "firstSequence", Value: int64(s.feed.FirstSequence())},
			{Key: "epoch", Value: s.feed.Epoch().String()},
			{Key: "clusterTime", Value: s.feed.ClusterTime()},
		}},
	}

	if res.Role == replset.RoleSecondary {
		stats := bson.D{
			{Key: "phase", Value: status.Phase.String()},
			{Key: "appliedEpoch", Value: status.Applied.Epoch},
			{Key: "appliedSequence", Value: int64(status.Applied.Sequence)},
			{Key: "targetSequence", Value: int64(status.Target)},
		}
		if status.LastError != nil {
			stats = append(stats, bson.E{Key: "lastError", Value: status.LastError.Error()})
		}
		reply = append(reply, bson.E{Key: "syncStats", Value: append(stats, registryFields(s.engine.Metrics())...)})
	}
	return reply, nil
}

func (s *DocServer) replSetGetConfig() (bson.D, error) {
	res := s.resolver.Current()
	if res.Standalone() {
		return nil, common.NewCommandError(common.CodeNoReplicationEnabled, "not running with a replica set configuration")
	}

	members := bson.A{}
	for _, m := range res.Config.Members {
		members = append(members, bson.D{
			{Key: "_id", Value: int32(m.ID)},
			{Key: "host", Value: m.Host},
			{Key: "priority", Value: int32(m.Priority)},
		})
	}
	return bson.D{{Key: "config", Value: bson.D{
		{Key: "_id", Value: res.Config.SetName},
		{Key: "version", Value: int32(res.Config.Version)},
		{Key: "members", Value: members},
	}}}, nil
}

func (s *DocServer) replSetReconfig(c ReplSetReconfigCommand) (bson.D, error) {
	res, err := s.resolver.Configure(c.Config)

	var confErr *replset.ConfigurationError
	switch {
	case errors.As(err, &confErr):
		return bson.D{{Key: "warning", Value: confErr.Error()}}, nil
	case err != nil:
		return nil, common.NewCommandError(common.CodeInvalidReplicaSetConfig, "%v", err)
	}
	return bson.D{
		{Key: "configVersion", Value: int32(res.Version())},
		{Key: "role", Value: res.Role.String()},
	}, nil
}

// registryFields renders the counters and gauges of a go-metrics registry.
func registryFields(r metrics.Registry) bson.D {
	var out bson.D
	r.Each(func(name string, m interface{}) {
		switch m := m.(type) {
		case metrics.Counter:
			out = append(out, bson.E{Key: name, Value: m.Count()})
		case metrics.Gauge:
			out = append(out, bson.E{Key: name, Value: m.Value()})
		case metrics.Histogram:
			snap := m.Snapshot()
			out = append(out, bson.E{Key: name, Value: bson.D{
				{Key: "count", Value: snap.Count()},
				{Key: "mean", Value: snap.Mean()},
				{Key: "p99", Value: snap.Percentile(0.99)},
				{Key: "max", Value: snap.Max()},
			}})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
