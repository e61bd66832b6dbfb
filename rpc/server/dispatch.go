package server

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
)

// execute runs a parsed command and returns the reply fields without ok.
// Failures are returned as errors and converted by toCommandError.
func (s *DocServer) execute(ctx context.Context, cmd Command) (bson.D, error) {
	if isWrite(cmd) && !s.IsPrimary() {
		return nil, common.NewCommandError(common.CodeNotWritablePrimary,
			"not primary: %s is %s", s.Addr(), s.resolver.Current().Role)
	}

	switch c := cmd.(type) {
	// CRUD
	case FindCommand:
		return s.find(c)
	case InsertCommand:
		return s.insert(c)
	case UpdateCommand:
		return s.update(c)
	case DeleteCommand:
		return s.delete(c)
	case CountCommand:
		return s.count(c)
	case AggregateCommand:
		return s.aggregate(c)
	case ChangeStreamCommand:
		return s.changeStream(c)

	// cursors
	case GetMoreCommand:
		return s.getMore(ctx, c)
	case KillCursorsCommand:
		return s.killCursors(c)

	// databases and collections
	case ListCollectionsCommand:
		return s.listCollections(c)
	case ListDatabasesCommand:
		return s.listDatabases(c)
	case CreateCommand:
		return s.create(c)
	case DropCommand:
		return s.drop(c)
	case DropDatabaseCommand:
		return s.dropDatabase(c)
	case IndexCommand:
		return s.indexes(c)

	// handshake and diagnostics
	case HelloCommand:
		return s.hello(c), nil
	case PingCommand, EndSessionsCommand:
		return bson.D{}, nil
	case BuildInfoCommand:
		return s.buildInfo(), nil

	// replica set
	case ReplSetGetStatusCommand:
		return s.replSetGetStatus()
	case ReplSetGetConfigCommand:
		return s.replSetGetConfig()
	case ReplSetReconfigCommand:
		return s.replSetReconfig(c)

	case UnsupportedCommand:
		return nil, common.NewCommandError(common.CodeCommandNotFound, "no such command: '%s'", c.Name)
	}
	return nil, common.NewCommandError(common.CodeInternalError, "command %T has no handler", cmd)
}

// toCommandError converts any error returned while executing a command into the
// error document sent to the client.
func toCommandError(err error) *common.CommandError {
	var cmdErr *common.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}

	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		switch storeErr.Code {
		case store.RetCDuplicateKey:
			return common.NewCommandError(common.CodeDuplicateKey, "%s", storeErr.Msg)
		case store.RetCInvalidOperation:
			return common.NewCommandError(common.CodeBadValue, "%s", storeErr.Msg)
		case store.RetCNotFound:
			return common.NewCommandError(common.CodeNoMatchingDocument, "%s", storeErr.Msg)
		}
		return common.NewCommandError(common.CodeInternalError, "%s", storeErr.Msg)
	}

	switch {
	case errors.Is(err, query.ErrInvalidQuery):
		return common.NewCommandError(common.CodeBadValue, "%v", err)
	case errors.Is(err, replset.ErrInvalidConfig):
		return common.NewCommandError(common.CodeInvalidReplicaSetConfig, "%v", err)
	case errors.Is(err, context.Canceled):
		return common.NewCommandError(common.CodeInterrupted, "operation was interrupted")
	}
	return common.NewCommandError(common.CodeInternalError, "%v", err)
}
