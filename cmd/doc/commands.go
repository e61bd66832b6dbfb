package doc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// rawWire marks commands talking to the server through the raw wire client instead of the driver.
const rawWire = "raw-wire"

var (
	insertCmd = &cobra.Command{
		Use:   "insert [collection] [document...]",
		Short: "Inserts one or more extended JSON documents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs := make([]interface{}, 0, len(args)-1)
			for _, arg := range args[1:] {
				doc, err := util.ParseDocument(arg)
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}

			ctx, cancel := util.CommandContext()
			defer cancel()
			res, err := collection(args[0]).InsertMany(ctx, docs)
			if err != nil {
				return err
			}
			for _, id := range res.InsertedIDs {
				fmt.Printf("inserted _id=%v\n", id)
			}
			return nil
		},
	}
	findCmd = &cobra.Command{
		Use:   "find [collection] [filter]",
		Short: "Prints the documents matching a filter",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterArg(args)
			if err != nil {
				return err
			}
			opts := options.Find()
			if s := viper.GetString("sort"); s != "" {
				sort, err := util.ParseDocument(s)
				if err != nil {
					return err
				}
				opts.SetSort(sort)
			}
			if p := viper.GetString("projection"); p != "" {
				projection, err := util.ParseDocument(p)
				if err != nil {
					return err
				}
				opts.SetProjection(projection)
			}
			if limit := viper.GetInt64("limit"); limit > 0 {
				opts.SetLimit(limit)
			}

			ctx, cancel := util.CommandContext()
			defer cancel()
			cur, err := collection(args[0]).Find(ctx, filter, opts)
			if err != nil {
				return err
			}
			defer cur.Close(context.Background())

			n := 0
			for cur.Next(ctx) {
				fmt.Println(util.FormatDocument(cur.Current))
				n++
			}
			if err := cur.Err(); err != nil {
				return err
			}
			fmt.Printf("found=%d\n", n)
			return nil
		},
	}
	countCmd = &cobra.Command{
		Use:   "count [collection] [filter]",
		Short: "Counts the documents matching a filter",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterArg(args)
			if err != nil {
				return err
			}
			ctx, cancel := util.CommandContext()
			defer cancel()
			n, err := collection(args[0]).CountDocuments(ctx, filter)
			if err != nil {
				return err
			}
			fmt.Printf("count=%d\n", n)
			return nil
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [collection] [filter]",
		Short: "Deletes the first (or with --many every) document matching a filter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterArg(args)
			if err != nil {
				return err
			}
			ctx, cancel := util.CommandContext()
			defer cancel()

			coll := collection(args[0])
			var res *mongo.DeleteResult
			if viper.GetBool("many") {
				res, err = coll.DeleteMany(ctx, filter)
			} else {
				res, err = coll.DeleteOne(ctx, filter)
			}
			if err != nil {
				return err
			}
			fmt.Printf("deleted=%d\n", res.DeletedCount)
			return nil
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [collection]",
		Short: "Prints change events of a collection, the database or (with --cluster) every database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options.ChangeStream().SetMaxAwaitTime(viper.GetDuration("await-time"))
			if token := viper.GetString("resume-after"); token != "" {
				doc, err := util.ParseDocument(token)
				if err != nil {
					return err
				}
				opts.SetResumeAfter(doc)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				cs  *mongo.ChangeStream
				err error
			)
			switch {
			case viper.GetBool("cluster"):
				cs, err = mongoClient.Watch(ctx, mongo.Pipeline{}, opts)
			case len(args) == 1:
				cs, err = collection(args[0]).Watch(ctx, mongo.Pipeline{}, opts)
			default:
				cs, err = mongoClient.Database(viper.GetString("db")).Watch(ctx, mongo.Pipeline{}, opts)
			}
			if err != nil {
				return err
			}
			defer cs.Close(context.Background())

			for cs.Next(ctx) {
				fmt.Println(util.FormatDocument(cs.Current))
			}
			if err := cs.Err(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	statusCmd = &cobra.Command{
		Use:         "status",
		Short:       "Prints the replica set status, or the handshake of a standalone server",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{rawWire: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.CommandContext()
			defer cancel()
			wc, err := util.NewWireClient(ctx)
			if err != nil {
				return err
			}
			defer wc.Close()

			reply, err := wc.RunCommand(ctx, "admin", bson.D{{Key: "replSetGetStatus", Value: 1}})
			var cmdErr *common.CommandError
			if errors.As(err, &cmdErr) && cmdErr.Code == common.CodeNoReplicationEnabled {
				reply, err = wc.RunCommand(ctx, "admin", bson.D{{Key: "hello", Value: 1}})
			}
			if err != nil {
				return err
			}
			fmt.Println(util.FormatDocument(reply))
			return nil
		},
	}
	reconfigCmd = &cobra.Command{
		Use:         "reconfig [set name] [host=priority...]",
		Short:       "Installs a replica set configuration on the server",
		Long:        "Installs a replica set configuration on the server. Every member of the set has to be reconfigured with the same member list, the member with the highest priority becomes primary.",
		Args:        cobra.MinimumNArgs(2),
		Annotations: map[string]string{rawWire: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, priorities, err := replset.ParseMembers(args[1:])
			if err != nil {
				return err
			}
			cfg, err := replset.NewConfig(args[0], hosts, priorities)
			if err != nil {
				return err
			}
			cfg.Version = viper.GetInt("config-version")

			raw, err := bson.Marshal(cfg)
			if err != nil {
				return err
			}
			var cfgDoc bson.D
			if err := bson.Unmarshal(raw, &cfgDoc); err != nil {
				return err
			}

			ctx, cancel := util.CommandContext()
			defer cancel()
			wc, err := util.NewWireClient(ctx)
			if err != nil {
				return err
			}
			defer wc.Close()

			reply, err := wc.RunCommand(ctx, "admin", bson.D{{Key: "replSetReconfig", Value: cfgDoc}})
			if err != nil {
				return err
			}
			fmt.Println(util.FormatDocument(reply))
			return nil
		},
	}
)

func init() {
	findCmd.Flags().String("sort", "", util.WrapString("Sort specification as extended JSON (e.g. '{\"n\": -1}')"))
	findCmd.Flags().String("projection", "", util.WrapString("Projection as extended JSON"))
	findCmd.Flags().Int64("limit", 0, util.WrapString("Maximum number of documents to print (0 = all)"))
	deleteCmd.Flags().Bool("many", false, util.WrapString("Delete every matching document"))
	watchCmd.Flags().Bool("cluster", false, util.WrapString("Watch every database"))
	watchCmd.Flags().String("resume-after", "", util.WrapString("Resume token (the _id of an event) to resume after"))
	reconfigCmd.Flags().Int("config-version", 0, util.WrapString("Version of the installed configuration (0 = current version + 1)"))
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func collection(name string) *mongo.Collection {
	return mongoClient.Database(viper.GetString("db")).Collection(name)
}

// filterArg parses the optional filter argument following the collection name
func filterArg(args []string) (bson.D, error) {
	if len(args) < 2 {
		return bson.D{}, nil
	}
	return util.ParseDocument(args[1])
}
