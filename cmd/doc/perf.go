package doc

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dDoc servers",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfCollection   = "__perf"
	perfLargeDocKB   = 100
	perfNumThreads   = 10
	perfDocumentKeys = 100
	perfSkip         = make([]string, 0)
)

// perfResult is the outcome of one benchmark: the go testing result for throughput
// and a timer of the individual operations for latency percentiles.
type perfResult struct {
	bench testing.BenchmarkResult
	timer metrics.Timer
}

// perfCase describes one benchmark. prepare runs before the timer starts and
// op is called with a worker local counter.
type perfCase struct {
	name    string
	prepare func(ctx context.Context, coll *mongo.Collection) error
	op      func(ctx context.Context, coll *mongo.Collection, i int) error
}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. insert,find)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-doc-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("Size of the payload of the insert-large test (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different document ids to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeDocKB = viper.GetInt("large-doc-size")
	perfDocumentKeys = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dDoc servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	largeValue := strings.Repeat("x", perfLargeDocKB*1024)
	cases := []perfCase{
		{
			name: "insert",
			op: func(ctx context.Context, coll *mongo.Collection, _ int) error {
				_, err := coll.InsertOne(ctx, bson.D{{Key: "v", Value: "test"}})
				return err
			},
		},
		{
			name: "insert-large",
			op: func(ctx context.Context, coll *mongo.Collection, _ int) error {
				_, err := coll.InsertOne(ctx, bson.D{{Key: "v", Value: largeValue}})
				return err
			},
		},
		{
			name:    "find-id",
			prepare: seedDocuments,
			op: func(ctx context.Context, coll *mongo.Collection, i int) error {
				err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: docKey(i)}}).Err()
				if errors.Is(err, mongo.ErrNoDocuments) {
					return nil
				}
				return err
			},
		},
		{
			name:    "update",
			prepare: seedDocuments,
			op: func(ctx context.Context, coll *mongo.Collection, i int) error {
				_, err := coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: docKey(i)}},
					bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: 1}}}})
				return err
			},
		},
		{
			name:    "count",
			prepare: seedDocuments,
			op: func(ctx context.Context, coll *mongo.Collection, _ int) error {
				_, err := coll.CountDocuments(ctx, bson.D{{Key: "n", Value: bson.D{{Key: "$gte", Value: 0}}}})
				return err
			},
		},
		{
			name:    "mixed",
			prepare: seedDocuments,
			op: func(ctx context.Context, coll *mongo.Collection, i int) error {
				id := docKey(i / 4)
				var err error
				switch i % 4 {
				case 0: // upsert
					_, err = coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}},
						bson.D{{Key: "n", Value: i}}, upsert)
				case 1: // find
					err = coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Err()
				case 2: // delete
					_, err = coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
				case 3: // count
					_, err = coll.CountDocuments(ctx, bson.D{})
				}
				if errors.Is(err, mongo.ErrNoDocuments) {
					return nil
				}
				return err
			},
		},
	}

	results := make(map[string]perfResult)
	for _, c := range cases {
		if shouldSkip(c.name) {
			results[c.name] = perfResult{}
			printResult(c.name, perfResult{})
			continue
		}
		res := benchmark(c)
		results[c.name] = res
		printResult(c.name, res)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// benchmark runs c against a fresh collection that is dropped afterwards
func benchmark(c perfCase) perfResult {
	timer := metrics.NewTimer()
	coll := mongoClient.Database(viper.GetString("db")).Collection(perfCollection + "-" + c.name)

	bench := testing.Benchmark(func(b *testing.B) {
		ctx := context.Background()
		if err := coll.Drop(ctx); err != nil {
			log.Printf("(%s) - error dropping collection: %v\n", c.name, err)
		}
		b.Cleanup(func() {
			if err := coll.Drop(context.Background()); err != nil {
				log.Printf("(%s) - error dropping collection: %v\n", c.name, err)
			}
		})
		if c.prepare != nil {
			if err := c.prepare(ctx, coll); err != nil {
				b.Fatalf("(%s) - error preparing collection: %v", c.name, err)
			}
		}

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				if err := c.op(ctx, coll, counter); err != nil {
					log.Printf("(%s) - error: %v\n", c.name, err)
				}
				timer.UpdateSince(start)
				counter++
			}
		})
	})
	return perfResult{bench: bench, timer: timer}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

var upsert = options.Replace().SetUpsert(true)

func seedDocuments(ctx context.Context, coll *mongo.Collection) error {
	docs := make([]interface{}, perfDocumentKeys)
	for i := range docs {
		docs[i] = bson.D{{Key: "_id", Value: docKey(i)}, {Key: "n", Value: 0}}
	}
	_, err := coll.InsertMany(ctx, docs)
	return err
}

// docKey returns one of the perfDocumentKeys ids (with wraparound)
func docKey(i int) string {
	return fmt.Sprintf("doc-%d", i%perfDocumentKeys)
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result perfResult) {
	if result.bench.NsPerOp() == 0 {
		fmt.Printf("%-16sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.bench.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)
	ps := result.timer.Percentiles([]float64{0.5, 0.99})

	fmt.Printf("%-16s%.0fns/op (%s/op)\t%.0f ops/sec\tp50=%s p99=%s\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec,
		util.FormatDuration(time.Duration(ps[0])), util.FormatDuration(time.Duration(ps[1])))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50Ns", "P99Ns", "Skipped",
		"Endpoints", "MaxPoolSize", "Threads", "LargeDocSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec, p50, p99 float64
		skipped := "true"
		if result.bench.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.bench.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
			ps := result.timer.Percentiles([]float64{0.5, 0.99})
			p50, p99 = ps[0], ps[1]
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			fmt.Sprintf("%.0f", p50),
			fmt.Sprintf("%.0f", p99),
			skipped,
			strings.Join(config.Endpoints, ";"),
			strconv.FormatUint(config.MaxPoolSize, 10),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeDocKB),
			strconv.Itoa(perfDocumentKeys),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}
	return nil
}
