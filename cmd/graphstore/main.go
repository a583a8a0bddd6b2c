// GraphStore server and offline tools
// Serves the entity store over gRPC, or searches and replays a local database
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/internal/server"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/graph"
	"github.com/nainya/graphstore/pkg/journal"
	"github.com/nainya/graphstore/pkg/recordstore"
	"github.com/nainya/graphstore/pkg/search"
	"github.com/nainya/graphstore/pkg/value"
)

const Version = "1.0.0"

const usage = `GraphStore entity store.

Usage:
    graphstore serve [--db=<path>] [--port=<port>] [--metrics-port=<port>] [--log-level=<level>] [--pretty] [--no-sync]
    graphstore search [--db=<path>] [--type=<type>...] [--group=<group>...] [--has=<name>...] [--eq=<term>...] [--entities]
    graphstore replay [--db=<path>] [--journal=<path>] [--from=<commit>]
    graphstore -h | --help
    graphstore --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --db=<path>              Database file [default: graphstore.db].
    --port=<port>            gRPC listen port [default: 50051].
    --metrics-port=<port>    Metrics, health and pprof port [default: 9090].
    --log-level=<level>      debug, info, warn or error [default: info].
    --pretty                 Human readable console logs.
    --no-sync                Skip fsync on commit.
    --type=<type>            Match entities of this type, or * for any.
    --group=<group>          Match members of this group, or * for any group.
    --has=<name>             Match entities holding this property.
    --eq=<term>              Match name=value. Prefix the value with a
                             kind to type it, e.g. age=integer:42.
    --entities               Print full entities instead of ids.
    --journal=<path>         Journal base path, defaults to the database path
                             plus .journal.
    --from=<commit>          First commit to replay [default: 0].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	switch {
	case flag(opts, "serve"):
		err = serve(opts)
	case flag(opts, "search"):
		err = searchCmd(opts)
	case flag(opts, "replay"):
		err = replay(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "graphstore: %v\n", err)
		os.Exit(1)
	}
}

func serve(opts docopt.Opts) error {
	dbPath, _ := opts.String("--db")
	port, err := opts.Int("--port")
	if err != nil {
		return fmt.Errorf("--port: %w", err)
	}
	metricsPort, err := opts.Int("--metrics-port")
	if err != nil {
		return fmt.Errorf("--metrics-port: %w", err)
	}
	level, _ := opts.String("--log-level")

	logger.InitGlobalLogger(logger.Config{
		Level:  level,
		Pretty: flag(opts, "--pretty"),
	})
	log := logger.GetGlobalLogger()
	log.LogServerStart(port, dbPath)

	m := metrics.NewMetrics(nil)

	g, err := graph.Open(graph.Config{
		Path:    dbPath,
		NoSync:  flag(opts, "--no-sync"),
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		g.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	graphServer := server.NewServer(g, log)

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024), // 100 MB
		grpc.MaxSendMsgSize(100*1024*1024), // 100 MB
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
		grpc.StreamInterceptor(server.GrpcStreamMetricsInterceptor(m, log)),
	)
	server.RegisterGraphStoreServer(grpcServer, graphServer)

	// Reflection lets grpcurl list the service
	reflection.Register(grpcServer)

	obs := server.NewObservabilityServer(metricsPort, log, nil, func() error {
		_, err := g.Stats()
		return err
	})
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go m.RunUptime(ctx, 15*time.Second)

	go func() {
		<-ctx.Done()
		log.LogServerShutdown()
		graphServer.Stop()
		grpcServer.GracefulStop()
	}()

	log.LogServerReady(port)
	serveErr := grpcServer.Serve(lis)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = errors.Join(serveErr, obs.Shutdown(shutdownCtx), g.Close(shutdownCtx))
	if err != nil {
		log.Error("shutdown").Err(err).Send()
	}
	return err
}

func searchCmd(opts docopt.Opts) error {
	dbPath, _ := opts.String("--db")

	spec, err := parseFilter(
		list(opts, "--type"),
		list(opts, "--group"),
		list(opts, "--has"),
		list(opts, "--eq"),
	)
	if err != nil {
		return err
	}

	// A running server holds the file lock, so give up after DefaultTimeout
	store, err := recordstore.Open(dbPath, recordstore.Options{
		Timeout:  graph.DefaultTimeout,
		ReadOnly: true,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	engine := search.NewEngine(store, nil, nil)
	ctx := context.Background()

	if flag(opts, "--entities") {
		states, err := engine.SearchEntities(ctx, spec)
		if err != nil {
			return err
		}
		for _, st := range states {
			fmt.Printf("%s\t%s\tgroups=%v", st.ID, st.Type, st.GroupNames())
			for _, name := range st.PropertyNames() {
				v, _ := st.Property(name)
				fmt.Printf("\t%s=%s", name, v)
			}
			fmt.Println()
		}
		return nil
	}

	ids, err := engine.Search(ctx, spec)
	if err != nil {
		return err
	}
	for _, id := range ids.Sorted() {
		fmt.Println(id)
	}
	return nil
}

func replay(opts docopt.Opts) error {
	dbPath, _ := opts.String("--db")
	path := dbPath + graph.JournalSuffix
	if p, ok := opts["--journal"].(string); ok && p != "" {
		path = p
	}
	fromStr, _ := opts.String("--from")
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}

	stats, err := journal.Replay(path, from, func(b journal.Batch) error {
		for _, ev := range b.Events {
			fmt.Printf("%d\t%s\t%s\n", b.Commit, b.Timestamp.Format(time.RFC3339Nano), ev)
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "commits=%d unsealed=%d events=%d torn_segments=%d\n",
		stats.SealedCommits, stats.UnsealedCommits, stats.ReplayedEvents, stats.TornSegments)
	return nil
}

// parseFilter builds a search filter from command line terms. A category
// with no terms is left unspecified.
func parseFilter(types, groups, has, eq []string) (*filter.Spec, error) {
	spec := filter.New()
	if len(types) > 0 {
		spec.WithTypes(types...)
	}
	if len(groups) > 0 {
		spec.WithGroups(groups...)
	}
	for _, name := range has {
		spec.Has(name)
	}
	for _, term := range eq {
		name, raw, ok := strings.Cut(term, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--eq %q: want name=value", term)
		}
		v, err := parseLiteral(raw)
		if err != nil {
			return nil, fmt.Errorf("--eq %q: %w", term, err)
		}
		spec.Equals(name, v)
	}
	return spec, nil
}

// parseLiteral reads "kind:value", or plain text when no known kind prefixes it
func parseLiteral(raw string) (value.Value, error) {
	prefix, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return value.Text(raw), nil
	}
	kind, known := value.ParseKind(prefix)
	if !known {
		return value.Text(raw), nil
	}

	switch kind {
	case value.KindNull:
		return value.Null(), nil
	case value.KindText:
		return value.Text(rest), nil
	case value.KindInteger:
		i, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(i), nil
	case value.KindReal:
		f, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.Real(f), nil
	case value.KindBoolean:
		b, err := strconv.ParseBool(rest)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b), nil
	case value.KindTimestamp:
		t, err := time.Parse(time.RFC3339Nano, rest)
		if err != nil {
			return value.Value{}, err
		}
		return value.Of(t)
	default:
		return value.Value{}, fmt.Errorf("%s literals are not supported", kind)
	}
}

func flag(opts docopt.Opts, key string) bool {
	b, _ := opts.Bool(key)
	return b
}

func list(opts docopt.Opts, key string) []string {
	list, _ := opts[key].([]string)
	return list
}
