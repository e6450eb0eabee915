package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"

	simplecache "github.com/cleverplatypus/apihive-adapter-simple-cache"
	"github.com/cleverplatypus/apihive-adapter-simple-cache/cache"
	cachemeta "github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/cache-meta"
	"github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/pipeline"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `Usage: simple-cache [flags] <command> [args]

Commands:
  call <api> <endpoint> [name=value...]  call an endpoint through the cache
  clear                                  remove every entry of the cache
  sweep                                  remove expired entries

Arguments of call fill the endpoint path placeholders, the rest become query parameters.

Flags:
`

// this is set by goreleaser
var version string

type flags struct {
	configFile  string
	name        string
	dir         string
	redisAddr   string
	clear       bool
	ttl         float64
	verboseFlag bool
	traceFlag   bool
	logFile     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("simple-cache failed")
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if version == "" {
		version = "DEV"
	}
	fs := flag.NewFlagSet("simple-cache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	var f flags
	fs.StringVar(&f.configFile, "config", "", "YAML config file with the cache options and api definitions")
	fs.StringVar(&f.name, "name", "", "Cache name (overrides config and SIMPLE_CACHE_NAME)")
	fs.StringVar(&f.dir, "dir", "", "Cache DB directory (use 'memory' for an in-memory db)")
	fs.StringVar(&f.redisAddr, "redis", "", "Redis address to store entries in instead of SQLite")
	fs.BoolVar(&f.clear, "clear", false, "Clear the cache before the command")
	fs.Float64Var(&f.ttl, "ttl", -1, "Cache TTL in seconds for this call (overrides api and endpoint meta)")
	fs.BoolVar(&f.verboseFlag, "v", false, "Verbosity: debug logging")
	fs.BoolVar(&f.traceFlag, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&f.logFile, "log-file", "", "Log file to use (in addition to stderr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(f, stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	log.Logger = logger

	config, err := getConfig(f.configFile)
	if err != nil {
		return err
	}
	applyFlags(fs, f, &config.Cache)

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	adapter, err := newAdapter(config, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	switch cmd := rest[0]; cmd {
	case "call":
		if len(rest) < 3 {
			return errors.New("call needs an api and an endpoint")
		}
		return call(ctx, config, adapter, logger, rest[1], rest[2], rest[3:], f.ttl, stdout)
	case "clear":
		if err := adapter.ClearCache(ctx); err != nil {
			return err
		}
		logger.Info().Str("cache", adapter.CacheName()).Msg("Cache cleared")
		return nil
	case "sweep":
		removed, err := adapter.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d\n", removed)
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// setupLogger logs to stderr, and also to a log file if specified.
// Stdout is reserved for command output.
func setupLogger(f flags, stderr io.Writer) (zerolog.Logger, func(), error) {
	logLevel := zerolog.InfoLevel
	if f.verboseFlag {
		logLevel = zerolog.DebugLevel
	}
	if f.traceFlag {
		logLevel = zerolog.TraceLevel
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: stderr}}
	closeLog := func() {}
	if f.logFile != "" {
		logFileOutput, err := os.OpenFile(f.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return zerolog.Logger{}, closeLog, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
		closeLog = func() { logFileOutput.Close() }
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	logger := zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return logger, closeLog, nil
}

// applyFlags lets explicitly set flags win over the config file and environment.
func applyFlags(fs *flag.FlagSet, f flags, config *CacheConfig) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "name":
			config.Name = f.name
		case "dir":
			config.Dir = f.dir
		case "redis":
			config.RedisAddr = f.redisAddr
		case "clear":
			config.Clear = f.clear
		}
	})
	if config.Dir == "memory" {
		config.Dir = ""
	}
}

func newAdapter(config Config, logger zerolog.Logger) (*simplecache.Adapter, error) {
	name := config.Cache.Name
	if name == "" {
		name = simplecache.DefaultCacheName
	}
	var store cache.Store
	if config.Cache.RedisAddr != "" {
		s, err := cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: config.Cache.RedisAddr}), name)
		if err != nil {
			return nil, err
		}
		store = s
	}
	return simplecache.New(simplecache.Config{
		CacheName:     name,
		Filter:        config.Filter.Filter(),
		Clear:         config.Cache.Clear,
		Store:         store,
		Dir:           config.Cache.Dir,
		SweepSchedule: config.Cache.Sweep,
		Logger:        &logger,
	})
}

func call(ctx context.Context, config Config, adapter *simplecache.Adapter, logger zerolog.Logger, apiName, endpointName string, params []string, ttl float64, stdout io.Writer) error {
	host := pipeline.New(pipeline.WithLogger(logger))
	for _, api := range config.APIs {
		if err := host.AddAPI(api); err != nil {
			return err
		}
	}
	if err := host.Use(ctx, adapter); err != nil {
		return err
	}

	opts := pipeline.CallOptions{
		PathParams: map[string]string{},
		Query:      url.Values{},
	}
	if ttl >= 0 {
		opts.Meta = map[string]any{cachemeta.Key: ttl}
	}
	var endpointPath string
	for _, api := range config.APIs {
		if api.Name == apiName {
			if endpoint, ok := api.Endpoints[endpointName]; ok {
				endpointPath = endpoint.Path
			}
		}
	}
	for _, param := range params {
		name, value, found := strings.Cut(param, "=")
		if !found {
			return fmt.Errorf("argument %q is not name=value", param)
		}
		if strings.Contains(endpointPath, "{"+name+"}") {
			opts.PathParams[name] = value
		} else {
			opts.Query.Add(name, value)
		}
	}

	res, err := host.Call(ctx, apiName, endpointName, opts)
	if err != nil {
		return err
	}
	logger.Info().Bool("cached", res.Intercepted).Msgf("%s.%s", apiName, endpointName)
	return printBody(stdout, res.Body)
}

func printBody(w io.Writer, body any) error {
	switch b := body.(type) {
	case string:
		_, err := fmt.Fprintln(w, b)
		return err
	case []byte:
		_, err := w.Write(b)
		return err
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
