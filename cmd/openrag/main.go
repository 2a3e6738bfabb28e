// Command openrag fetches URLs through the OpenRAG grid and prints the bodies.
//
//	openrag --apikey sk_live_... https://api.ipify.org?format=json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	openrag "github.com/openrag/openrag-go"
	"github.com/openrag/openrag-go/pkg/config"
	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/monitoring"
	"github.com/openrag/openrag-go/pkg/security"
	"github.com/openrag/openrag-go/pkg/service"
)

var Version = "?"

const defaultUrl = "https://api.ipify.org?format=json"

type flags struct {
	config   string
	parallel int
	timeout  time.Duration
	stay     bool
	version  bool
}

// configPath finds --config before the rest so flags can override the file.
func configPath(args []string) string {
	fs := pflag.NewFlagSet("pre", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	_ = fs.Parse(args)
	return *path
}

func parse(args []string) (config.Config, flags, []string, error) {
	f := flags{config: configPath(args)}
	conf, err := config.NewConfig(f.config)
	if err != nil {
		return conf, f, nil, err
	}

	fs := pflag.NewFlagSet("openrag", pflag.ContinueOnError)
	conf.WithFlags(fs)
	fs.StringVar(&f.config, "config", f.config, "Config file")
	fs.IntVarP(&f.parallel, "parallel", "p", 4, "Max fetches at once")
	fs.DurationVar(&f.timeout, "timeout", 0, "Give up on a fetch after this long (0 waits for the grid)")
	fs.BoolVar(&f.stay, "stay", false, "Keep running after the fetches until interrupted")
	fs.BoolVarP(&f.version, "version", "v", false, "Print the version")
	if err = fs.Parse(args); err != nil {
		return conf, f, nil, err
	}
	return conf, f, fs.Args(), nil
}

func newLogger(conf config.Log) *logger.Logger {
	if conf.Console {
		return logger.NewConsole(conf.Debug, "cli", conf.NoColor)
	}
	return logger.New(conf.Debug)
}

func run() int {
	conf, f, urls, err := parse(os.Args[1:])
	if err == pflag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if f.version {
		fmt.Println(Version)
		return 0
	}
	if len(urls) == 0 {
		urls = []string{defaultUrl}
	}

	log := newLogger(conf.Log)
	log.Info().Msgf("version: %v", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []openrag.Option{openrag.WithLogger(log)}
	services := service.Group{}

	if conf.Monitoring.Port > 0 {
		metrics := monitoring.NewMetrics()
		mon, err := monitoring.New(conf.Monitoring, metrics, log)
		if err != nil {
			log.Error().Err(err).Msg("Monitoring")
			return 1
		}
		services.Add(mon)
		opts = append(opts, openrag.WithMetrics(metrics))
	}

	sec := conf.Client.Security
	if sec.RulesFile != "" && sec.WatchRules {
		rules, err := security.LoadRules(sec.RulesFile)
		if err != nil {
			log.Error().Err(err).Str("file", sec.RulesFile).Msg("Rules")
			return 1
		}
		filter := security.NewFilter(rules)
		services.Add(&service.Func{Name: "rules", Fn: func(ctx context.Context) error {
			return security.Watch(ctx, sec.RulesFile, filter, log)
		}})
		opts = append(opts, openrag.WithFilter(filter))
	}

	client, err := openrag.New(conf.Client, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Config")
		return 2
	}

	services.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := services.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Shutdown")
		}
	}()

	if err = client.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("Connect")
		return 1
	}
	defer func() { _ = client.Disconnect() }()

	failed := fetchAll(ctx, client, urls, f, log)

	if f.stay {
		log.Info().Msg("Waiting for interrupt")
		<-ctx.Done()
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// fetchAll prints the bodies in the order the fetches end
// and returns the number of failed ones.
func fetchAll(ctx context.Context, client *openrag.Client, urls []string, f flags, log *logger.Logger) int {
	var (
		out    sync.Mutex
		failed atomic.Int32
	)
	eg := errgroup.Group{}
	eg.SetLimit(max(f.parallel, 1))
	for _, url := range urls {
		url := url
		eg.Go(func() error {
			fctx := ctx
			if f.timeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(ctx, f.timeout)
				defer cancel()
			}
			body, err := client.Fetch(fctx, url)
			if err != nil {
				failed.Add(1)
				log.Error().Err(err).Str("url", url).Msg("Fetch")
				return nil
			}
			out.Lock()
			defer out.Unlock()
			fmt.Printf("%s\n%s\n", url, body)
			return nil
		})
	}
	_ = eg.Wait()
	return int(failed.Load())
}

func main() { os.Exit(run()) }
