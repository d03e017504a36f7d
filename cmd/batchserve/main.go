package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"batchserve/backend"
	"batchserve/server"
	"batchserve/serving"
)

func main() {
	root := &cobra.Command{
		Use:           "batchserve",
		Short:         "Continuous-batching text generation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	var verbose bool
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	}

	root.AddCommand(serveCmd(&configPath), benchCmd(&configPath))

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func loadConfig(path string) (*server.Config, error) {
	if path == "" {
		return server.DefaultConfig(), nil
	}
	return server.LoadConfig(path)
}

// buildExecutor constructs the configured step executor and tokenizer pair.
func buildExecutor(cfg *server.Config) (serving.StepExecutor, serving.Tokenizer, error) {
	switch cfg.Backend {
	case "mock":
		return serving.NewMockExecutor(cfg.VocabSize, cfg.EOSTokenID), serving.NewWordTokenizer(max(cfg.EOSTokenID, 0)), nil
	case "onnx":
		tk, err := backend.NewHFTokenizer(cfg.ModelDir, cfg.EOSTokenID)
		if err != nil {
			return nil, nil, err
		}
		ex, err := backend.NewONNXExecutor(cfg.ModelPath, cfg.VocabSize, cfg.EOSTokenID)
		if err != nil {
			tk.Close()
			return nil, nil, err
		}
		return ex, tk, nil
	case "remote":
		tk, err := backend.NewHFTokenizer(cfg.ModelDir, cfg.EOSTokenID)
		if err != nil {
			return nil, nil, err
		}
		ex, err := backend.NewRemoteExecutor(cfg.RemoteURL)
		if err != nil {
			tk.Close()
			return nil, nil, err
		}
		return ex, tk, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP generation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			executor, tokenizer, err := buildExecutor(cfg)
			if err != nil {
				return err
			}
			defer executor.Close()

			engine := serving.NewEngine(serving.NewConfig(cfg.EngineOptions()...), executor, tokenizer)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.Serve(ctx, cfg, engine)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "bind address (overrides config)")
	return cmd
}

func benchCmd(configPath *string) *cobra.Command {
	var (
		numRequests  int
		minInputLen  int
		maxInputLen  int
		minOutputLen int
		maxOutputLen int
		seed         int64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an offline throughput benchmark against the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			executor, tokenizer, err := buildExecutor(cfg)
			if err != nil {
				return err
			}
			defer executor.Close()

			engine := serving.NewEngine(serving.NewConfig(cfg.EngineOptions()...), executor, tokenizer)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go engine.Run(ctx)

			rng := rand.New(rand.NewSource(seed))
			sessions := make([]*serving.Session, 0, numRequests)
			for i := 0; i < numRequests; i++ {
				inputLen := minInputLen + rng.Intn(maxInputLen-minInputLen+1)
				outputLen := minOutputLen + rng.Intn(maxOutputLen-minOutputLen+1)

				tokens := make([]int, inputLen)
				for j := range tokens {
					tokens[j] = rng.Intn(cfg.VocabSize)
				}

				sess, err := engine.OpenTokens(tokens, serving.NewSamplingParams(
					serving.WithTemperature(0.6),
					serving.WithMaxTokens(outputLen),
					serving.WithIgnoreEOS(true),
				))
				if err != nil {
					return fmt.Errorf("request %d: %w", i, err)
				}
				sessions = append(sessions, sess)
			}

			bar := progressbar.NewOptions(numRequests,
				progressbar.OptionSetDescription("Generating"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)

			start := time.Now()
			var g errgroup.Group
			tokenCounts := make([]int, numRequests)
			for i, sess := range sessions {
				i, sess := i, sess
				g.Go(func() error {
					for {
						ev, err := sess.ReadNext(ctx)
						if err != nil {
							bar.Add(1)
							return nil
						}
						switch ev.Kind {
						case serving.EventToken:
							tokenCounts[i]++
						case serving.EventError:
							bar.Add(1)
							return ev.Err
						case serving.EventEnd:
							bar.Add(1)
							return nil
						}
					}
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			total := 0
			for _, n := range tokenCounts {
				total += n
			}

			fmt.Println()
			fmt.Printf("Requests:    %d\n", numRequests)
			fmt.Printf("Tokens:      %d\n", total)
			fmt.Printf("Elapsed:     %.2fs\n", elapsed.Seconds())
			fmt.Printf("Throughput:  %.2f tokens/sec\n", float64(total)/elapsed.Seconds())
			return nil
		},
	}

	cmd.Flags().IntVarP(&numRequests, "requests", "n", 256, "number of generation requests")
	cmd.Flags().IntVar(&minInputLen, "min-input", 100, "minimum prompt length in tokens")
	cmd.Flags().IntVar(&maxInputLen, "max-input", 1024, "maximum prompt length in tokens")
	cmd.Flags().IntVar(&minOutputLen, "min-output", 100, "minimum output length in tokens")
	cmd.Flags().IntVar(&maxOutputLen, "max-output", 1024, "maximum output length in tokens")
	cmd.Flags().Int64Var(&seed, "seed", 42, "prompt generation seed")
	return cmd
}
