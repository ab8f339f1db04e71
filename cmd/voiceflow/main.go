// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/voiceflow"
	"github.com/nlpodyssey/voiceflow/api"
	"github.com/nlpodyssey/voiceflow/clopinet"
	"github.com/nlpodyssey/voiceflow/converter"
	"github.com/nlpodyssey/voiceflow/downloader"
	"github.com/nlpodyssey/voiceflow/enrollment"
	"github.com/nlpodyssey/voiceflow/gateway"
	"github.com/nlpodyssey/voiceflow/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
)

const sampleCookieKey = "01234567890123456789012345678901"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func newApp(stdout io.Writer) *cli.App {
	modelDirFlag := &cli.StringFlag{
		Name:     "model-dir",
		Usage:    "directory of the model to operate on",
		Required: true,
	}
	inputFlag := &cli.StringFlag{
		Name:     "input",
		Usage:    "JSON or YAML file with the sequences of feature vectors",
		Required: true,
	}
	registryFlag := &cli.StringFlag{
		Name:  "registry",
		Usage: "SQLite database of the enrolled speakers",
		Value: "speakers.sqlite",
	}
	cacheDirFlag := &cli.StringFlag{
		Name:  "cache-dir",
		Usage: "directory of the embeddings cache (disabled if empty)",
	}
	thresholdFlag := &cli.Float64Flag{
		Name:  "threshold",
		Usage: "minimum cosine similarity of a positive match",
		Value: enrollment.DefaultThreshold,
	}
	speakerFlag := &cli.StringFlag{
		Name:     "speaker",
		Usage:    "name of the speaker",
		Required: true,
	}

	return &cli.App{
		Name:      "voiceflow",
		Usage:     "Compute speaker embeddings with a ClopiNet model",
		Writer:    stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"VOICEFLOW_LOGLEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "download",
				Usage: "Download a model from huggingface.co into models_dir/organization/model",
				Flags: []cli.Flag{
					modelDirFlag,
					&cli.StringFlag{Name: "access-token", Usage: "Hugging Face access token", EnvVars: []string{"HF_TOKEN"}},
					&cli.StringFlag{Name: "revision", Usage: "model revision", Value: "main"},
					&cli.BoolFlag{Name: "overwrite", Usage: "download files that already exist"},
				},
				Action: func(c *cli.Context) error {
					return download(c.Context, c.String("model-dir"), c.String("revision"), c.String("access-token"), c.Bool("overwrite"))
				},
			},
			{
				Name:  "convert",
				Usage: "Convert the PyTorch checkpoint in the model directory",
				Flags: []cli.Flag{
					modelDirFlag,
					&cli.BoolFlag{Name: "overwrite", Usage: "overwrite an existing converted model"},
				},
				Action: func(c *cli.Context) error {
					return convert(c.String("model-dir"), c.Bool("overwrite"))
				},
			},
			{
				Name:  "info",
				Usage: "Print the layers of the model",
				Flags: []cli.Flag{modelDirFlag},
				Action: func(c *cli.Context) error {
					return info(c.App.Writer, c.String("model-dir"))
				},
			},
			{
				Name:  "embed",
				Usage: "Embed the sequences of the input file, locally or through a gRPC endpoint",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "model-dir", Usage: "directory of the model (required without --endpoint)"},
					inputFlag,
					cacheDirFlag,
					&cli.StringFlag{Name: "endpoint", Usage: "address of a VoiceFlow gRPC server"},
				},
				Action: func(c *cli.Context) error {
					return embed(c.Context, c.App.Writer, c.String("model-dir"), c.String("endpoint"), c.String("cache-dir"), c.String("input"))
				},
			},
			{
				Name:  "enroll",
				Usage: "Enroll the sequences of the input file as samples of a speaker",
				Flags: []cli.Flag{modelDirFlag, inputFlag, registryFlag, cacheDirFlag, speakerFlag},
				Action: func(c *cli.Context) error {
					return withVoiceFlow(c, func(vf *voiceflow.VoiceFlow, seqs [][][]float32) error {
						s, err := vf.Enroll(c.Context, c.String("speaker"), seqs)
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, &api.EnrollResponse{Speaker: s.Name, Samples: int32(s.Samples)})
					})
				},
			},
			{
				Name:  "verify",
				Usage: "Verify that the first sequence of the input file was uttered by a speaker",
				Flags: []cli.Flag{modelDirFlag, inputFlag, registryFlag, cacheDirFlag, speakerFlag, thresholdFlag},
				Action: func(c *cli.Context) error {
					return withVoiceFlow(c, func(vf *voiceflow.VoiceFlow, seqs [][][]float32) error {
						m, err := vf.Verify(c.Context, c.String("speaker"), seqs[0], c.Float64("threshold"))
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, &api.MatchResponse{Speaker: m.Speaker, Score: m.Score, Accepted: m.Accepted})
					})
				},
			},
			{
				Name:  "identify",
				Usage: "Find the enrolled speaker closest to the first sequence of the input file",
				Flags: []cli.Flag{modelDirFlag, inputFlag, registryFlag, cacheDirFlag, thresholdFlag},
				Action: func(c *cli.Context) error {
					return withVoiceFlow(c, func(vf *voiceflow.VoiceFlow, seqs [][][]float32) error {
						m, err := vf.Identify(c.Context, seqs[0], c.Float64("threshold"))
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, &api.MatchResponse{Speaker: m.Speaker, Score: m.Score, Accepted: m.Accepted})
					})
				},
			},
			{
				Name:  "speakers",
				Usage: "List the enrolled speakers",
				Flags: []cli.Flag{registryFlag},
				Action: func(c *cli.Context) error {
					return speakers(c.Context, c.App.Writer, c.String("registry"))
				},
			},
			{
				Name:  "serve",
				Usage: "Serve a gRPC embedding endpoint",
				Flags: []cli.Flag{
					modelDirFlag,
					cacheDirFlag,
					&cli.StringFlag{Name: "registry", Usage: "SQLite database of the enrolled speakers (enrollment disabled if empty)"},
					&cli.Float64Flag{Name: "threshold", Usage: "default minimum cosine similarity", Value: enrollment.DefaultThreshold},
					&cli.StringFlag{Name: "address", Usage: "The address to listen on for gRPC connections", Value: ":50051"},
				},
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
					defer stop()
					return serve(ctx, c.String("model-dir"), c.String("address"), voiceflow.Options{
						CacheDir:         c.String("cache-dir"),
						RegistryFilename: c.String("registry"),
					}, c.Float64("threshold"))
				},
			},
			{
				Name:  "gateway",
				Usage: "Serve an HTTP and WebSocket gateway to a gRPC embedding endpoint",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Usage: "HTTP listening address", Value: ":8080"},
					&cli.StringFlag{Name: "endpoint", Usage: "address of the VoiceFlow gRPC server", Value: ":50051"},
					&cli.StringFlag{Name: "cors-origins", Usage: "space-separated list of allowed origins", Value: "*"},
					&cli.DurationFlag{Name: "timeout", Usage: "timeout of each gRPC call", Value: time.Minute},
					&cli.StringFlag{Name: "users-db", Usage: "SQLite database of the gateway users (authentication disabled if empty)"},
					&cli.StringFlag{Name: "admin-password", Usage: "password of the \"admin\" user created on an empty users database", EnvVars: []string{"VOICEFLOW_ADMIN_PASSWORD"}},
					&cli.DurationFlag{Name: "cookie-max-age", Usage: "secure cookie max age", Value: 2 * time.Hour},
					&cli.StringFlag{Name: "cookie-hash-key", Usage: "secure cookie hash key", Value: sampleCookieKey, EnvVars: []string{"VOICEFLOW_COOKIE_HASH_KEY"}},
					&cli.StringFlag{Name: "cookie-block-key", Usage: "secure cookie block key", Value: sampleCookieKey, EnvVars: []string{"VOICEFLOW_COOKIE_BLOCK_KEY"}},
				},
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
					defer stop()
					return runGateway(ctx, gatewayFlags{
						Address:        c.String("address"),
						Endpoint:       c.String("endpoint"),
						CORSOrigins:    strings.Fields(c.String("cors-origins")),
						Timeout:        c.Duration("timeout"),
						UsersDB:        c.String("users-db"),
						AdminPassword:  c.String("admin-password"),
						CookieMaxAge:   c.Duration("cookie-max-age"),
						CookieHashKey:  c.String("cookie-hash-key"),
						CookieBlockKey: c.String("cookie-block-key"),
					})
				},
			},
		},
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", debugLevel, err)
	}
	log.Logger = log.Level(level)
	return nil
}

func download(ctx context.Context, modelDir, revision, accessToken string, overwrite bool) error {
	log.Debug().Msgf("Downloading model in dir: %s", modelDir)
	dir, name, err := splitPathAndModelName(modelDir)
	if err != nil {
		return err
	}
	err = downloader.Download(ctx, downloader.Config{
		ModelsDir:        dir,
		ModelName:        name,
		Revision:         revision,
		AccessToken:      accessToken,
		OverwriteIfExist: overwrite,
	})
	if err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}

func convert(modelDir string, overwrite bool) error {
	log.Debug().Msgf("Converting model in dir: %s", modelDir)
	err := converter.Convert[float32](converter.Config{
		ModelDir:         modelDir,
		OverwriteIfExist: overwrite,
	})
	if err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}

func info(w io.Writer, modelDir string) error {
	model, err := clopinet.Load[float32](filepath.Join(modelDir, clopinet.DefaultModelFilename))
	if err != nil {
		return err
	}
	printSummary(w, model.Config)
	return nil
}

func embed(ctx context.Context, w io.Writer, modelDir, endpoint, cacheDir, inputFilename string) error {
	input, err := voiceflow.ReadInputFile(inputFilename)
	if err != nil {
		return err
	}
	seqs := make([]*api.Sequence, len(input.Sequences))
	for i, s := range input.Sequences {
		seqs[i] = &api.Sequence{Frames: s}
	}

	if endpoint != "" {
		conn, err := grpc.DialContext(ctx, endpoint, grpc.WithInsecure(), grpc.WithBlock())
		if err != nil {
			return fmt.Errorf("failed to dial %q: %w", endpoint, err)
		}
		defer func() {
			if err := conn.Close(); err != nil {
				log.Warn().Err(err).Msgf("failed to close gRPC connection to %q", endpoint)
			}
		}()
		resp, err := api.NewEmbedderClient(conn).Embed(ctx, &api.EmbedRequest{Sequences: seqs})
		if err != nil {
			return err
		}
		return printJSON(w, resp)
	}

	if modelDir == "" {
		return errors.New("either --model-dir or --endpoint is required")
	}
	vf, err := voiceflow.Load(modelDir, voiceflow.Options{CacheDir: cacheDir})
	if err != nil {
		return err
	}
	defer closeVoiceFlow(vf)

	embeddings, err := vf.Embed(ctx, input.Sequences)
	if err != nil {
		return err
	}
	resp := &api.EmbedResponse{Embeddings: make([]*api.Embedding, len(embeddings))}
	for i, e := range embeddings {
		resp.Embeddings[i] = &api.Embedding{Values: e.Values, Cached: e.Cached}
	}
	return printJSON(w, resp)
}

// withVoiceFlow loads the model with the registry and the input file of
// a speaker command.
func withVoiceFlow(c *cli.Context, fn func(*voiceflow.VoiceFlow, [][][]float32) error) error {
	input, err := voiceflow.ReadInputFile(c.String("input"))
	if err != nil {
		return err
	}
	vf, err := voiceflow.Load(c.String("model-dir"), voiceflow.Options{
		CacheDir:         c.String("cache-dir"),
		RegistryFilename: c.String("registry"),
	})
	if err != nil {
		return err
	}
	defer closeVoiceFlow(vf)
	return fn(vf, input.Sequences)
}

func closeVoiceFlow(vf *voiceflow.VoiceFlow) {
	if err := vf.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close resources")
	}
}

func speakers(ctx context.Context, w io.Writer, registryFilename string) error {
	registry, err := enrollment.Open(registryFilename)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close speakers registry")
		}
	}()
	list, err := registry.List(ctx)
	if err != nil {
		return err
	}
	printSpeakers(w, list)
	return nil
}

func serve(ctx context.Context, modelDir, address string, opts voiceflow.Options, threshold float64) error {
	log.Debug().Msgf("Starting embedding server for model in dir: %s", modelDir)
	log.Debug().Msgf("Loading model...")
	vf, err := voiceflow.Load(modelDir, opts)
	if err != nil {
		return err
	}
	defer closeVoiceFlow(vf)

	return service.NewServer(vf, threshold).Start(ctx, address)
}

type gatewayFlags struct {
	Address        string
	Endpoint       string
	CORSOrigins    []string
	Timeout        time.Duration
	UsersDB        string
	AdminPassword  string
	CookieMaxAge   time.Duration
	CookieHashKey  string
	CookieBlockKey string
}

func runGateway(ctx context.Context, flags gatewayFlags) error {
	conn, err := grpc.DialContext(ctx, flags.Endpoint, grpc.WithInsecure())
	if err != nil {
		return fmt.Errorf("failed to dial %q: %w", flags.Endpoint, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msgf("failed to close gRPC connection to %q", flags.Endpoint)
		}
	}()

	opts := gateway.Options{
		AllowedOrigins: flags.CORSOrigins,
		RequestTimeout: flags.Timeout,
	}
	if flags.UsersDB != "" {
		db, err := gateway.OpenUsers(flags.UsersDB)
		if err != nil {
			return err
		}
		if flags.AdminPassword != "" {
			if err = gateway.CreateUserIfNoUsers(db, "admin", flags.AdminPassword); err != nil {
				return err
			}
		}
		if flags.CookieHashKey == sampleCookieKey || flags.CookieBlockKey == sampleCookieKey {
			log.Warn().Msg("using the sample cookie keys")
		}
		opts.Auth = gateway.NewAuth(db, flags.CookieHashKey, flags.CookieBlockKey, flags.CookieMaxAge)
	}

	lis, err := net.Listen("tcp", flags.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", flags.Address, err)
	}
	return gateway.New(api.NewEmbedderClient(conn), opts).Serve(ctx, lis)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// splitPathAndModelName separate the models directory from the model name, which format is "organization/model"
func splitPathAndModelName(path string) (string, string, error) {
	dirs := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(dirs) < 3 {
		return "", "", fmt.Errorf("path must have at least three levels of directories")
	}
	lastDir := dirs[len(dirs)-1]
	secondLastDir := dirs[len(dirs)-2]

	pathExceptLastTwo := strings.Join(dirs[:len(dirs)-2], "/")
	return pathExceptLastTwo, filepath.Join(secondLastDir, lastDir), nil
}

func init() {
	ag.SetForceSyncExecution(false)
}
