package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("cropkit"),
		kong.Description("Crop images interactively in the browser or in batch from JSONL operations."),
		kong.UsageOnError(),
	)
	if err := cliCtx.Run(); err != nil {
		return err
	}

	return nil
}

type CropSettings struct {
	Aspect    []int  `help:"Fix the crop aspect ratio as X,Y" placeholder:"X,Y" env:"CROPKIT_ASPECT"`
	MaxWidth  int    `help:"Scale crops down to fit this width" env:"CROPKIT_MAX_WIDTH"`
	MaxHeight int    `help:"Scale crops down to fit this height" env:"CROPKIT_MAX_HEIGHT"`
	Format    string `help:"Output format (jpg, png, gif, tif, bmp)" default:"jpg" env:"CROPKIT_FORMAT"`
	Quality   int    `help:"JPEG quality, 1 to 100" default:"100" env:"CROPKIT_QUALITY"`
}

func (s CropSettings) Validate() error {
	if len(s.Aspect) != 0 && len(s.Aspect) != 2 {
		return fmt.Errorf("--aspect takes two values, got %d", len(s.Aspect))
	}
	return nil
}

func (s CropSettings) defaults() CropOperation {
	op := CropOperation{
		MaxWidth:  s.MaxWidth,
		MaxHeight: s.MaxHeight,
		Format:    s.Format,
		Quality:   s.Quality,
	}
	if len(s.Aspect) == 2 {
		op.AspectX, op.AspectY = s.Aspect[0], s.Aspect[1]
	}
	return op
}

type serveCmd struct {
	RootDir   string `arg:"" help:"Root directory to serve files from" type:"existingdir"`
	OutputDir string `help:"Directory to write crops to (default: <root>/output)" env:"CROPKIT_OUTPUT_DIR"`
	Open      bool   `help:"Open the browser automatically when the server starts" default:"true" negatable:""`
	JSON      bool   `help:"Print save results and submitted operations as JSON lines instead of logging them"`
	Once      bool   `help:"Exit after the first successful save" default:"true" negatable:""`
	Verbose   bool   `help:"Enable verbose logging" default:"false" env:"CROPKIT_VERBOSE"`

	CropSettings `embed:""`
}

func (cmd *serveCmd) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx = setupLogging(ctx, cmd.Verbose)

	outputDir := cmd.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(cmd.RootDir, "output")
	}
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve output directory: %w", err)
	}

	executor := &OperationExecutor{
		OutputDir: outputDir,
		Cropper:   NewSessionCropper(cmd.RootDir, outputDir),
	}

	app := NewWebApp(Config{
		RootDir:   cmd.RootDir,
		OutputDir: outputDir,
		Defaults:  cmd.defaults(),
		OnBeforeShutdown: func() {
			log.Ctx(ctx).Info().Msg("Shutting down web application...")
		},
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Msgf("Server started at %s", addr)
			if cmd.Open {
				if err := openBrowser(addr); err != nil {
					log.Error().Err(err).Msg("Failed to open browser")
				}
			}
		},
		OnSaved: func(res SaveResult) {
			if cmd.JSON {
				printJSONL(os.Stdout, []SaveResult{res})
			} else if res.Saved {
				log.Ctx(ctx).Info().Str("file", res.File).Str("output", res.Output).Msg("Saved crop")
			} else {
				log.Ctx(ctx).Warn().Str("file", res.File).Str("error", res.Error).Msg("Crop was not saved")
			}

			if cmd.Once && res.Saved {
				cancel()
			}
		},
		OnSave: func(ops Operations) {
			if cmd.JSON {
				printJSONL(os.Stdout, ops)
			} else if _, err := executor.Exec(ctx, ops); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("Failed to execute operations")
			}

			if cmd.Once {
				cancel()
			}
		},
	})

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}

type cropCmd struct {
	Input       string `arg:"" optional:"" default:"-" help:"JSONL file with crop operations, - for stdin"`
	RootDir     string `help:"Directory relative filenames are resolved against" default:"." type:"existingdir" env:"CROPKIT_ROOT_DIR"`
	OutputDir   string `help:"Directory to write crops to" default:"output" env:"CROPKIT_OUTPUT_DIR"`
	Concurrency int    `help:"Number of crops to run at once (default: number of CPUs)" env:"CROPKIT_CONCURRENCY"`
	JSON        bool   `help:"Print one JSON result per operation"`
	Verbose     bool   `help:"Enable verbose logging" default:"false" env:"CROPKIT_VERBOSE"`

	CropSettings `embed:""`
}

func (cmd *cropCmd) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx = setupLogging(ctx, cmd.Verbose)

	var in io.Reader = os.Stdin
	if cmd.Input != "-" {
		f, err := os.Open(cmd.Input)
		if err != nil {
			return fmt.Errorf("failed to open operations: %w", err)
		}
		defer f.Close()
		in = f
	}

	ops, err := ReadOperations(in)
	if err != nil {
		return err
	}
	applyDefaults(ops, cmd.defaults())

	outputDir, err := filepath.Abs(cmd.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve output directory: %w", err)
	}
	executor := &OperationExecutor{
		OutputDir:   outputDir,
		Cropper:     NewSessionCropper(cmd.RootDir, outputDir),
		Concurrency: cmd.Concurrency,
	}

	results, err := executor.Exec(ctx, ops)
	if cmd.JSON {
		printJSONL(os.Stdout, results)
	}
	return err
}

// applyDefaults fills the settings each operation leaves out.
func applyDefaults(ops Operations, defaults CropOperation) {
	for _, op := range ops {
		if op.Crop == nil {
			continue
		}
		req := SessionRequest{
			File:      op.Crop.Filename,
			AspectX:   op.Crop.AspectX,
			AspectY:   op.Crop.AspectY,
			MaxWidth:  op.Crop.MaxWidth,
			MaxHeight: op.Crop.MaxHeight,
			Format:    op.Crop.Format,
			Quality:   op.Crop.Quality,
		}
		merged := req.operation(defaults)
		merged.Crop = op.Crop.Crop
		*op.Crop = merged
	}
}

type cliArgs struct {
	Serve serveCmd `cmd:"" default:"withargs" help:"Serve a directory of images for interactive cropping"`
	Crop  cropCmd  `cmd:"" help:"Run crop operations read as JSON lines"`
}

func setupLogging(ctx context.Context, verbose bool) context.Context {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).Level(level)
	zerolog.DefaultContextLogger = &log.Logger

	return log.Logger.WithContext(ctx)
}

func printJSONL[T any](w io.Writer, data []T) {
	enc := json.NewEncoder(w)
	for _, item := range data {
		if err := enc.Encode(item); err != nil {
			log.Error().Err(err).Msg("Failed to encode item to JSON")
			continue
		}
	}
}
