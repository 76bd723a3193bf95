// Command pt2onnx asks for the path of a PyTorch checkpoint and converts it to
// an ONNX model saved next to it.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"github.com/spf13/viper"

	_ "github.com/zerfoo/pt2onnx/models/yolo"
	"github.com/zerfoo/pt2onnx/pkg/converter"
	"github.com/zerfoo/pt2onnx/pkg/inspector"
)

const (
	envPrefix = "PT2ONNX"
	prompt    = "Path to the .pt file to convert: "
)

var logger = loggo.GetLogger("pt2onnx")

type config struct {
	LogFile   string
	LogLevel  string
	ModelType string
	EmitZMF   bool
	Seed      int64
}

// loadConfig reads PT2ONNX_* environment variables.
func loadConfig() config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("log_file", "pt2onnx.log")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("model_type", converter.DefaultModelType)
	v.SetDefault("emit_zmf", false)
	v.SetDefault("seed", 0)
	return config{
		LogFile:   v.GetString("log_file"),
		LogLevel:  v.GetString("log_level"),
		ModelType: v.GetString("model_type"),
		EmitZMF:   v.GetBool("emit_zmf"),
		Seed:      v.GetInt64("seed"),
	}
}

// setupLogging sends every module logger to the append-only log file.
func setupLogging(cfg config) (io.Closer, error) {
	level, ok := loggo.ParseLevel(cfg.LogLevel)
	if !ok {
		level = loggo.INFO
	}
	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(logFile, loggo.DefaultFormatter))
	if err := loggo.ConfigureLoggers(fmt.Sprintf("<root>=%s", level)); err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return logFile, nil
}

func main() {
	cfg := loadConfig()
	closer, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v; logging to stderr\n", err)
	} else {
		defer func() {
			if cerr := closer.Close(); cerr != nil {
				fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", cerr)
			}
		}()
	}

	path, err := readPath(os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stdout, "No path entered: %v\n", err)
		return
	}
	run(context.Background(), os.Stdout, cfg, path)
}

// readPath prompts for the checkpoint path. A terminal gets a readline prompt
// with filename completion; anything else is read as a single line.
func readPath(in *os.File, out io.Writer) (string, error) {
	if !readline.IsTerminal(int(in.Fd())) {
		fmt.Fprint(out, prompt)
		return readLine(in)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       prompt,
		AutoComplete: readline.NewPrefixCompleter(readline.PcItemDynamic(completePath)),
		HistoryLimit: -1,
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := rl.Close(); cerr != nil {
			logger.Warningf("failed to close prompt: %v", cerr)
		}
	}()
	line, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// completePath lists the entries of the directory being typed that start with
// the typed base name.
func completePath(line string) []string {
	dir, base := filepath.Split(line)
	search := dir
	if search == "" {
		search = "."
	}
	entries, err := os.ReadDir(search)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), base) {
			continue
		}
		name := dir + e.Name()
		if e.IsDir() {
			name += string(filepath.Separator)
		}
		out = append(out, name)
	}
	return out
}

// run converts path and reports the outcome on out. Failures are printed,
// never returned: the process always exits normally.
func run(ctx context.Context, out io.Writer, cfg config, path string) {
	opts := converter.DefaultOptions()
	opts.ModelType = cfg.ModelType
	opts.EmitZMF = cfg.EmitZMF
	opts.Seed = cfg.Seed

	res, err := converter.New(opts).Convert(ctx, path)
	if err != nil {
		fmt.Fprintln(out, describe(err))
		return
	}

	fmt.Fprintf(out, "ONNX file saved: %s (%s)\n", res.OutputPath, humanize.Bytes(uint64(res.Bytes)))
	if res.ZMFPath != "" {
		fmt.Fprintf(out, "ZMF file saved: %s\n", res.ZMFPath)
	}
	if err := inspector.InspectONNX(out, res.OutputPath); err != nil {
		logger.Warningf("failed to summarize %s: %v", res.OutputPath, err)
	}
}

// describe turns a conversion error into the one-line console diagnostic.
func describe(err error) string {
	var cerr *converter.Error
	if !errors.As(err, &cerr) {
		return fmt.Sprintf("Conversion failed: %v", err)
	}
	switch cerr.Kind {
	case converter.FileNotFound:
		return "The specified file was not found. Please check the path."
	case converter.MissingDependency:
		return fmt.Sprintf("Could not import the required model definition: %v", cerr.Err)
	case converter.LoadError:
		return fmt.Sprintf("An error occurred while loading the model: %v", cerr.Err)
	case converter.ExportError:
		return fmt.Sprintf("An error occurred during ONNX conversion: %v", cerr.Err)
	}
	return fmt.Sprintf("Conversion failed: %v", err)
}
