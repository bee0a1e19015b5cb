package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/pipeline"
)

type runOptions struct {
	language string
	file     string
	stdin    string
	timeout  time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compile and run a program",
		Long: "Compile and run a program read from --file (or standard input with -) and\n" +
			"print its combined output. The exit status is 1 when the program fails.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				p        *pipeline.Pipeline
				registry *language.Registry
			)
			stop, err := root.populate(cmd.Context(), &p, &registry)
			if err != nil {
				return err
			}
			defer stop() //nolint:errcheck

			code, err := readSource(cmd.InOrStdin(), opts.file)
			if err != nil {
				return err
			}

			lang := opts.language
			if lang == "" {
				if lang, err = detectLanguage(registry, opts.file); err != nil {
					return err
				}
			}

			res, err := p.Execute(cmd.Context(), pipeline.Request{
				Code:     code,
				Language: lang,
				Stdin:    opts.stdin,
				Timeout:  opts.timeout,
			})
			return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, err)
		},
	}

	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Language (detected from the file extension when omitted)")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "-", "Source file, - for standard input")
	cmd.Flags().StringVar(&opts.stdin, "stdin", "", "Input for the program")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Run step time limit (default sandbox.default_timeout)")

	return cmd
}

func readSource(stdin io.Reader, file string) (string, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

// detectLanguage matches the file extension against the profiles' source
// files.
func detectLanguage(registry *language.Registry, file string) (string, error) {
	ext := filepath.Ext(file)
	if file == "-" || ext == "" {
		return "", errors.New("cannot detect language, use --language flag")
	}
	for _, p := range registry.Profiles() {
		if filepath.Ext(p.SourceFile) == ext {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
}

// printResult writes the program output to out. Failures print their
// diagnostic to out and the failure kind to errOut.
func printResult(out, errOut io.Writer, res *pipeline.Result, err error) error {
	if err == nil {
		fmt.Fprint(out, res.Output)
		if res.Truncated {
			fmt.Fprintln(errOut, "[output truncated]")
		}
		return nil
	}

	var execErr *pipeline.ExecutionError
	if !errors.As(err, &execErr) {
		return err
	}

	if execErr.Output != "" && execErr.Kind == pipeline.KindTimeout {
		fmt.Fprint(out, execErr.Output)
	}
	fmt.Fprintln(out, execErr.Message)
	if execErr.Err != nil && !execErr.Kind.ClientError() {
		fmt.Fprintf(errOut, "%s: %v\n", execErr.Kind, execErr.Err)
	} else {
		fmt.Fprintln(errOut, execErr.Kind)
	}
	return errFailed
}
