package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kioskfsm/internal/config"
	"github.com/roach88/kioskfsm/internal/harness"
)

// ValidationError is one problem found in a config or scenario file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  int               `json:"files"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Scenarios string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a config file and scenario files",
		Long: `Validate configuration without starting the engine.

The config file (the argument, or --config) is decoded as YAML or CUE,
environment overrides are applied and cross-field constraints are
checked. With --scenarios every scenario file in the directory is parsed
and checked as well.

Examples:
  kioskfsm validate kiosk.cue
  kioskfsm validate --config kiosk.yaml --scenarios ./scenarios --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(opts, path, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scenarios, "scenarios", "", "directory of scenario files to check")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	result := ValidationResult{}

	source := path
	if source == "" {
		source = "(defaults)"
	}
	f.VerboseLog("Validating config %s", source)
	result.Files++
	result.Errors = append(result.Errors, validateConfig(path)...)

	if opts.Scenarios != "" {
		files, err := findScenarioFiles(opts.Scenarios, "")
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeNotFound, err)
		}
		for _, file := range files {
			f.VerboseLog("Validating scenario %s", file)
			result.Files++
			if _, err := harness.LoadScenario(file); err != nil {
				result.Errors = append(result.Errors, ValidationError{File: file, Message: err.Error(), Code: ErrCodeGeneric})
			}
		}
	}

	result.Valid = len(result.Errors) == 0
	if result.Valid {
		return f.Emit(result, func(w io.Writer) {
			fmt.Fprintf(w, "✓ %d file(s) valid\n", result.Files)
		})
	}
	return outputValidationErrors(f, result)
}

// validateConfig loads and checks one config file. An empty path checks
// the defaults with environment overrides.
func validateConfig(path string) []ValidationError {
	cfg, err := loadConfig(path)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			line := 0
			if cfgErr.Pos.IsValid() {
				line = cfgErr.Pos.Line()
			}
			return []ValidationError{{
				File:    path,
				Field:   cfgErr.Field,
				Message: cfgErr.Message,
				Code:    ErrCodeInvalidConfig,
				Line:    line,
			}}
		}
		return []ValidationError{{File: path, Message: err.Error(), Code: ErrCodeInvalidConfig}}
	}

	err = cfg.Validate()
	if err == nil {
		return nil
	}
	var out []ValidationError
	for _, e := range splitJoined(err) {
		out = append(out, ValidationError{File: path, Message: e.Error(), Code: ErrCodeInvalidConfig})
	}
	return out
}

// splitJoined unpacks an errors.Join result.
func splitJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// outputValidationErrors outputs validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		loc := err.File
		if err.Line > 0 {
			loc = fmt.Sprintf("%s line %d", loc, err.Line)
		}
		if loc != "" {
			fmt.Fprintln(formatter.Writer, loc)
		}
		if err.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
		}
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
