package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/keagan/vsrep/pkg/util"
)

var (
	errCancelled  = errors.New("operation cancelled")
	errAllSkipped = errors.New("all inputs were skipped")
)

type saveMode int

const (
	saveDir saveMode = iota
	saveFile
)

// outputPlan says where each input's features are written
type outputPlan struct {
	inputs []string
	mode   saveMode
	path   string
}

// target is the .npy path for input
func (p *outputPlan) target(input string) string {
	if p.mode == saveFile {
		return p.path
	}
	return filepath.Join(p.path, featureName(input))
}

// featureName is the input's file name with its extension replaced by .npy
func featureName(input string) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".npy"
}

// prompter asks the user a question and returns the trimmed, lower-cased
// answer; an empty answer selects the default
type prompter interface {
	Ask(question string) string
}

type linePrompter struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

// newStdinPrompter reads answers from stdin. When stdin is not a terminal
// every question gets the empty answer.
func newStdinPrompter(out io.Writer) *linePrompter {
	return &linePrompter{
		in:          bufio.NewReader(os.Stdin),
		out:         out,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (p *linePrompter) Ask(question string) string {
	fmt.Fprint(p.out, question)
	if !p.interactive {
		fmt.Fprintln(p.out)
		return ""
	}
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(line))
}

// resolveOutputs decides whether features go to one file or into a
// directory, asking ask about every existing target. It returns the inputs
// still to process, or errCancelled / errAllSkipped.
func resolveOutputs(logger zerolog.Logger, inputs []string, output string, ask prompter) (*outputPlan, error) {
	if output == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		plan := &outputPlan{inputs: inputs, mode: saveDir, path: cwd}
		if err := checkDuplicates(plan, inputs); err != nil {
			return nil, err
		}
		return plan, nil
	}

	abs, err := filepath.Abs(output)
	if err != nil {
		return nil, err
	}
	plan := &outputPlan{mode: saveDir, path: abs}
	kept := inputs

	switch {
	case util.FileExists(abs):
		if len(inputs) != 1 {
			return nil, fmt.Errorf("multiple inputs cannot be saved as a file")
		}
		plan.mode = saveFile

	case util.DirExists(abs):
		if len(inputs) == 1 {
			target := plan.target(inputs[0])
			if util.DirExists(target) {
				return nil, fmt.Errorf("the directory %q already exists, please change output path", target)
			}
			if util.FileExists(target) {
				answer := ask.Ask(fmt.Sprintf("The file '%s' already exists. Overwrite? (y/n) ", target))
				if answer != "y" && answer != "yes" {
					return nil, errCancelled
				}
			}
		} else {
			if err := checkDuplicates(plan, inputs); err != nil {
				return nil, err
			}
			kept, err = resolveConflicts(plan, inputs, ask)
			if err != nil {
				return nil, err
			}
		}

	default:
		if len(inputs) == 1 && filepath.Ext(abs) != "" {
			plan.mode = saveFile
			break
		}
		if len(inputs) > 1 && filepath.Ext(abs) != "" {
			logger.Warn().Str("output", abs).Msg("output path looks like a file, treating as directory for multiple inputs")
		}
		if err := checkDuplicates(plan, inputs); err != nil {
			return nil, err
		}
		if err := util.EnsureDir(abs); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if len(kept) == 0 {
		return nil, errAllSkipped
	}
	if skipped := len(inputs) - len(kept); skipped > 0 {
		logger.Info().Int("skipped", skipped).Msg("some inputs were skipped")
	}
	plan.inputs = kept
	return plan, nil
}

// checkDuplicates fails when two inputs would be saved to the same file
func checkDuplicates(plan *outputPlan, inputs []string) error {
	seen := make(map[string]string, len(inputs))
	for _, in := range inputs {
		target := plan.target(in)
		if prev, ok := seen[target]; ok {
			return fmt.Errorf("inputs %q and %q would both be saved as %q", prev, in, target)
		}
		seen[target] = in
	}
	return nil
}

// resolveConflicts walks the inputs from last to first and asks what to do
// with every target that already exists
func resolveConflicts(plan *outputPlan, inputs []string, ask prompter) ([]string, error) {
	skip := make([]bool, len(inputs))
	var overwriteAllFiles, skipAllFiles, skipAllDirs bool

	for i := len(inputs) - 1; i >= 0; i-- {
		target := plan.target(inputs[i])
		switch {
		case util.FileExists(target):
			if overwriteAllFiles {
				continue
			}
			if skipAllFiles {
				skip[i] = true
				continue
			}
			switch ask.Ask(fmt.Sprintf("The file '%s' already exists.\n"+
				"  o: Overwrite\n"+
				"  s: Skip\n"+
				"  a: Overwrite All Files\n"+
				"  k: Skip All Files\n"+
				"  c: Cancel\n"+
				"  default = c\n"+
				": ", target)) {
			case "o":
			case "s":
				skip[i] = true
			case "a":
				overwriteAllFiles = true
			case "k":
				skipAllFiles = true
				skip[i] = true
			default:
				return nil, errCancelled
			}

		case util.DirExists(target):
			if skipAllDirs {
				skip[i] = true
				continue
			}
			switch ask.Ask(fmt.Sprintf("The directory '%s' already exists.\n"+
				"  s: Skip\n"+
				"  k: Skip All Directories\n"+
				"  c: Cancel\n"+
				"  default = c\n"+
				": ", target)) {
			case "s":
				skip[i] = true
			case "k":
				skipAllDirs = true
				skip[i] = true
			default:
				return nil, errCancelled
			}
		}
	}

	kept := make([]string, 0, len(inputs))
	for i, in := range inputs {
		if !skip[i] {
			kept = append(kept, in)
		}
	}
	return kept, nil
}
