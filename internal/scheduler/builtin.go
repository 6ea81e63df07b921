package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cookforge/cooker/internal/cookgraph"
	"github.com/cookforge/cooker/internal/fileindex"
	"github.com/cookforge/cooker/internal/rules"
)

// runBuiltin executes one of the built-in command types (copy, touch) named
// by cmd.Rule.CommandType against absolute paths under repoRoot, as an
// alternative to shelling out through the launcher for the common
// single-input-to-single-output transforms.
func (s *Scheduler) runBuiltin(cmd *cookgraph.CookingCommand, repoRoot string) error {
	if cmd.Rule == nil {
		return fmt.Errorf("scheduler: builtin command with no rule")
	}

	idx := s.indices[cmd.Trigger.Repo]

	switch rules.BuiltinCommand(cmd.Rule.CommandType) {
	case rules.BuiltinCopy:
		return runCopy(idx, repoRoot, cmd)
	case rules.BuiltinTouch:
		return runTouch(idx, repoRoot, cmd)
	default:
		return fmt.Errorf("scheduler: unknown built-in command %q", cmd.Rule.CommandType)
	}
}

func runCopy(idx *fileindex.Index, repoRoot string, cmd *cookgraph.CookingCommand) error {
	if len(cmd.Inputs) == 0 || len(cmd.Outputs) == 0 {
		return fmt.Errorf("scheduler: copy requires at least one input and one output")
	}
	srcRel, ok := idx.Path(cmd.Inputs[0])
	if !ok {
		return fmt.Errorf("scheduler: copy source path not resolved")
	}
	dstRel, ok := idx.Path(cmd.Outputs[0])
	if !ok {
		return fmt.Errorf("scheduler: copy destination path not resolved")
	}

	src := filepath.Join(repoRoot, srcRel)
	dst := filepath.Join(repoRoot, dstRel)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("scheduler: copy mkdir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("scheduler: copy open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("scheduler: copy create destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("scheduler: copy: %w", err)
	}
	return nil
}

func runTouch(idx *fileindex.Index, repoRoot string, cmd *cookgraph.CookingCommand) error {
	if len(cmd.Outputs) == 0 {
		return fmt.Errorf("scheduler: touch requires at least one output")
	}
	for _, out := range cmd.Outputs {
		rel, ok := idx.Path(out)
		if !ok {
			continue
		}
		abs := filepath.Join(repoRoot, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("scheduler: touch mkdir: %w", err)
		}
		now := time.Now()
		if f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			f.Close()
		} else {
			return fmt.Errorf("scheduler: touch: %w", err)
		}
		if err := os.Chtimes(abs, now, now); err != nil {
			return fmt.Errorf("scheduler: touch chtimes: %w", err)
		}
	}
	return nil
}
