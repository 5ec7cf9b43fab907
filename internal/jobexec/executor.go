package jobexec

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/francosantos/kvsd/internal/kverrors"
	"github.com/francosantos/kvsd/internal/kvs"
	"github.com/francosantos/kvsd/internal/metrics"
)

// Run executes every command in the job file at jobPath against
// store, writing command output to <basename>.out in the same
// directory and backup snapshots to backupDir (spec §4.4, §6).
//
// Errors from the KVS are logged and do not abort the file; a parse
// error on one line emits "Invalid command" and continues with the
// next line, per spec §4.4 and §7.
func Run(store *kvs.Store, jobPath, backupDir string, log zerolog.Logger) error {
	in, err := os.Open(jobPath)
	if err != nil {
		return fmt.Errorf("jobexec: open %s: %w", jobPath, err)
	}
	defer in.Close()

	outPath := strings.TrimSuffix(jobPath, filepath.Ext(jobPath)) + ".out"
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("jobexec: create %s: %w", outPath, err)
	}
	defer out.Close()

	basename := strings.TrimSuffix(filepath.Base(jobPath), filepath.Ext(jobPath))
	backupCount := 0

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, err := ParseLine(scanner.Text())
		if err != nil {
			metrics.RecordJobCommand("unknown", "parse_error")
			fmt.Fprintln(out, "Invalid command")
			log.Warn().Str("job", jobPath).Err(err).Msg("parse error, continuing")
			continue
		}
		if cmd == nil {
			continue // blank line or comment
		}

		if err := execute(store, cmd, out, &backupCount, basename, backupDir); err != nil {
			log.Error().Str("job", jobPath).Err(err).Msg("command failed")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("jobexec: read %s: %w", jobPath, err)
	}

	metrics.RecordJobProcessed()
	return nil
}

func execute(store *kvs.Store, cmd *Command, out io.Writer, backupCount *int, basename, backupDir string) error {
	switch cmd.Kind {
	case CmdWrite:
		pairs := make([]kvs.Pair, len(cmd.Pairs))
		for i, p := range cmd.Pairs {
			pairs[i] = kvs.Pair{Key: p.Key, Value: p.Value}
		}
		err := store.Write(pairs)
		metrics.RecordJobCommand("write", outcome(err))
		return err

	case CmdRead:
		entries, err := store.Read(cmd.Keys)
		metrics.RecordJobCommand("read", outcome(err))
		if err != nil {
			return err
		}
		fmt.Fprint(out, FormatRead(entries))
		return nil

	case CmdDelete:
		missing, err := store.Delete(cmd.Keys)
		metrics.RecordJobCommand("delete", outcome(err))
		if err != nil {
			return err
		}
		fmt.Fprint(out, FormatDeleteMisses(missing))
		return nil

	case CmdShow:
		pairs, err := store.Show()
		metrics.RecordJobCommand("show", outcome(err))
		if err != nil {
			return err
		}
		fmt.Fprint(out, FormatShow(pairs))
		return nil

	case CmdWait:
		fmt.Fprintln(out, "Waiting...")
		err := store.Wait(cmd.Millis)
		metrics.RecordJobCommand("wait", outcome(err))
		return err

	case CmdBackup:
		*backupCount++
		err := store.Backup(basename, backupDir, *backupCount)
		metrics.RecordJobCommand("backup", outcome(err))
		return err

	case CmdHelp:
		fmt.Fprintln(out, helpText)
		return nil

	default:
		return kverrors.ErrParseError
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

const helpText = `Available commands:
  WRITE [(key,value)...]
  READ [key...]
  DELETE [key...]
  SHOW
  WAIT <ms>
  BACKUP
  HELP`
