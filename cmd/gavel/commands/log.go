package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/opengavel/gavel/pkg/auditlog"
)

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Sign, verify and archive the decision log",
		Long: `Log works with the hash-chained decision log. Key material is
derived from the ` + auditlog.SigningKeyEnv + ` environment variable;
it is never accepted as a command-line argument.`,
	}

	cmd.AddCommand(newLogSignCommand())
	cmd.AddCommand(newLogVerifyCommand())
	cmd.AddCommand(newLogArchiveCommand())

	return cmd
}

func newLogSignCommand() *cobra.Command {
	var (
		input  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a plain JSONL verdict stream",
		Long: `Sign reads plain JSONL decision payloads and emits a signed,
hash-chained stream. Use - for stdin/stdout.`,
		Example: `  gavel log sign --in decisions.jsonl --out signed.jsonl
  cat decisions.jsonl | gavel log sign --in - --out -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			keys, err := a.keyring()
			if err != nil {
				return err
			}

			r, err := openInput(input)
			if err != nil {
				return err
			}
			defer r.Close()

			w, err := openOutput(output)
			if err != nil {
				return err
			}
			defer w.Close()

			n, err := auditlog.SignStream(r, w, keys, a.logger)
			if err != nil {
				return err
			}
			log.Info().Int("records", n).Msg("Signed decision stream")
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "in", "-", "plain JSONL input file, or - for stdin")
	cmd.Flags().StringVar(&output, "out", "-", "signed JSONL output file, or - for stdout")

	return cmd
}

func newLogVerifyCommand() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed decision log",
		Long: `Verify replays the hash chain and checks every record signature.
On failure it prints the first failing record index and the reason, and
every subsequent record is reported as untrusted.`,
		Example: `  gavel log verify --in signed.jsonl
  GAVEL_SIGNING_KEY=... gavel log verify --in - < signed.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			keys, err := a.keyring()
			if err != nil {
				return err
			}

			r, err := openInput(input)
			if err != nil {
				return err
			}
			defer r.Close()

			records, err := auditlog.ReadRecords(r)
			if err != nil {
				return err
			}

			result := auditlog.Verify(records, keys)
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else if result.Valid {
				fmt.Fprintf(out, "valid: %d record(s)\n", len(records))
			} else {
				fmt.Fprintf(out, "INVALID at record %d: %s (%d subsequent record(s) untrusted)\n",
					result.FailedIndex, result.Reason, len(result.Untrusted))
			}

			if !result.Valid {
				a.tel.Metrics.RecordChainVerifyFailure()
				return &statusError{code: 1, msg: fmt.Sprintf("chain invalid at record %d", result.FailedIndex)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "in", "-", "signed JSONL input file, or - for stdin")

	return cmd
}

func newLogArchiveCommand() *cobra.Command {
	var (
		input      string
		remoteName string
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload a signed log file to write-once storage",
		Long: `Archive verifies a signed log file and uploads it over SFTP to the
configured write-once archive. Remote files are created exclusively, so
an existing archive can never be overwritten.`,
		Example: `  gavel log archive --in signed.jsonl
  gavel log archive --in signed.jsonl --name decisions-2026-03.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.cfg.Archive == nil {
				return fmt.Errorf("no archive endpoint configured")
			}

			keys, err := a.keyring()
			if err != nil {
				return err
			}

			// Never archive a broken chain.
			f, err := os.Open(input)
			if err != nil {
				return err
			}
			records, err := auditlog.ReadRecords(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			if err := auditlog.VerifyStrict(records, keys); err != nil {
				return fmt.Errorf("refusing to archive: %w", err)
			}

			archiver, err := newArchiver(a)
			if err != nil {
				return err
			}

			if remoteName == "" {
				remoteName = fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), filepath.Base(input))
			}

			remote, err := archiver.Archive(input, remoteName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d record(s) to %s\n", len(records), remote)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "in", "", "signed JSONL log file")
	cmd.Flags().StringVar(&remoteName, "name", "", "remote file name (default: timestamped input name)")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func newArchiver(a *app) (*auditlog.Archiver, error) {
	pem, err := os.ReadFile(a.cfg.Archive.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive key: %w", err)
	}

	cfg := auditlog.ArchiveConfig{
		Addr:          a.cfg.Archive.Addr,
		User:          a.cfg.Archive.User,
		PrivateKeyPEM: pem,
		RemoteDir:     a.cfg.Archive.RemoteDir,
		Timeout:       a.cfg.Archive.TimeoutDuration(),
	}
	if a.cfg.Archive.KnownHostKey != "" {
		hostKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(a.cfg.Archive.KnownHostKey))
		if err != nil {
			return nil, fmt.Errorf("bad known host key: %w", err)
		}
		cfg.HostKey = hostKey
	}

	return auditlog.NewArchiver(cfg, a.logger)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
