package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/persistence"
)

// streamCheck is the verification result of one entry stream.
type streamCheck struct {
	Stream      string `json:"stream"`
	Entries     int    `json:"entries"`
	Checkpoints int    `json:"checkpoints"`
	Error       string `json:"error,omitempty"`
}

// laneCheck is the verification result of one decision lane.
type laneCheck struct {
	Lane    string `json:"lane"`
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
}

type verifyReport struct {
	Streams []streamCheck `json:"streams"`
	Lanes   []laneCheck   `json:"lanes"`
	OK      bool          `json:"ok"`
}

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit trail",
		Long: `Check every entry stream (hashes, sequence, chain links and Merkle
checkpoints) and every decision lane (signatures against trusted keys and
chain links). Exits non-zero if anything fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if _, err := newLogger(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := loadKeyRing(cfg, false)
			if err != nil {
				return err
			}

			streams := []string{cfg.Audit.Stream}
			if cfg.Audit.Stream != planningStream {
				streams = append(streams, planningStream)
			}
			rep, err := verifyAudit(ctx, store, keys, streams)
			if err != nil {
				return err
			}

			if v.GetBool("json") {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				writeVerifyReport(cmd.OutOrStdout(), rep)
			}
			if !rep.OK {
				return errors.New("audit verification failed")
			}
			return nil
		},
	}
}

// verifyAudit checks the given streams and every lane. Tampering is
// reported in the result; only read failures return an error.
func verifyAudit(ctx context.Context, store *persistence.SQLiteStore, keys audit.KeyResolver, streams []string) (*verifyReport, error) {
	x := audit.NewExporter(store)
	rep := &verifyReport{OK: true}

	for _, stream := range streams {
		sc := streamCheck{Stream: stream}
		n, err := audit.VerifyEntries(x.Entries(ctx, stream))
		sc.Entries = n
		if err != nil {
			if !audit.IsTamper(err) {
				return nil, fmt.Errorf("reading stream %s: %w", stream, err)
			}
			sc.Error = err.Error()
		}

		cps, err := x.Checkpoints(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("reading checkpoints of %s: %w", stream, err)
		}
		for _, cp := range cps {
			if err := audit.VerifyCheckpoint(ctx, store, cp); err != nil {
				if sc.Error == "" {
					sc.Error = err.Error()
				}
				break
			}
			sc.Checkpoints++
		}
		if sc.Error != "" {
			rep.OK = false
		}
		rep.Streams = append(rep.Streams, sc)
	}

	lanes, err := x.Lanes(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading lanes: %w", err)
	}
	sort.Strings(lanes)
	for _, lane := range lanes {
		lc := laneCheck{Lane: lane}
		n, err := audit.VerifyDecisions(x.Decisions(ctx, lane), keys)
		lc.Records = n
		if err != nil {
			lc.Error = err.Error()
			rep.OK = false
		}
		rep.Lanes = append(rep.Lanes, lc)
	}
	return rep, nil
}

func writeVerifyReport(w io.Writer, rep *verifyReport) {
	mark := func(errText string) string {
		if errText == "" {
			return styleOK.Render("ok")
		}
		return styleBad.Render("FAIL") + " " + errText
	}

	for _, s := range rep.Streams {
		fmt.Fprintf(w, "%s%-12s %d entries, %d checkpoints  %s\n",
			styleLabel.Render("stream"), s.Stream, s.Entries, s.Checkpoints, mark(s.Error))
	}
	for _, l := range rep.Lanes {
		fmt.Fprintf(w, "%s%-40s %d records  %s\n",
			styleLabel.Render("lane"), l.Lane, l.Records, mark(l.Error))
	}
	if rep.OK {
		fmt.Fprintln(w, styleOK.Render("audit trail intact"))
	} else {
		fmt.Fprintln(w, styleBad.Render("audit trail FAILED verification"))
	}
}

func newExportCmd(v *viper.Viper) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the audit trail as JSON lines",
		Long: `Write the entries and checkpoints of one stream (--stream, default the
execution stream), then every decision lane, one JSON object per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if _, err := newLogger(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("creating %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := audit.NewExporter(store).WriteJSONLines(ctx, w, cfg.Audit.Stream); err != nil {
				return err
			}
			if f, ok := w.(*os.File); ok && f != os.Stdout {
				return f.Sync()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newKeygenCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the decision signing key",
		Long: `Write a new ed25519 seed to the configured key file and its public key
next to it (.pub). An existing key is never overwritten; to rotate, move it
aside and list its .pub file under audit.trusted_keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			priv, err := generateKey(cfg.Audit.SigningKeyFile)
			if err != nil {
				return err
			}
			pub := priv.Public().(ed25519.PublicKey)
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n%s%s\n%s%s\n",
				styleLabel.Render("key file"), cfg.Audit.SigningKeyFile,
				styleLabel.Render("key id"), audit.KeyID(pub),
				styleLabel.Render("public"), hex.EncodeToString(pub))
			return nil
		},
	}
}
