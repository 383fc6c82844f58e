package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/walletlink/internal/state"
	"github.com/alexjbarnes/walletlink/internal/walletlink"
)

var errNoSession = errors.New("no session stored, run `walletlink session new` first")

// loadSession returns the stored session after checking its key still
// matches the id and secret.
func loadSession(st *state.State) (walletlink.Session, error) {
	rec, err := st.Session()
	if err != nil {
		return walletlink.Session{}, err
	}

	if rec == nil {
		return walletlink.Session{}, errNoSession
	}

	if walletlink.DeriveSessionKey(rec.ID, rec.Secret) != rec.Key {
		return walletlink.Session{}, fmt.Errorf("stored session %s has a key that does not match its secret", rec.ID)
	}

	return walletlink.Session{ID: rec.ID, Key: rec.Key, Secret: rec.Secret}, nil
}

// createSession generates a fresh session and stores it as current.
func createSession(st *state.State, now time.Time) (walletlink.Session, error) {
	s, err := walletlink.NewSession()
	if err != nil {
		return walletlink.Session{}, err
	}

	err = st.SetSession(state.SessionRecord{
		ID:        s.ID,
		Key:       s.Key,
		Secret:    s.Secret,
		CreatedAt: now.UTC(),
	})
	if err != nil {
		return walletlink.Session{}, fmt.Errorf("storing session: %w", err)
	}

	return s, nil
}

// loadOrCreateSession returns the stored session, creating one on first
// run.
func loadOrCreateSession(st *state.State, logger *slog.Logger) (walletlink.Session, error) {
	s, err := loadSession(st)
	if err == nil {
		return s, nil
	}

	if !errors.Is(err, errNoSession) {
		return walletlink.Session{}, err
	}

	s, err = createSession(st, time.Now())
	if err != nil {
		return walletlink.Session{}, err
	}

	logger.Info("created new session", slog.String("session_id", s.ID))

	return s, nil
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored relay session",
	}

	cmd.AddCommand(sessionNewCmd(), sessionShowCmd(), sessionClearCmd())

	return cmd
}

func sessionNewCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a new session",
		Long: `Generate a new session id and secret and store them as the current
session. Refuses to replace an existing session unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}

			st, err := state.LoadAt(cfg.StatePath)
			if err != nil {
				return fmt.Errorf("loading state: %w", err)
			}
			defer st.Close()

			existing, err := st.Session()
			if err != nil {
				return err
			}

			if existing != nil {
				if !force {
					return fmt.Errorf("session %s already exists, use --force to replace it", existing.ID)
				}

				if err := st.ClearSession(); err != nil {
					return fmt.Errorf("clearing session: %w", err)
				}
			}

			s, err := createSession(st, time.Now())
			if err != nil {
				return err
			}

			printSession(cmd.OutOrStdout(), s, time.Now().UTC(), true)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing session")

	return cmd
}

func sessionShowCmd() *cobra.Command {
	var (
		showSecret bool
		asYAML     bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored session and its cached metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}

			st, err := state.LoadAt(cfg.StatePath)
			if err != nil {
				return fmt.Errorf("loading state: %w", err)
			}
			defer st.Close()

			rec, err := st.Session()
			if err != nil {
				return err
			}

			if rec == nil {
				return errNoSession
			}

			meta, err := st.Metadata(rec.ID)
			if err != nil {
				return fmt.Errorf("reading metadata: %w", err)
			}

			out := cmd.OutOrStdout()

			if asYAML {
				return writeSessionYAML(out, rec, meta, showSecret)
			}

			printSession(out, walletlink.Session{ID: rec.ID, Key: rec.Key, Secret: rec.Secret}, rec.CreatedAt, showSecret)
			printMetadata(out, meta)

			return nil
		},
	}

	cmd.Flags().BoolVar(&showSecret, "secret", false, "Include the session secret")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print as YAML")

	return cmd
}

func sessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}

			st, err := state.LoadAt(cfg.StatePath)
			if err != nil {
				return fmt.Errorf("loading state: %w", err)
			}
			defer st.Close()

			if err := st.ClearSession(); err != nil {
				return fmt.Errorf("clearing session: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "session cleared")

			return nil
		},
	}
}

func printSession(w io.Writer, s walletlink.Session, created time.Time, withSecret bool) {
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Key:      %s\n", s.Key)

	if withSecret {
		fmt.Fprintf(w, "Secret:   %s\n", s.Secret)
	}

	if !created.IsZero() {
		fmt.Fprintf(w, "Created:  %s\n", created.Format(time.RFC3339))
	}
}

func printMetadata(w io.Writer, meta map[string]string) {
	if len(meta) == 0 {
		return
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	fmt.Fprintln(w, "Metadata:")

	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, meta[k])
	}
}

// sessionDocument is the YAML shape of `session show --yaml`.
type sessionDocument struct {
	ID        string            `yaml:"id"`
	Key       string            `yaml:"key"`
	Secret    string            `yaml:"secret,omitempty"`
	CreatedAt time.Time         `yaml:"created_at,omitempty"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
}

func writeSessionYAML(w io.Writer, rec *state.SessionRecord, meta map[string]string, withSecret bool) error {
	doc := sessionDocument{
		ID:        rec.ID,
		Key:       rec.Key,
		CreatedAt: rec.CreatedAt,
		Metadata:  meta,
	}

	if withSecret {
		doc.Secret = rec.Secret
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	return enc.Close()
}
