package main

import (
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustfeed/backend/internal/graphdb"
	"trustfeed/backend/internal/persist"
	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/pkg/config"
	apperrors "trustfeed/backend/pkg/errors"
	"trustfeed/backend/pkg/logger"
)

// --- Global Flags ---
type globalOptions struct {
	dataDir   string
	root      string
	bootstrap string
	verbose   bool

	cfg *config.Config
	log *zap.Logger
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "trustctl",
		Short: "Inspect and maintain the stored trust graph",
		Long: `trustctl works on the data directory of a stopped server: it reports
graph size and distances, moves snapshots in and out, prunes muted
actors and mirrors the graph into Neo4j.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (default DATA_DIR)")
	flags.StringVar(&opts.root, "root", "", "root pubkey distances are measured from (default ROOT_PUBKEY)")
	flags.StringVar(&opts.bootstrap, "bootstrap", "", "bootstrap snapshot used when nothing is stored (default BOOTSTRAP_PATH)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(
		newSizeCmd(opts),
		newDistanceCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newPruneCmd(opts),
		newSearchCmd(opts),
		newNeo4jSyncCmd(opts),
	)
	return cmd
}

// load reads configuration from the environment and applies flag overrides
func (o *globalOptions) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.root != "" {
		pk := socialgraph.NormalizePubkey(o.root)
		if pk == "" {
			return apperrors.NewInvalidPubkey(o.root)
		}
		cfg.RootPubkey = pk
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.bootstrap != "" {
		cfg.BootstrapPath = o.bootstrap
	}
	o.cfg = cfg

	o.log = zap.NewNop()
	if o.verbose {
		if err := logger.Init(cfg.Env); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		o.log = logger.Get()
	}
	return nil
}

// withState opens the stored graph, runs fn and closes the store
func (o *globalOptions) withState(cmd *cobra.Command, withProfiles bool, fn func(*state) error) error {
	st, err := openState(cmd.Context(), o.cfg, o.log, withProfiles)
	if err != nil {
		return err
	}
	defer st.close()
	return fn(st)
}

// ============================================================================
// Read commands
// ============================================================================

func newSizeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print the number of actors and edges, by follow distance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withState(cmd, false, func(st *state) error {
				size := st.graph.Size()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "root:    %s\n", st.graph.Root())
				fmt.Fprintf(out, "users:   %d\n", size.Users)
				fmt.Fprintf(out, "follows: %d\n", size.Follows)
				fmt.Fprintf(out, "mutes:   %d\n", size.Mutes)
				for d := 0; d <= st.graph.MaxDistance(); d++ {
					if n := size.SizeByDistance[d]; n > 0 {
						fmt.Fprintf(out, "  distance %d: %d\n", d, n)
					}
				}
				return nil
			})
		},
	}
}

func newDistanceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "distance <pubkey>",
		Short: "Print an actor's follow distance and who follows and mutes them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk := socialgraph.NormalizePubkey(args[0])
			if pk == "" {
				return apperrors.NewInvalidPubkey(args[0])
			}
			return opts.withState(cmd, false, func(st *state) error {
				out := cmd.OutOrStdout()
				if d, ok := st.graph.FollowDistance(pk); ok {
					fmt.Fprintf(out, "distance: %d\n", d)
				} else {
					fmt.Fprintln(out, "distance: unknown")
				}
				fmt.Fprintf(out, "followers: %d (%d among root's follows)\n",
					len(st.graph.Followers(pk)), st.graph.FollowedByFriendsCount(pk))
				fmt.Fprintf(out, "muters: %d\n", len(st.graph.Muters(pk)))

				stats := st.graph.Stats(pk)
				for _, d := range socialgraph.SortedDistances(stats) {
					o := stats[d]
					fmt.Fprintf(out, "  at distance %d: %d followers, %d muters\n", d, o.Followers, o.Muters)
				}
				return nil
			})
		},
	}
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored profiles, ranked by closeness to root",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return apperrors.ErrBlankQuery
			}
			return opts.withState(cmd, true, func(st *state) error {
				results := search.Rank(st.index.Search(query, 0), query, st.graph, limit)
				out := cmd.OutOrStdout()
				for _, r := range results {
					distance := "?"
					if r.Known {
						distance = fmt.Sprint(r.Distance)
					}
					fmt.Fprintf(out, "%s  %-24s d=%s friends=%d\n", r.Pubkey, r.Name, distance, r.Friends)
				}
				if len(results) == 0 {
					fmt.Fprintln(out, "no matches")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	return cmd
}

// ============================================================================
// Write commands
// ============================================================================

func newExportCmd(opts *globalOptions) *cobra.Command {
	var maxBytes int
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write the stored graph to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxBytes <= 0 {
				maxBytes = opts.cfg.SnapshotMaxBytes
			}
			return opts.withState(cmd, false, func(st *state) error {
				if err := persist.ExportFile(args[0], st.graph, maxBytes); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d users to %s\n", st.graph.Size().Users, args[0])
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 0, "snapshot size limit (default SNAPSHOT_MAX_BYTES)")
	return cmd
}

func newImportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Merge snapshot files into the stored graph",
		Long: `Each file is validated before anything from it is applied. Lists
older than the stored ones are ignored. A file that fails validation
aborts the command; files merged before it are kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withState(cmd, false, func(st *state) error {
				out := cmd.OutOrStdout()
				for _, path := range args {
					lists, err := persist.ImportFile(path, st.graph)
					if err != nil {
						if saveErr := st.save(cmd.Context()); saveErr != nil {
							opts.log.Error("Failed to save partial import", zap.Error(saveErr))
						}
						return err
					}
					fmt.Fprintf(out, "%s: %d lists\n", path, lists)
				}
				st.graph.RecalculateFollowDistances()
				fmt.Fprintf(out, "users: %d\n", st.graph.Size().Users)
				return st.save(cmd.Context())
			})
		},
	}
}

func newPruneCmd(opts *globalOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove muted actors nobody reachable follows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withState(cmd, false, func(st *state) error {
				before := st.graph.Size().Users
				removed := st.graph.RemoveMutedNotFollowedUsers()
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d of %d users\n", removed, before)
				if dryRun || removed == 0 {
					return nil
				}
				return st.save(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without saving")
	return cmd
}

func newNeo4jSyncCmd(opts *globalOptions) *cobra.Command {
	var clearFirst bool
	cmd := &cobra.Command{
		Use:   "neo4j-sync",
		Short: "Mirror the stored graph into Neo4j",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if !cfg.Neo4jEnabled() {
				return apperrors.NewConfigMissingRequired("NEO4J_URI")
			}
			ctx := cmd.Context()

			driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
			if err != nil {
				return fmt.Errorf("failed to create Neo4j driver: %w", err)
			}
			if err := driver.VerifyConnectivity(ctx); err != nil {
				_ = driver.Close(ctx)
				return fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
			}
			repo := graphdb.NewRepository(driver, opts.log)
			defer repo.Close()

			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}
			if clearFirst {
				if err := repo.Clear(ctx); err != nil {
					return err
				}
			}

			return opts.withState(cmd, false, func(st *state) error {
				stats, err := repo.SyncSnapshot(ctx, st.graph.Serialize(0))
				if err != nil {
					return err
				}
				counts, err := repo.Counts(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "synced %d actors, %d follow lists, %d mute lists\n",
					stats.Actors, stats.FollowLists, stats.MuteLists)
				fmt.Fprintf(out, "mirror: %d actors, %d follows, %d mutes\n",
					counts.Actors, counts.Follows, counts.Mutes)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearFirst, "clear", false, "remove mirrored data before syncing")
	return cmd
}
