package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MikeDacre/ASEr/internal/cluster"
	"github.com/MikeDacre/ASEr/internal/cluster/local"
	"github.com/MikeDacre/ASEr/internal/cluster/slurm"
	"github.com/MikeDacre/ASEr/internal/cluster/torque"
	core "github.com/MikeDacre/ASEr/internal/core"
	gssh "github.com/MikeDacre/ASEr/internal/ssh"
)

// runEnv is everything a subcommand needs: the loaded config, the selected
// queue, and the remote client when a submission host is configured.
type runEnv struct {
	cfg    core.Config
	queue  cluster.Queue
	remote *gssh.Client
}

// resolveEnv loads config, wires the runner (local exec or SSH to the
// submission host), registers the three queues, and selects one.
func resolveEnv(cmd *cobra.Command) (*runEnv, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("threads"); f != nil && f.Changed {
		cfg.Threads, _ = cmd.Flags().GetInt("threads")
	}

	var runner cluster.Runner = cluster.ExecRunner{}
	var remote *gssh.Client
	if cfg.SubmitHost.Addr != "" {
		signer, err := gssh.LoadPrivateKeySigner(expandHome(cfg.SubmitHost.KeyPath))
		if err != nil {
			return nil, err
		}
		kh, err := gssh.LoadKnownHostsCallback(expandHome(cfg.SubmitHost.KnownHosts))
		if err != nil {
			return nil, err
		}
		remote = &gssh.Client{
			Addr:       cfg.SubmitHost.Addr,
			User:       cfg.SubmitHost.User,
			Signer:     signer,
			KnownHosts: kh,
			Timeout:    15 * time.Second,
			Retries:    2,
			Backoff:    500 * time.Millisecond,
		}
		runner = &gssh.Runner{Client: remote}
	}

	retry := cluster.RetryPolicy{
		MaxAttempts: cfg.Retry.Attempts,
		Delay:       time.Duration(cfg.Retry.DelaySeconds) * time.Second,
	}
	reg := cluster.NewRegistry()
	reg.Register(local.New(cfg.Threads))
	sq := slurm.New(runner)
	sq.Retry = retry
	reg.Register(sq)
	tq := torque.New(runner)
	tq.Retry = retry
	reg.Register(tq)

	backendStr, _ := cmd.Flags().GetString("backend")
	if backendStr == "" {
		backendStr = cfg.Backend
	}
	var backend cluster.Backend
	if backendStr != "" {
		backend, err = cluster.ParseBackend(backendStr)
		if err != nil {
			return nil, err
		}
	} else {
		backend = cluster.Detect(runner)
	}
	q, err := reg.Get(backend)
	if err != nil {
		return nil, err
	}
	return &runEnv{cfg: cfg, queue: q, remote: remote}, nil
}

// Submit a job
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [flags] -- command...",
		Short: "Render a job script and submit it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			script, _ := cmd.Flags().GetString("script")
			command, _ := cmd.Flags().GetString("command")
			if command == "" {
				command = strings.Join(args, " ")
			}
			if name == "" && script == "" {
				return cluster.ConfigError{Field: "name", Message: "either --name or --script is required"}
			}
			env, err := resolveEnv(cmd)
			if err != nil {
				return err
			}
			q := env.queue

			dependIDs, _ := cmd.Flags().GetStringSlice("depends")
			deps, err := parseHandles(q.Backend(), dependIDs)
			if err != nil {
				return err
			}

			var art *cluster.Artifact
			if script != "" {
				art, err = cluster.ArtifactFromScript(script)
				if err != nil {
					return err
				}
				if art.Backend != q.Backend() {
					return cluster.ConfigError{
						Backend: q.Backend(),
						Field:   "script",
						Value:   script,
						Message: fmt.Sprintf("script was rendered for the %s backend", art.Backend),
					}
				}
			} else {
				spec := cluster.JobSpec{Name: name, Command: command}
				spec.Time, _ = cmd.Flags().GetString("time")
				spec.Cores, _ = cmd.Flags().GetInt("cores")
				spec.MemMB, _ = cmd.Flags().GetInt("mem")
				spec.Dir, _ = cmd.Flags().GetString("dir")
				spec.Partition, _ = cmd.Flags().GetString("partition")
				if spec.Partition == "" {
					spec.Partition = env.cfg.Partition
				}
				spec.Modules, _ = cmd.Flags().GetStringSlice("module")
				if len(spec.Modules) == 0 {
					spec.Modules = env.cfg.Modules
				}
				art, err = q.Build(spec)
				if err != nil {
					return err
				}
			}
			if env.remote != nil {
				if err := pushArtifact(cmd, env, art); err != nil {
					return err
				}
			}
			h, err := q.Submit(cmd.Context(), art, deps)
			if err != nil {
				return err
			}
			fmt.Printf("submitted %s to %s as job %s\n", art.Name, q.Backend(), h.ID())

			ledger, _ := cmd.Flags().GetString("ledger")
			if ledger == "" {
				ledger = env.cfg.Ledger
			}
			if ledger != "" {
				if err := recordSubmission(cmd, ledger, art, h); err != nil {
					return err
				}
			}

			wait, _ := cmd.Flags().GetBool("wait")
			// A local job dies with this process, so always see it through.
			if wait || q.Backend() == cluster.Local {
				if err := q.Wait(cmd.Context(), []cluster.Handle{h}); err != nil {
					return err
				}
				if lq, ok := q.(*local.Queue); ok {
					jobs, errs, dur := lq.Stats().Snapshot()
					log.Debug().Int64("jobs", jobs).Int64("errors", errs).Dur("total", dur).Msg("local pool stats")
				}
			}
			return nil
		},
	}
	cmd.Flags().String("name", "", "job name, used for all artifact file names")
	cmd.Flags().String("script", "", "submit an already rendered job script instead of building one")
	cmd.Flags().String("command", "", "command to run (alternative to positional args)")
	cmd.Flags().String("time", "", "walltime as HH:MM:SS (schedulers only)")
	cmd.Flags().Int("cores", 1, "cores to request")
	cmd.Flags().Int("mem", 0, "memory to request in MB (schedulers only)")
	cmd.Flags().String("partition", "", "partition/queue to run on (schedulers only)")
	cmd.Flags().StringSlice("module", nil, "environment modules to load (schedulers only)")
	cmd.Flags().String("dir", "", "directory to run in (default: current directory)")
	cmd.Flags().StringSlice("depends", nil, "job IDs this job depends on (afterok)")
	cmd.Flags().Int("threads", 0, "local worker pool size (default: all cores)")
	cmd.Flags().String("ledger", "", "sqlite ledger to record the submission in")
	cmd.Flags().Bool("wait", false, "block until the job completes")
	return cmd
}

// Wait for jobs to finish
func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the given jobs reach a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveEnv(cmd)
			if err != nil {
				return err
			}
			ids, _ := cmd.Flags().GetStringSlice("jobs")
			handles, err := parseHandles(env.queue.Backend(), ids)
			if err != nil {
				return err
			}
			start := time.Now()
			if err := env.queue.Wait(cmd.Context(), handles); err != nil {
				return err
			}
			log.Debug().Dur("waited", time.Since(start)).Int("jobs", len(handles)).Msg("all jobs terminal")
			return nil
		},
	}
	cmd.Flags().StringSlice("jobs", nil, "job IDs to wait for")
	_ = cmd.MarkFlagRequired("jobs")
	return cmd
}

// Clean job artifacts
func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete job scripts and output files created by aser",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveEnv(cmd)
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			deleted, err := env.queue.Clean(dir)
			if err != nil {
				return err
			}
			for _, name := range deleted {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "", "directory to clean (default: current directory)")
	return cmd
}

// Report the detected backend
func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Report which backend would be used",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveEnv(cmd)
			if err != nil {
				return err
			}
			fmt.Println(env.queue.Backend())
			return nil
		},
	}
}

// List the submission ledger
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ledger, _ := cmd.Flags().GetString("ledger")
			if ledger == "" {
				ledger = cfg.Ledger
			}
			if ledger == "" {
				return fmt.Errorf("no ledger configured; set `ledger` in config or pass --ledger")
			}
			store, err := core.NewStore(expandHome(ledger))
			if err != nil {
				return err
			}
			defer store.Close()
			subs, err := store.ListSubmissions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range subs {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
					s.SubmittedAt.Format(time.RFC3339), s.Backend, s.JobID, s.Name, s.Script)
			}
			return nil
		},
	}
	cmd.Flags().String("ledger", "", "sqlite ledger path")
	return cmd
}

// Fetch job output files from the submission host
func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download a job's .cluster.out/.cluster.err from the submission host",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveEnv(cmd)
			if err != nil {
				return err
			}
			if env.remote == nil {
				return fmt.Errorf("no submit_host configured; output files are already local")
			}
			name, _ := cmd.Flags().GetString("name")
			remoteDir, _ := cmd.Flags().GetString("dir")
			outDir, _ := cmd.Flags().GetString("out")
			if outDir == "" {
				outDir = "."
			}
			cli, err := gssh.Dial(cmd.Context(), env.remote)
			if err != nil {
				return err
			}
			defer cli.Close()
			for _, suffix := range []string{cluster.SuffixOut, cluster.SuffixErr} {
				file := name + suffix
				remotePath := filepath.Join(remoteDir, file)
				if err := gssh.PullFile(cli, remotePath, filepath.Join(outDir, file)); err != nil {
					return err
				}
				fmt.Println(file)
			}
			return nil
		},
	}
	cmd.Flags().String("name", "", "job name")
	cmd.Flags().String("dir", "", "remote directory the job ran in")
	cmd.Flags().String("out", "", "local directory to download into (default: current directory)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

// Initialize configuration and SSH material
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default config and SSH key. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			if err := core.WriteDefaultConfig(cfgPath); err != nil {
				return err
			}
			fmt.Printf("config: %s\n", cfgPath)

			sshDir := filepath.Join(filepath.Dir(cfgPath), "ssh")
			if err := os.MkdirAll(sshDir, 0o700); err != nil {
				return err
			}
			keyPath := filepath.Join(sshDir, "id_ed25519")
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated key: %s\npublic key: %s", keyPath, pub)
			}
			return gssh.EnsureKnownHostsFile(filepath.Join(filepath.Dir(cfgPath), "known_hosts"))
		},
	}
}

// parseHandles converts externally supplied job IDs into handles for the
// active backend. Local handles only exist inside the submitting process and
// cannot be named on the command line.
func parseHandles(backend cluster.Backend, ids []string) ([]cluster.Handle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	handles := make([]cluster.Handle, 0, len(ids))
	for _, id := range ids {
		if _, err := strconv.Atoi(id); err != nil {
			return nil, cluster.ConfigError{Backend: backend, Field: "jobs", Value: id, Message: "job IDs must be numeric"}
		}
		switch backend {
		case cluster.Slurm:
			handles = append(handles, slurm.JobID(id))
		case cluster.Torque:
			handles = append(handles, torque.JobID(id))
		default:
			return nil, cluster.ConfigError{Backend: backend, Field: "jobs", Value: id, Message: "local job handles exist only inside the submitting process"}
		}
	}
	return handles, nil
}

func pushArtifact(cmd *cobra.Command, env *runEnv, art *cluster.Artifact) error {
	cli, err := gssh.Dial(cmd.Context(), env.remote)
	if err != nil {
		return err
	}
	defer cli.Close()
	if err := gssh.PushFile(cli, art.Path, art.Path); err != nil {
		return err
	}
	if art.Companion != "" {
		if err := gssh.PushFile(cli, art.Companion, art.Companion); err != nil {
			return err
		}
	}
	log.Debug().Str("host", env.remote.Addr).Str("script", art.Path).Msg("staged job script on submission host")
	return nil
}

func recordSubmission(cmd *cobra.Command, ledger string, art *cluster.Artifact, h cluster.Handle) error {
	store, err := core.NewStore(expandHome(ledger))
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordSubmission(cmd.Context(), core.Submission{
		Name:    art.Name,
		Backend: string(art.Backend),
		JobID:   h.ID(),
		Script:  art.Path,
	})
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
