package cli

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"frameforge/internal/frame"
	"frameforge/internal/framestore"
	"frameforge/internal/grpcserver"
	"frameforge/internal/imaging"
	"frameforge/internal/jobsource"
	"frameforge/internal/logging"
	"frameforge/internal/pipeline"
	"frameforge/internal/server"
	"frameforge/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	var (
		logLevel string
		workers  int
	)

	rootCmd := &cobra.Command{
		Use:   "frameforge",
		Short: "Frameforge reduces raw telescope frames and builds master calibrations",
		Long: `Frameforge runs the instrument-signature removal pipeline: overscan and
trim, bias, dark and flat correction, cosmic-ray rejection, and the robust
combination of calibration frames into masters.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("log-level") {
				root.cfg.Logging.Level = logLevel
				root.log = logging.New(logLevel, root.cfg.Logging.Format)
			}
			if cmd.Flags().Changed("workers") {
				if workers < 1 {
					return fmt.Errorf("--workers must be positive")
				}
				root.cfg.Processing.ParallelJobs = workers
			}
			root.out = cmd.OutOrStdout()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "j", 0, "number of parallel jobs (default from config)")

	rootCmd.AddCommand(newReduceCmd(root))
	rootCmd.AddCommand(newBuildMasterCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newImportCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newMastersCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWorkerCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func parseType(s string) (frame.ObservationType, error) {
	if s == "" {
		return "", nil
	}
	return frame.ParseObservationType(s)
}

func newReduceCmd(root *Root) *cobra.Command {
	var obsType string
	cmd := &cobra.Command{
		Use:   "reduce <frame-id>...",
		Short: "Reduce raw frames through their observation type's pipeline",
		Long: `Fetch the raw frames, run each through the stage sequence configured for its
observation type and persist the reduced frames. Nothing is persisted unless
every frame reduces successfully.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseType(obsType)
			if err != nil {
				return err
			}
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:            pipeline.JobReduce,
				FrameIDs:        args,
				ObservationType: typ,
				Options:         map[string]any{"source": "cli"},
			})
		},
	}
	cmd.Flags().StringVarP(&obsType, "type", "t", "", "require every frame to have this observation type")
	return cmd
}

func newBuildMasterCmd(root *Root) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "build-master <frame-id>...",
		Short: "Combine calibration frames into a master and register it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseType(kind)
			if err != nil {
				return err
			}
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:            pipeline.JobBuildMaster,
				FrameIDs:        args,
				ObservationType: typ,
				Options:         map[string]any{"source": "cli"},
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "calibration kind (bias|dark|flat), inferred from the frames if empty")
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		epoch      string
		stage      string
		site       string
		instrument string
		filter     string
		binning    string
		imageTypes []string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build masters and reduce science frames for a range of nights",
		Long: `List the raw frames observed in the epoch range, build bias, dark and flat
masters per configuration and night, then reduce the science frames.
--stage restricts the run to one step or a from-to slice of
make-bias, make-dark, make-flat, reduce-science.`,
		Example: `  frameforge run --epoch 20151001
  frameforge run --epoch 20151001-20151005 --site lsc --stage make-dark-make-flat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := pipeline.ParseEpochs(epoch)
			if err != nil {
				return err
			}
			steps, err := pipeline.ParseSteps(stage)
			if err != nil {
				return err
			}
			f := framestore.Filter{From: from, To: to, Site: site, Instrument: instrument, Filter: filter, Binning: binning}
			for _, t := range imageTypes {
				typ, err := frame.ParseObservationType(t)
				if err != nil {
					return err
				}
				f.Types = append(f.Types, typ)
			}

			ctx := cmd.Context()
			svc, err := root.services(ctx)
			if err != nil {
				return err
			}
			plan, err := pipeline.NewPlanner(svc.frames, root.log).Plan(ctx, f, steps)
			if err != nil {
				return err
			}
			for _, st := range plan.Stages {
				fmt.Fprintf(root.out, "%-15s %d jobs\n", st.Step, len(st.Jobs))
			}
			if dryRun {
				return nil
			}

			start := time.Now()
			sum, err := svc.pipeline.Run(ctx, plan)
			if err != nil {
				return err
			}
			for _, res := range sum.Failed {
				root.printResult(res)
			}
			fmt.Fprintf(root.out, "%d jobs succeeded, %d failed in %s\n", sum.Succeeded, len(sum.Failed), time.Since(start).Round(time.Millisecond))
			if len(sum.Failed) > 0 {
				return fmt.Errorf("%d jobs failed", len(sum.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&epoch, "epoch", "", "night or range of nights, YYYYMMDD[-YYYYMMDD]")
	cmd.Flags().StringVar(&stage, "stage", "", "step or from-to slice of steps to run")
	cmd.Flags().StringVar(&site, "site", "", "only frames from this site")
	cmd.Flags().StringVar(&instrument, "instrument", "", "only frames from this instrument")
	cmd.Flags().StringVar(&filter, "filter", "", "only frames taken through this filter")
	cmd.Flags().StringVar(&binning, "binning", "", "only frames with this binning, e.g. 2x2")
	cmd.Flags().StringSliceVar(&imageTypes, "image-type", nil, "only frames of these observation types")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without running it")
	cmd.MarkFlagRequired("epoch")
	return cmd
}

func newImportCmd(root *Root) *cobra.Command {
	var reduceScience bool
	cmd := &cobra.Command{
		Use:   "import <file|dir>...",
		Short: "Import FITS or TIFF files into the raw frame store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := root.services(ctx)
			if err != nil {
				return err
			}
			paths, err := expandFrameArgs(args)
			if err != nil {
				return err
			}
			imp := newImporter(svc.frames)
			var science []string
			for _, path := range paths {
				f, err := imp.Import(ctx, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(root.out, "%s\t%s\t%s\t%s\n", f.ID, f.Header.Type, f.Epoch(), f.Header.Fingerprint)
				if f.Header.Type == frame.Science {
					science = append(science, f.ID)
				}
			}
			if !reduceScience || len(science) == 0 {
				return nil
			}
			jobs := make([]pipeline.Job, len(science))
			for i, id := range science {
				jobs[i] = pipeline.Job{Type: pipeline.JobReduce, FrameIDs: []string{id}, ObservationType: frame.Science}
			}
			return root.enqueueAndWait(ctx, jobs...)
		},
	}
	cmd.Flags().BoolVar(&reduceScience, "reduce", false, "reduce imported science frames right away")
	return cmd
}

func newExportCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:     "export <location> <output-file>",
		Short:   "Write a stored frame to a FITS or TIFF file",
		Example: "  frameforge export processed/sci-0042.ffm sci-0042.fits",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := root.services(cmd.Context())
			if err != nil {
				return err
			}
			f, err := svc.frames.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := imaging.Write(args[1], f, imaging.DefaultScale); err != nil {
				return err
			}
			fmt.Fprintf(root.out, "wrote %s (%dx%d, %d planes)\n", args[1], f.Width, f.Height, len(f.Planes))
			return nil
		},
	}
}

func newMastersCmd(root *Root) *cobra.Command {
	var (
		kind  string
		epoch string
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "masters",
		Short: "List registered master calibrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseType(kind)
			if err != nil {
				return err
			}
			svc, err := root.services(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := svc.store.ListMasters(cmd.Context(), storage.MasterFilter{Kind: typ, Epoch: epoch, IncludeSuperseded: all, Limit: limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tEPOCH\tFINGERPRINT\tINPUTS\tCURRENT\tLOCATION")
			for _, r := range recs {
				flag := ""
				if r.LowConfidence {
					flag = " (low confidence)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%s\t%t\t%s\n", r.ID, r.Kind, r.Epoch, r.FingerprintKey, r.NInputs, flag, r.Current, r.Location)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "only masters of this kind")
	cmd.Flags().StringVar(&epoch, "epoch", "", "only masters of this night (YYYYMMDD)")
	cmd.Flags().BoolVar(&all, "all", false, "include superseded masters")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of masters to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
		watchDir string
		useMQTT  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job service with HTTP and gRPC APIs",
		Long: `Start the worker pool and serve the HTTP API (jobs, masters, frames, result
stream, websocket, metrics) and the gRPC Jobs service. Optionally watch a
drop directory for job files and new frames, and subscribe to the MQTT job topic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if httpAddr == "" {
				httpAddr = root.cfg.Server.HTTPAddr
			}
			if grpcAddr == "" {
				grpcAddr = root.cfg.Server.GRPCAddr
			}
			svc, err := root.services(cmd.Context())
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			api := server.New(httpAddr, server.Deps{
				Store:   svc.store,
				Queue:   svc.pipeline,
				Frames:  svc.frames,
				Metrics: svc.metrics,
				Logger:  root.log,
			})
			g.Go(func() error { return api.Start(ctx) })

			if grpcAddr != "" {
				gs := grpcserver.New(svc.pipeline, svc.store, root.log)
				g.Go(func() error { return gs.ListenAndServe(ctx, grpcAddr) })
			}
			if watchDir != "" {
				drop := jobsource.NewDropDir(watchDir, svc.pipeline, newImporter(svc.frames), root.log)
				g.Go(func() error { return drop.Run(ctx) })
			}
			if useMQTT {
				g.Go(func() error { return root.runMQTT(ctx, svc) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from config)")
	cmd.Flags().StringVar(&watchDir, "watch", "", "drop directory for job files and new frames; bare --watch uses <raw_dir>/incoming")
	cmd.Flags().Lookup("watch").NoOptDefVal = defaultDropDir(root.cfg)
	cmd.Flags().BoolVar(&useMQTT, "mqtt", false, "also consume jobs from the configured MQTT topic")
	return cmd
}

func newWorkerCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from the MQTT job topic and publish results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := root.services(cmd.Context())
			if err != nil {
				return err
			}
			return root.runMQTT(cmd.Context(), svc)
		},
	}
}

func (r *Root) runMQTT(ctx context.Context, svc *services) error {
	m := r.cfg.MQTT
	if m.Broker == "" {
		return errors.New("mqtt.broker is not configured")
	}
	codec, err := jobsource.CodecByName(m.Codec)
	if err != nil {
		return err
	}
	src := jobsource.NewMQTTSource(jobsource.MQTTConfig{
		Broker:   m.Broker,
		Topic:    m.Topic,
		ClientID: m.ClientID,
		QoS:      m.QoS,
	}, codec, svc.pipeline, r.log)
	if err := src.Connect(ctx); err != nil {
		return err
	}
	defer src.Stop()

	results, unsubscribe := svc.pipeline.Subscribe()
	defer unsubscribe()
	go src.PublishResults(ctx, results)

	if err := src.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	st := src.Stats()
	r.log.Info("mqtt worker stopping", "received", st.Received, "rejected", st.Rejected, "published", st.Published)
	return nil
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		addr    string
		obsType string
	)
	cmd := &cobra.Command{
		Use:   "submit <reduce|build-master> <frame-id>...",
		Short: "Queue a job on a running frameforge service over gRPC",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseType(obsType)
			if err != nil {
				return err
			}
			job := pipeline.Job{Type: pipeline.JobType(args[0]), FrameIDs: args[1:], ObservationType: typ}
			if err := job.Validate(); err != nil {
				return err
			}
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}
			client, err := grpcserver.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			queued, err := client.Submit(ctx, job)
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, queued.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of the service (default from config)")
	cmd.Flags().StringVarP(&obsType, "type", "t", "", "declared observation type")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "frameforge %s (%s)\n", Version, runtime.Version())
		},
	}
}
