package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/roffe/gocnc"
	"github.com/roffe/gocnc/pkg/bar"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	flagCount    = "count"
	flagDelay    = "delay"
	flagValidate = "validate"
)

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().Int(flagCount, 5000, "commands to stream")
	benchCmd.Flags().Duration(flagDelay, 0, "loopback delay before each ok")
	benchCmd.Flags().Bool(flagValidate, false, "make every 100th command fail and resume past it")
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "measure streaming throughput against the loopback connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt(flagCount)
		delay, _ := cmd.Flags().GetDuration(flagDelay)
		validate, _ := cmd.Flags().GetBool(flagValidate)
		ctx := cmd.Context()

		dialect, err := gocnc.NewDialect(cfg.Dialect)
		if err != nil {
			return err
		}
		conn := gocnc.NewLoopback(&gocnc.ConnectionConfig{
			Debug:    cfg.Debug,
			Logger:   log.StandardLogger(),
			AckDelay: delay,
			Validate: validate,
		})
		comm, err := gocnc.NewCommunicator(conn, dialect,
			gocnc.WithLogger(log.StandardLogger()),
			gocnc.WithBufferSize(cfg.Buffer),
			gocnc.WithStatusPollInterval(0),
		)
		if err != nil {
			return err
		}
		defer comm.Close()
		if err := comm.Connect(ctx, "loopback", 0); err != nil {
			return err
		}

		job := make([]*gocnc.Command, count)
		for i := range job {
			text := fmt.Sprintf("G1 X%d.000 F1000", i%500)
			if validate && i%100 == 99 {
				text = "error check"
			}
			job[i] = gocnc.NewCommand(text, gocnc.WithLineNumber(i+1))
		}
		return bench(ctx, comm, job)
	},
}

func bench(ctx context.Context, comm *gocnc.Communicator, job []*gocnc.Command) error {
	errs := make(chan struct{}, len(job))
	listener := &gocnc.ListenerFuncs{
		OnPausedOnError: func(*gocnc.Command) {
			errs <- struct{}{}
		},
	}
	comm.AddListener(listener)
	defer comm.RemoveListener(listener)

	pb := bar.New(len(job), fmt.Sprintf("%s %s", comm.Dialect().Name(), comm.FlowControl()))
	start := time.Now()
	for _, c := range job {
		comm.QueueCommand(c)
	}

	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(finished)
		for _, c := range job {
			select {
			case <-c.Done():
				pb.Add(1)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		if err := comm.StreamCommands(); err != nil {
			return err
		}
		for {
			select {
			case <-finished:
				return nil
			case <-errs:
				if err := comm.ResumeSend(); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	took := time.Since(start)
	var failed int
	for _, c := range job {
		if c.IsError() {
			failed++
		}
	}
	log.Printf("%d commands in %s, %.0f cmd/s, %s", len(job), took.Round(time.Millisecond),
		float64(len(job))/took.Seconds(), red("%d failed", failed))
	return nil
}
