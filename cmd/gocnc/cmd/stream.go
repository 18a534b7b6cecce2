package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roffe/gocnc"
	"github.com/roffe/gocnc/pkg/bar"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	flagVerbose    = "verbose"
	flagSingleStep = "single-step"
)

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().BoolP(flagVerbose, "v", false, "print every response")
	streamCmd.Flags().Bool(flagSingleStep, false, "keep a single command in flight")
}

var streamCmd = &cobra.Command{
	Use:   "stream <filename>",
	Short: "stream a G-code file to the controller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		verbose, _ := cmd.Flags().GetBool(flagVerbose)
		singleStep, _ := cmd.Flags().GetBool(flagSingleStep)

		job, err := loadJob(args[0])
		if err != nil {
			return err
		}
		log.Printf("loaded %d lines from %s", len(job), filepath.Base(args[0]))

		comm, err := initMachine(ctx, gocnc.WithSingleStepMode(singleStep))
		if err != nil {
			return err
		}
		defer comm.Close()

		return runJob(ctx, comm, job, verbose, resumeOrCancel)
	},
}

func loadJob(filename string) ([]*gocnc.Command, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var job []*gocnc.Command
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		job = append(job, gocnc.NewCommand(line, gocnc.WithLineNumber(n)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return job, nil
}

type jobSummary struct {
	ok, failed, skipped int
}

func (s jobSummary) String() string {
	return fmt.Sprintf("%s, %s, %s",
		green("%d ok", s.ok), red("%d failed", s.failed), yellow("%d skipped", s.skipped))
}

// resumeFunc decides whether a paused job goes on. reason says what paused
// it.
type resumeFunc func(reason string) (bool, error)

// abortGrace bounds how long an aborted job waits for the controller to
// release its in-flight commands before the connection is dropped.
var abortGrace = 2 * time.Second

// pauseWatch turns every transition into PAUSED into a single prompt and
// remembers what caused it.
type pauseWatch struct {
	mu     sync.Mutex
	reason string
	ch     chan struct{}
}

func newPauseWatch() *pauseWatch {
	return &pauseWatch{ch: make(chan struct{}, 1)}
}

func (w *pauseWatch) cause(reason string) {
	w.mu.Lock()
	w.reason = reason
	w.mu.Unlock()
}

func (w *pauseWatch) paused() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *pauseWatch) take() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.reason
	w.reason = ""
	if r == "" {
		return "transmission paused"
	}
	return r
}

func runJob(ctx context.Context, comm *gocnc.Communicator, job []*gocnc.Command, verbose bool, decide resumeFunc) error {
	if len(job) == 0 {
		return nil
	}
	watch := newPauseWatch()
	listener := console(verbose)
	listener.OnPausedOnError = func(c *gocnc.Command) {
		fmt.Println(red("\nline %d: %s -> %s", c.LineNumber(), c.EncodedText(), c.LastResponse()))
		watch.cause(fmt.Sprintf("%q failed with %q", c.EncodedText(), c.LastResponse()))
	}
	listener.OnControllerReset = func(msg string) {
		fmt.Println(yellow("\ncontroller reset: %s", msg))
		watch.cause("controller reset: " + msg)
	}
	listener.OnStateChanged = func(s gocnc.State) {
		log.Debugf("state %s", s)
		if s == gocnc.StatePaused {
			watch.paused()
		}
	}
	comm.AddListener(listener)
	defer comm.RemoveListener(listener)

	for _, c := range job {
		comm.QueueCommand(c)
	}

	pb := bar.New(len(job), "streaming")
	start := time.Now()
	finished := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(finished)
		for _, c := range job {
			<-c.Done()
			pb.Add(1)
		}
		return nil
	})
	g.Go(func() error {
		if err := comm.StreamCommands(); err != nil {
			return stopJob(comm, finished, err)
		}
		for {
			select {
			case <-finished:
				return nil
			case <-watch.ch:
				reason := watch.take()
				if comm.State() != gocnc.StatePaused {
					continue
				}
				resume, err := decide(reason)
				if err != nil {
					log.WithError(err).Warn("prompt")
				}
				if err != nil || !resume {
					abortJob(comm)
					continue
				}
				if err := comm.ResumeSend(); err != nil {
					return stopJob(comm, finished, err)
				}
			case <-gctx.Done():
				log.Warn("cancelling job")
				return stopJob(comm, finished, gctx.Err())
			}
		}
	})
	err := g.Wait()

	var sum jobSummary
	for _, c := range job {
		switch {
		case c.IsSkipped():
			sum.skipped++
		case c.IsError():
			sum.failed++
		default:
			sum.ok++
		}
	}
	log.Printf("%s in %s", sum, time.Since(start).Round(time.Millisecond))
	return err
}

// stopJob abandons the rest of the job and returns cause once every command
// has a verdict.
func stopJob(comm *gocnc.Communicator, finished <-chan struct{}, cause error) error {
	abortJob(comm)
	select {
	case <-finished:
	case <-time.After(abortGrace):
		log.Warn("controller did not release the job, disconnecting")
		if err := comm.Disconnect(); err != nil {
			log.WithError(err).Warn("disconnect")
		}
		<-finished
	}
	return cause
}
