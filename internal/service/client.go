package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/machpc/jobq/internal/model"
	"github.com/machpc/jobq/internal/store"
)

const nameLen = 50

// Client implements the caller side operations. It talks to the daemon only
// through the store and never waits for a job unless asked to by Wait.
type Client struct {
	store          *store.Store
	defaultTimeout time.Duration
	now            func() time.Time
}

func NewClient(st *store.Store, defaultTimeout time.Duration) *Client {
	return &Client{
		store:          st,
		defaultTimeout: defaultTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SubmitRequest describes a new job. Exactly one of Command and Args is
// usually set: Args run directly, Command runs through the shell verbatim.
type SubmitRequest struct {
	Command string
	Args    []string
	Name    string
	Dir     string
	Env     []string
	Timeout *time.Duration // nil means the configured default, 0 no limit
}

// Submit appends a new queued job and returns it.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (model.Job, error) {
	command := req.Command
	if len(req.Args) > 0 && command == "" {
		command = JoinArgs(req.Args)
	}
	if strings.TrimSpace(command) == "" {
		return model.Job{}, errors.New("empty command")
	}
	for _, kv := range req.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return model.Job{}, fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", kv)
		}
	}

	name := req.Name
	if name == "" {
		name = command
		if r := []rune(name); len(r) > nameLen {
			name = string(r[:nameLen])
		}
	}
	timeout := c.defaultTimeout
	if req.Timeout != nil {
		timeout = *req.Timeout
	}
	if timeout < 0 {
		return model.Job{}, fmt.Errorf("negative timeout %s", timeout)
	}

	id := model.NewID()
	stdout, stderr := c.store.Layout().Running(id)
	job := model.Job{
		ID:          id,
		Name:        name,
		Command:     command,
		Args:        append([]string(nil), req.Args...),
		Dir:         req.Dir,
		Env:         append([]string(nil), req.Env...),
		Timeout:     model.Duration(timeout),
		State:       model.StateQueued,
		SubmittedAt: c.now(),
		Stdout:      stdout,
		Stderr:      stderr,
	}
	if err := c.store.Append(ctx, job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// List returns jobs in submission order, optionally only those in given states.
func (c *Client) List(ctx context.Context, states ...model.State) (model.JobSet, error) {
	set, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return set.Filter(states...), nil
}

func (c *Client) Info(ctx context.Context, id string) (model.Job, error) {
	return c.store.Find(ctx, id)
}

// Cancel flags a job for cancellation, the scheduler acts on it on its next
// tick. Cancelling a terminal job changes nothing and is not an error.
func (c *Client) Cancel(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := c.store.Update(ctx, func(set *model.JobSet) error {
		idx := set.Index(id)
		if idx < 0 {
			return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		j := &(*set)[idx]
		job = *j
		if j.State.Terminal() || j.CancelRequested {
			return store.ErrNoChange
		}
		j.CancelRequested = true
		job = *j
		return nil
	})
	return job, err
}

// Wait polls the store until all given jobs are terminal and returns them in
// the order of ids.
func (c *Client) Wait(ctx context.Context, interval time.Duration, ids ...string) (model.JobSet, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ret := make(model.JobSet, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	for idx, id := range ids {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				job, err := c.store.Find(ctx, id)
				if err != nil {
					return err
				}
				if job.State.Terminal() {
					ret[idx] = job
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}

// Output opens the captured stdout (or stderr) of a job, wherever the file
// currently lives.
func (c *Client) Output(ctx context.Context, id string, stderr bool) (io.ReadCloser, error) {
	job, err := c.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	runOut, runErr := c.store.Layout().Running(id)
	finOut, finErr := c.store.Layout().Finished(id)
	candidates := []string{job.Stdout, finOut, runOut}
	if stderr {
		candidates = []string{job.Stderr, finErr, runErr}
	}
	for _, path := range candidates {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("output of job %s: %w", id, os.ErrNotExist)
}

const shellMeta = "|&;<>()$`\\\"'*?[]#~=%!{}\n"

// CommandFromArgs turns CLI arguments into a command. More arguments are an
// argv. A single one is a shell string when it uses shell syntax, otherwise
// it is split on white space. forceShell passes everything to the shell.
func CommandFromArgs(args []string, forceShell bool) (command string, argv []string) {
	switch {
	case len(args) == 0:
		return "", nil
	case forceShell:
		return strings.Join(args, " "), nil
	case len(args) == 1:
		if strings.ContainsAny(args[0], shellMeta) {
			return args[0], nil
		}
		argv = strings.Fields(args[0])
		return strings.Join(argv, " "), argv
	default:
		return JoinArgs(args), append([]string(nil), args...)
	}
}

// JoinArgs renders argv as a readable command line.
func JoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, shellMeta+" \t") {
			a = strconv.Quote(a)
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
